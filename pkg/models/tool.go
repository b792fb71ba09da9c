package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ToolType distinguishes plugin tools from tools built into the host.
type ToolType string

const (
	ToolTypeDefault ToolType = "default"
	ToolTypeBuiltin ToolType = "builtin"
)

// ChatToolPayload describes one tool invocation requested by a model.
// Arguments is the raw serialized argument object and must be treated as
// untrusted input.
type ChatToolPayload struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	APIName    string   `json:"api_name"`
	Arguments  string   `json:"arguments"`
	Type       ToolType `json:"type,omitempty"`
}

// Key returns the "identifier/apiName" form used by allow lists and usage accounting.
func (p ChatToolPayload) Key() string {
	return p.Identifier + "/" + p.APIName
}

const (
	// ToolNameSeparator joins identifier, api name and type in function-calling names.
	ToolNameSeparator = "____"

	maxToolNameLength = 64
	hashedNamePrefix  = "HASH_"
)

// ToolCallingName builds the function name a model sees for a tool API.
// Names longer than model limits are shortened by hashing the api name.
func ToolCallingName(identifier, apiName string, typ ToolType) string {
	name := identifier + ToolNameSeparator + apiName
	if typ != "" && typ != ToolTypeDefault {
		name += ToolNameSeparator + string(typ)
	}
	if len(name) <= maxToolNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(apiName))
	short := hashedNamePrefix + hex.EncodeToString(sum[:])[:12]
	name = identifier + ToolNameSeparator + short
	if typ != "" && typ != ToolTypeDefault {
		name += ToolNameSeparator + string(typ)
	}
	return name
}

// ParseToolCallingName splits a function-calling name back into its parts.
// Hashed api names are resolved against the manifest map when one is given.
func ParseToolCallingName(name string, manifests map[string]ToolManifest) (identifier, apiName string, typ ToolType) {
	parts := strings.Split(name, ToolNameSeparator)
	typ = ToolTypeDefault
	switch len(parts) {
	case 0, 1:
		return name, name, typ
	case 2:
		identifier, apiName = parts[0], parts[1]
	default:
		identifier, apiName = parts[0], parts[1]
		typ = ToolType(parts[2])
	}
	if strings.HasPrefix(apiName, hashedNamePrefix) {
		if manifest, ok := manifests[identifier]; ok {
			for _, api := range manifest.APIs {
				sum := sha256.Sum256([]byte(api.Name))
				if hashedNamePrefix+hex.EncodeToString(sum[:])[:12] == apiName {
					apiName = api.Name
					break
				}
			}
		}
	}
	return identifier, apiName, typ
}
