package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var schemaOnce = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "agentcore configuration"
	schema.Description = "Configuration file for the agentcore CLI."
	// $include is resolved before decoding and never reaches Config.
	schema.Properties.Set(includeKey, &jsonschema.Schema{
		Description: "Path or list of paths merged beneath this file",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	})
	return json.MarshalIndent(schema, "", "  ")
})

// JSONSchema returns the JSON Schema for configuration files.
func JSONSchema() ([]byte, error) {
	return schemaOnce()
}
