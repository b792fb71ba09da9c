// Package toolargs parses and repairs the argument objects models emit for tool calls.
package toolargs

import (
	"encoding/json"
	"fmt"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Parse decodes a raw argument string into an object.
//
// Strict JSON is tried first, then JSON5 (single quotes, trailing commas,
// unquoted keys). Anything that does not decode to an object yields an empty
// map; Parse never fails.
func Parse(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	if obj, ok := decodeObject([]byte(raw), json.Unmarshal); ok {
		return obj
	}
	if obj, ok := decodeObject([]byte(doubleQuote(raw)), json5.Unmarshal); ok {
		return obj
	}
	return map[string]any{}
}

// doubleQuote rewrites single-quoted strings as double-quoted ones. The json5
// decoder only accepts unquoted keys and trailing commas.
func doubleQuote(raw string) string {
	if !strings.Contains(raw, "'") {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	var quote byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote == 0:
			if c == '\'' {
				quote = c
				b.WriteByte('"')
				continue
			}
			if c == '"' {
				quote = c
			}
			b.WriteByte(c)
		case c == '\\' && i+1 < len(raw):
			i++
			if quote == '\'' && raw[i] == '\'' {
				b.WriteByte('\'')
				continue
			}
			b.WriteByte(c)
			b.WriteByte(raw[i])
		case c == quote:
			quote = 0
			b.WriteByte('"')
		case c == '"' && quote == '\'':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeObject(data []byte, unmarshal func([]byte, any) error) (map[string]any, bool) {
	var obj map[string]any
	if err := unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Repair fixes argument objects where every field after the first was folded,
// escaped, into the first field's string value, e.g.
//
//	{"description": "A\", \"instruction\": \"B\", \"timeout\": 60000"}
//
// A field is treated as folded when a required field is missing and the field's
// string value contains `", "<missing>":`. The repair is accepted only when all
// previously missing required fields are present afterwards; otherwise the
// input map is returned unchanged. The bool reports whether a repair was applied.
func Repair(parsed map[string]any, required []string) (map[string]any, bool) {
	missing := missingFields(parsed, required)
	if len(missing) == 0 {
		return parsed, false
	}

	for key, value := range parsed {
		str, ok := value.(string)
		if !ok || !foldsAny(str, missing) {
			continue
		}
		inner, ok := reparse(key, str)
		if !ok {
			continue
		}
		repaired := make(map[string]any, len(parsed)+len(inner))
		for k, v := range parsed {
			if k != key {
				repaired[k] = v
			}
		}
		for k, v := range inner {
			repaired[k] = v
		}
		if len(missingFields(repaired, required)) == 0 {
			return repaired, true
		}
	}
	return parsed, false
}

func missingFields(obj map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := obj[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func foldsAny(value string, missing []string) bool {
	for _, name := range missing {
		if strings.Contains(value, fmt.Sprintf(`", "%s":`, name)) {
			return true
		}
	}
	return false
}

// reparse rebuilds an object whose first field is key and whose remaining
// text is the folded value.
func reparse(key, folded string) (map[string]any, bool) {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return nil, false
	}
	body := strings.TrimRight(folded, " \n\t")
	candidate := "{" + string(keyJSON) + `: "` + body
	if !strings.HasSuffix(body, "}") {
		candidate += "}"
	}
	if obj, ok := decodeObject([]byte(candidate), json.Unmarshal); ok {
		return obj, true
	}
	if obj, ok := decodeObject([]byte(candidate), json5.Unmarshal); ok {
		return obj, true
	}
	return nil, false
}

// Lookup resolves a dot-separated path inside an argument object.
func Lookup(args map[string]any, path string) (any, bool) {
	if args == nil {
		return nil, false
	}
	if v, ok := args[path]; ok {
		return v, true
	}
	var current any = args
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString resolves a path and renders scalar values as strings.
func LookupString(args map[string]any, path string) (string, bool) {
	v, ok := Lookup(args, path)
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool, float64, int, int64, json.Number:
		return fmt.Sprint(val), true
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
