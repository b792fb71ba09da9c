package toolargs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the outcome of ParseAndRepair.
type Result struct {
	Args     map[string]any
	Repaired bool
	// Invalid is set when the final arguments fail schema validation.
	Invalid error
}

// ParseAndRepair parses raw arguments and repairs folded fields using the
// required list of the API parameter schema. A repair that leaves the object
// invalid against the schema is discarded in favor of the original parse.
func ParseAndRepair(raw string, schema json.RawMessage) Result {
	parsed := Parse(raw)
	required := RequiredFields(schema)
	repaired, ok := Repair(parsed, required)
	if !ok {
		return Result{Args: parsed, Invalid: Validate(schema, parsed)}
	}
	if err := Validate(schema, repaired); err != nil {
		return Result{Args: parsed, Invalid: Validate(schema, parsed)}
	}
	return Result{Args: repaired, Repaired: true}
}

// RequiredFields returns the top-level "required" list of an object schema.
func RequiredFields(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	return s.Required
}

// Validate checks args against a JSON schema. An empty schema accepts anything.
func Validate(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile argument schema: %w", err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*validator.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*validator.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := validator.CompileString("arguments.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// SchemaFor reflects a Go argument struct into an inline JSON schema.
func SchemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// CheckSchema reports whether schema compiles as a JSON schema.
func CheckSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := compileSchema(schema)
	return err
}
