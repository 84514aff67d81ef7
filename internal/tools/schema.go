package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// validateAgainst marshals value through JSON and validates it against
// the compiled schema. Compiled schemas are cached by their text.
func validateAgainst(name string, schema json.RawMessage, value any) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode %s params: %w", name, err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%s params invalid: %w", name, err)
	}
	return nil
}

func compileSchema(schema json.RawMessage) (*schemavalidate.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*schemavalidate.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := schemavalidate.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// reflectSchema derives a JSON schema from a params struct. Built-in
// tools declare their params as Go structs and let reflection keep the
// schema honest.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
