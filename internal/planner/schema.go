package planner

import (
	"encoding/json"
	"fmt"
	"sync"

	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// planSchema is the shape a model reply must satisfy before the
// structural validator even looks at it. It intentionally stays looser
// than plan.Validate: the schema rejects malformed documents cheaply,
// the validator owns the semantic rules.
const planSchema = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "goal": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["id", "tool"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-zA-Z0-9_-]{1,64}$"},
          "tool": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "timeout_seconds": {"type": "number", "minimum": 0},
          "max_retries": {"type": "integer", "minimum": 0, "maximum": 10}
        }
      }
    }
  }
}`

var (
	compileOnce  sync.Once
	compiledPlan *schemavalidate.Schema
	compileErr   error
)

// validatePlanDoc checks raw against planSchema.
func validatePlanDoc(raw json.RawMessage) error {
	compileOnce.Do(func() {
		compiledPlan, compileErr = schemavalidate.CompileString("plan.schema.json", planSchema)
	})
	if compileErr != nil {
		return fmt.Errorf("compile plan schema: %w", compileErr)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiledPlan.Validate(doc)
}
