package todo

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// rawTodoSchema validates mutation payloads arriving from the message queue
// before they are deserialized. A payload that fails here is malformed input,
// not a transient failure, and goes straight to dead-letter.
const rawTodoSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "content"],
  "properties": {
    "id": {"type": "string"},
    "session_id": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "status": {"enum": ["", "pending", "in_progress", "completed", "blocked"]},
    "version": {"type": "integer", "minimum": 0},
    "origin_branch": {"type": "string"},
    "origin_commit": {"type": "string"},
    "external_ref": {"type": "string"}
  },
  "additionalProperties": false
}`

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

func compiledRawSchema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rawtodo.json", strings.NewReader(rawTodoSchema)); err != nil {
			compileSchemaError = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, compileSchemaError = compiler.Compile("rawtodo.json")
	})
	return compiledSchema, compileSchemaError
}

// ValidateRawPayload checks a single raw mutation payload against the
// RawTodo JSON schema.
func ValidateRawPayload(data []byte) error {
	schema, err := compiledRawSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload failed schema validation: %w", err)
	}

	return nil
}
