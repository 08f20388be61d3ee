package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// threadStateSchema constrains persisted payloads at the store boundary.
// Malformed rows fail fast at read/write time instead of propagating
// loosely-typed JSON into the engine.
const threadStateSchema = `{
  "type": "object",
  "required": ["conversation_id", "thread_id", "messages"],
  "properties": {
    "conversation_id": {"type": "string", "minLength": 1},
    "thread_id": {"type": "string", "minLength": 1},
    "streaming": {"type": "boolean"},
    "completed": {"type": "boolean"},
    "errored": {"type": "boolean"},
    "partial_response": {"type": "string"},
    "updated_at": {"type": "string"},
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role"],
        "properties": {
          "role": {"enum": ["system", "human", "assistant"]},
          "content": {"type": "string"},
          "tool_calls": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "id": {"type": "string"},
                "name": {"type": "string", "minLength": 1},
                "input": {}
              }
            }
          },
          "tool_results": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["tool_call_id"],
              "properties": {
                "tool_call_id": {"type": "string"},
                "content": {"type": "string"},
                "is_error": {"type": "boolean"}
              }
            }
          }
        }
      }
    },
    "checkpoint": {
      "type": "object",
      "required": ["thread_id"],
      "properties": {
        "thread_id": {"type": "string"},
        "message_id": {"type": "string"},
        "partial_content": {"type": "string"},
        "chunk_count": {"type": "integer", "minimum": 0},
        "completed": {"type": "boolean"},
        "errored": {"type": "boolean"},
        "partial_response": {"type": "string"},
        "updated_at": {"type": "string"}
      }
    }
  }
}`

type stateSchemaRegistry struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

var stateSchemas stateSchemaRegistry

func initStateSchema() error {
	stateSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("thread_state", threadStateSchema)
		if err != nil {
			stateSchemas.initErr = err
			return
		}
		stateSchemas.schema = compiled
	})
	return stateSchemas.initErr
}

// validatePayload checks a serialized thread state against the schema.
func validatePayload(raw []byte) error {
	if err := initStateSchema(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("thread state is not valid JSON: %w", err)
	}
	if err := stateSchemas.schema.Validate(payload); err != nil {
		return fmt.Errorf("thread state failed schema validation: %w", err)
	}
	return nil
}
