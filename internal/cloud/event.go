package cloud

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const changeEventSchemaURL = "relaynotes://schemas/change-event.json"

const changeEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["op", "note"],
  "properties": {
    "op": {"enum": ["insert", "update", "delete"]},
    "note": {
      "type": "object",
      "required": ["id", "ownerId"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "ownerId": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "content": {"type": "string"},
        "tags": {"type": ["array", "null"], "items": {"type": "string"}},
        "createdAt": {"type": "string"},
        "updatedAt": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(changeEventSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(changeEventSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeEvent validates payload against the change event schema and decodes it.
func DecodeEvent(payload []byte) (ChangeEvent, error) {
	schema, err := eventSchema()
	if err != nil {
		return ChangeEvent{}, notes.Wrap(err, "compile change event schema")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return ChangeEvent{}, notes.Wrap(notes.ErrInvalidInput, err.Error())
	}
	if err := schema.Validate(instance); err != nil {
		return ChangeEvent{}, notes.Wrap(notes.ErrInvalidInput, err.Error())
	}
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ChangeEvent{}, notes.Wrap(notes.ErrInvalidInput, err.Error())
	}
	event.Note = event.Note.Normalized()
	return event, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(event ChangeEvent) ([]byte, error) {
	return json.Marshal(event)
}
