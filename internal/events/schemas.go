package events

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const syncCompletedSchema = `{
  "type": "object",
  "title": "SyncCompleted",
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "success": {"type": "boolean"},
    "error": {"type": "string"},
    "metrics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "metric_type": {"enum": ["steps", "heart_rate", "active_calories", "distance", "sleep", "workout"]},
          "value": {"type": "number", "minimum": 0},
          "unit": {"type": "string"},
          "primary_source": {"type": "string"},
          "sample_count": {"type": "integer", "minimum": 0}
        },
        "required": ["metric_type", "value", "unit", "sample_count"],
        "additionalProperties": false
      }
    },
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "date", "success", "metrics", "occurred_at"],
  "additionalProperties": false
}`

const workoutImportedSchema = `{
  "type": "object",
  "title": "WorkoutImported",
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "exercise_id": {"type": "string", "minLength": 1},
    "workout_type": {"type": "string", "minLength": 1},
    "started_at": {"type": "string", "format": "date-time"},
    "duration_min": {"type": "integer", "minimum": 0},
    "calories": {"type": "integer", "minimum": 0},
    "source": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "exercise_id", "workout_type", "started_at", "duration_min", "calories", "source", "occurred_at"],
  "additionalProperties": false
}`

var schemaCatalog = map[string]string{
	TypeSyncCompleted:   syncCompletedSchema,
	TypeWorkoutImported: workoutImportedSchema,
}

const schemaBaseURL = "https://healthsync.example.com/schemas/"

// Validator checks payloads against the compiled event schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every schema in the catalog.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaCatalog))}
	for eventType, raw := range schemaCatalog {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", eventType, err)
		}
		url := schemaBaseURL + eventType + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", eventType, err)
		}
		v.schemas[eventType] = schema
	}
	return v, nil
}

// Validate returns an error if payload does not satisfy the schema of eventType.
func (v *Validator) Validate(eventType string, payload []byte) error {
	schema, ok := v.schemas[eventType]
	if !ok {
		return fmt.Errorf("no schema for event_type=%s", eventType)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return nil
}
