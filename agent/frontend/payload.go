package frontend

import (
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
)

// SmokePayload builds the minimal POST body that satisfies an entity's
// create model: every required field the backend does not own itself,
// filled with a type-appropriate probe value. The verifier uses these
// to prove each create route is exercisable.
func SmokePayload(e intake.Entity) map[string]any {
	payload := map[string]any{}
	for _, f := range e.Fields {
		if !f.Required || modeler.IsServerManaged(f.Name) {
			continue
		}
		payload[f.Name] = probeValue(f.Type)
	}
	return payload
}

func probeValue(fieldType string) any {
	switch fieldType {
	case "number", "integer":
		return 1
	case "boolean":
		return true
	case "datetime", "date":
		return "2026-01-01T00:00:00Z"
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return "test"
	}
}
