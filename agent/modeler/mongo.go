package modeler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/naming"
)

// Artifacts written for mongo-routed entities.
const (
	MongoSchemasArtifact = "mongo-schemas.json"
	MongoDocArtifact     = "mongo-collections.md"
)

// renderMongoSchemas builds validator-style JSON schemas keyed by
// collection name. The contract's id field becomes _id; the two are
// never both present.
func renderMongoSchemas(entities []intake.Entity, plan *Plan) ([]byte, error) {
	byName := make(map[string]intake.Entity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}

	schemas := make(map[string]map[string]any)
	for _, entry := range plan.ForStore(StoreMongo) {
		entity, ok := byName[entry.Name]
		if !ok {
			continue
		}
		schemas[naming.Collection(entity.Name)] = collectionSchema(entity)
	}
	return json.MarshalIndent(schemas, "", "  ")
}

func collectionSchema(entity intake.Entity) map[string]any {
	properties := map[string]any{
		"_id": map[string]any{"type": "string"},
	}
	required := []string{"_id"}
	for _, f := range entity.Fields {
		if f.Name == "id" || IsServerManaged(f.Name) {
			continue
		}
		properties[f.Name] = propertySchema(f)
		if f.Required && !f.Nullable {
			required = append(required, f.Name)
		}
	}
	properties["createdAt"] = map[string]any{"type": "string", "format": "date-time"}
	properties["updatedAt"] = map[string]any{"type": "string", "format": "date-time"}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// propertySchema maps one contract field to a JSON-schema fragment.
func propertySchema(f intake.Field) map[string]any {
	if f.AdditionalProps {
		return map[string]any{"type": "object", "additionalProperties": true}
	}
	switch f.Type {
	case "string":
		return map[string]any{"type": "string"}
	case "number", "integer":
		return map[string]any{"type": "number"}
	case "boolean":
		return map[string]any{"type": "boolean"}
	case "datetime", "date":
		return map[string]any{"type": "string", "format": "date-time"}
	case "array":
		schema := map[string]any{"type": "array"}
		if f.Items != "" {
			schema["items"] = propertySchema(intake.Field{Type: f.Items})
		}
		return schema
	case "object":
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "string"}
	}
}

// renderMongoDoc writes the human-readable companion to
// mongo-schemas.json: one section per collection with its field table
// and the routing reason.
func renderMongoDoc(entities []intake.Entity, plan *Plan) string {
	byName := make(map[string]intake.Entity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}

	mongo := plan.ForStore(StoreMongo)
	var b strings.Builder
	b.WriteString("# Document collections\n\n")
	fmt.Fprintf(&b, "%d collection(s) routed to MongoDB. Validator schemas live in %s.\n",
		len(mongo), MongoSchemasArtifact)
	for _, entry := range mongo {
		entity, ok := byName[entry.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", naming.Collection(entity.Name))
		fmt.Fprintf(&b, "Source entity: %s", entity.Name)
		if entity.SourcePath != "" {
			fmt.Fprintf(&b, " (`%s`)", entity.SourcePath)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Routing: %s\n\n", entry.Reason)
		b.WriteString("| Field | Type | Required |\n")
		b.WriteString("|-------|------|----------|\n")
		b.WriteString("| _id | string | yes |\n")
		for _, f := range entity.Fields {
			if f.Name == "id" || IsServerManaged(f.Name) {
				continue
			}
			b.WriteString(fieldRow(f))
		}
	}
	return b.String()
}

func fieldRow(f intake.Field) string {
	typ := f.Type
	if f.AdditionalProps {
		typ = "object (additionalProperties)"
	} else if f.Type == "array" && f.Items != "" {
		typ = "array of " + f.Items
	}
	required := "no"
	if f.Required && !f.Nullable {
		required = "yes"
	}
	return fmt.Sprintf("| %s | %s | %s |\n", f.Name, typ, required)
}
