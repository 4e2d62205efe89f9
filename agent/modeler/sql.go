package modeler

import (
	"fmt"
	"strings"

	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/naming"
)

// SQLArtifact is the executable DDL file for postgres-routed entities.
const SQLArtifact = "db-schema.sql"

// serverManaged lists field names the generated backend owns. They are
// never taken from the contract: the DDL emits canonical id and
// timestamp columns, and create models drop them from request bodies.
var serverManaged = map[string]bool{
	"id":         true,
	"createdAt":  true,
	"created_at": true,
	"updatedAt":  true,
	"updated_at": true,
	"deletedAt":  true,
	"deleted_at": true,
}

// IsServerManaged reports whether a contract field name collides with
// a column the backend manages itself.
func IsServerManaged(name string) bool {
	return serverManaged[name]
}

// renderSQL emits CREATE TABLE statements for every postgres-routed
// entity: plural snake_case table names, a TEXT primary key and
// timestamptz bookkeeping columns with database-side defaults, so the
// file can be applied to an empty database as-is.
func renderSQL(entities []intake.Entity, plan *Plan) string {
	byName := make(map[string]intake.Entity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}

	var b strings.Builder
	b.WriteString("-- Relational schema generated from the source UI contract.\n")
	b.WriteString("-- Safe to re-run: every statement is IF NOT EXISTS.\n")
	for _, entry := range plan.ForStore(StorePostgres) {
		entity, ok := byName[entry.Name]
		if !ok {
			continue
		}
		b.WriteString("\n")
		b.WriteString(renderTable(entity))
	}
	return b.String()
}

func renderTable(entity intake.Entity) string {
	// A contract that models created_at itself supplies the value on
	// insert, so the database default is dropped for that column.
	// updated_at is always backend-owned and keeps its default.
	createdDefault := " DEFAULT now()"
	for _, f := range entity.Fields {
		if f.Name == "created_at" || f.Name == "createdAt" {
			createdDefault = ""
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", naming.Table(entity.Name))
	b.WriteString("    id TEXT PRIMARY KEY")
	for _, f := range entity.Fields {
		if IsServerManaged(f.Name) {
			continue
		}
		fmt.Fprintf(&b, ",\n    %s %s", naming.Snake(f.Name), columnType(f))
		if f.Required && !f.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	fmt.Fprintf(&b, ",\n    created_at TIMESTAMPTZ NOT NULL%s", createdDefault)
	b.WriteString(",\n    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()")
	b.WriteString("\n);\n")
	return b.String()
}

// columnType maps a contract field type to a postgres column type.
// Variable shapes land in jsonb; anything unrecognized degrades to
// TEXT rather than failing the stage.
func columnType(f intake.Field) string {
	if f.AdditionalProps {
		return "JSONB"
	}
	switch f.Type {
	case "string":
		return "TEXT"
	case "number", "integer":
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "datetime", "date":
		return "TIMESTAMPTZ"
	case "object", "array":
		return "JSONB"
	default:
		return "TEXT"
	}
}
