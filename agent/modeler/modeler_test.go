package modeler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/llm"
	"github.com/c360studio/migrator/llm/testutil"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

func newTestJob(db model.DBStack) *model.Job {
	return model.NewJob(
		"https://github.com/acme/shop-ui",
		"https://github.com/acme/shop-backend",
		model.BackendPython, db, model.CommitPR,
	)
}

func newWorkspace(t *testing.T, jobID string) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(jobID)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func writeContract(t *testing.T, ws *workspace.Workspace, entities ...intake.Entity) {
	t.Helper()
	data, err := json.Marshal(intake.Contract{Entities: entities})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteArtifact(intake.ArtifactName, data); err != nil {
		t.Fatal(err)
	}
}

func entity(name string, fields ...intake.Field) intake.Entity {
	return intake.Entity{Name: name, SourcePath: "entities/" + name + ".json", Fields: fields}
}

func readPlan(t *testing.T, ws *workspace.Workspace) *Plan {
	t.Helper()
	raw, err := ws.ReadArtifact(PlanArtifact)
	if err != nil {
		t.Fatal(err)
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		t.Fatal(err)
	}
	return &plan
}

func entryFor(t *testing.T, plan *Plan, name string) Entry {
	t.Helper()
	for _, e := range plan.Entities {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("no plan entry for %s", name)
	return Entry{}
}

func TestStage(t *testing.T) {
	if New(nil, nil).Stage() != model.StageDesignDBSchema {
		t.Error("modeler should handle DESIGN_DB_SCHEMA")
	}
}

func TestRunMissingContract(t *testing.T) {
	job := newTestJob(model.DBPostgres)
	ws := newWorkspace(t, job.ID)

	res := New(nil, nil).Run(context.Background(), job, ws)
	if res.OK || res.Kind != agent.FailureFatal {
		t.Fatalf("missing contract should be fatal, got %+v", res)
	}
}

func TestRunMalformedContract(t *testing.T) {
	job := newTestJob(model.DBPostgres)
	ws := newWorkspace(t, job.ID)
	if err := ws.WriteArtifact(intake.ArtifactName, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	res := New(nil, nil).Run(context.Background(), job, ws)
	if res.OK || res.Kind != agent.FailureFatal {
		t.Fatalf("malformed contract should be fatal, got %+v", res)
	}
}

func TestPostgresMode(t *testing.T) {
	job := newTestJob(model.DBPostgres)
	ws := newWorkspace(t, job.ID)
	writeContract(t, ws,
		entity("Recipe",
			intake.Field{Name: "id", Type: "string", Required: true},
			intake.Field{Name: "title", Type: "string", Required: true},
			intake.Field{Name: "servings", Type: "number"},
			intake.Field{Name: "vegan", Type: "boolean", Required: true},
			intake.Field{Name: "publishedAt", Type: "datetime"},
			intake.Field{Name: "tags", Type: "array", Items: "string"},
		),
	)

	res := New(nil, nil).Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Message)
	}

	plan := readPlan(t, ws)
	if plan.Mode != model.DBPostgres {
		t.Errorf("mode = %q, want postgres", plan.Mode)
	}
	if plan.Strategy != "" {
		t.Errorf("strategy should be empty outside hybrid mode, got %q", plan.Strategy)
	}
	if got := entryFor(t, plan, "Recipe").Store; got != StorePostgres {
		t.Errorf("store = %q, want postgres", got)
	}

	ddl, err := ws.ReadArtifact(SQLArtifact)
	if err != nil {
		t.Fatalf("db-schema.sql missing: %v", err)
	}
	sql := string(ddl)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS recipes (",
		"id TEXT PRIMARY KEY",
		"title TEXT NOT NULL",
		"servings NUMERIC",
		"vegan BOOLEAN NOT NULL",
		"published_at TIMESTAMPTZ",
		"tags JSONB",
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("DDL missing %q:\n%s", want, sql)
		}
	}
	if strings.Count(sql, "id TEXT PRIMARY KEY") != 1 {
		t.Error("contract id field should not duplicate the primary key column")
	}

	t.Run("user-supplied created_at drops the database default", func(t *testing.T) {
		job := newTestJob(model.DBPostgres)
		ws := newWorkspace(t, job.ID)
		writeContract(t, ws,
			entity("Event",
				intake.Field{Name: "createdAt", Type: "datetime", Required: true},
				intake.Field{Name: "label", Type: "string"},
			),
		)
		res := New(nil, nil).Run(context.Background(), job, ws)
		if !res.OK {
			t.Fatalf("run failed: %s", res.Message)
		}
		raw, err := ws.ReadArtifact(SQLArtifact)
		if err != nil {
			t.Fatal(err)
		}
		got := string(raw)
		if !strings.Contains(got, "created_at TIMESTAMPTZ NOT NULL,") {
			t.Errorf("created_at should lose its default:\n%s", got)
		}
		if !strings.Contains(got, "updated_at TIMESTAMPTZ NOT NULL DEFAULT now()") {
			t.Errorf("updated_at should keep its default:\n%s", got)
		}
	})

	if ws.HasArtifact(MongoSchemasArtifact) || ws.HasArtifact(MongoDocArtifact) {
		t.Error("postgres mode should not write mongo artifacts")
	}
	if !ws.HasArtifact(SchemaDocArtifact) {
		t.Error("db-schema.md should always be written")
	}
	if res.Artifacts["storage_plan"] != PlanArtifact {
		t.Errorf("artifacts = %v, want storage_plan entry", res.Artifacts)
	}
}

func TestMongoMode(t *testing.T) {
	job := newTestJob(model.DBMongo)
	ws := newWorkspace(t, job.ID)
	writeContract(t, ws,
		entity("Recipe",
			intake.Field{Name: "id", Type: "string", Required: true},
			intake.Field{Name: "title", Type: "string", Required: true},
			intake.Field{Name: "rating", Type: "number", Nullable: true, Required: true},
		),
	)

	res := New(nil, nil).Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Message)
	}
	if ws.HasArtifact(SQLArtifact) {
		t.Error("mongo mode should not write DDL")
	}

	raw, err := ws.ReadArtifact(MongoSchemasArtifact)
	if err != nil {
		t.Fatalf("mongo-schemas.json missing: %v", err)
	}
	var schemas map[string]struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(raw, &schemas); err != nil {
		t.Fatal(err)
	}

	schema, ok := schemas["recipes"]
	if !ok {
		t.Fatalf("schema keyed by plural collection name missing, got keys %v", keys(schemas))
	}
	if schema.Properties["_id"]["type"] != "string" {
		t.Errorf("_id property = %v, want string", schema.Properties["_id"])
	}
	if _, ok := schema.Properties["id"]; ok {
		t.Error("id should be replaced by _id, not kept alongside it")
	}
	required := strings.Join(schema.Required, ",")
	if !strings.Contains(required, "_id") || !strings.Contains(required, "title") {
		t.Errorf("required = %v, want _id and title", schema.Required)
	}
	if strings.Contains(required, "rating") {
		t.Error("nullable fields should not be required")
	}

	if !ws.HasArtifact(MongoDocArtifact) {
		t.Error("mongo-collections.md should be written")
	}
}

func TestHybridDocToMongo(t *testing.T) {
	job := newTestJob(model.DBHybrid)
	ws := newWorkspace(t, job.ID)
	writeContract(t, ws,
		entity("User",
			intake.Field{Name: "email", Type: "string", Required: true},
		),
		entity("Profile",
			intake.Field{Name: "settings", Type: "object", AdditionalProps: true},
		),
		entity("Recipe",
			intake.Field{Name: "ingredients", Type: "array", Items: "object"},
		),
	)

	res := New(nil, nil).Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Message)
	}

	plan := readPlan(t, ws)
	if plan.Mode != model.DBHybrid || plan.Strategy != model.StrategyDocToMongo {
		t.Fatalf("plan header = %q/%q, want hybrid/docToMongo", plan.Mode, plan.Strategy)
	}

	t.Run("uniform fields stay relational", func(t *testing.T) {
		e := entryFor(t, plan, "User")
		if e.Store != StorePostgres {
			t.Errorf("store = %q, want postgres", e.Store)
		}
	})
	t.Run("additionalProperties map routes to mongo", func(t *testing.T) {
		e := entryFor(t, plan, "Profile")
		if e.Store != StoreMongo {
			t.Errorf("store = %q, want mongo", e.Store)
		}
		reason := strings.ToLower(e.Reason)
		if !strings.Contains(reason, "additionalproperties") || !strings.Contains(reason, "map") {
			t.Errorf("reason %q should name the additionalProperties map", e.Reason)
		}
	})
	t.Run("array of objects routes to mongo", func(t *testing.T) {
		e := entryFor(t, plan, "Recipe")
		if e.Store != StoreMongo {
			t.Errorf("store = %q, want mongo", e.Store)
		}
		if !strings.Contains(strings.ToLower(e.Reason), "array of objects") {
			t.Errorf("reason %q should name the array of objects", e.Reason)
		}
	})

	if !ws.HasArtifact(SQLArtifact) || !ws.HasArtifact(MongoSchemasArtifact) {
		t.Error("hybrid plan with both stores should write DDL and mongo schemas")
	}
}

func TestHybridPostgresJSONBFirst(t *testing.T) {
	job := newTestJob(model.DBHybrid)
	job.DBPreferences.HybridStrategy = model.StrategyPostgresJSONBFirst
	ws := newWorkspace(t, job.ID)
	writeContract(t, ws,
		entity("Profile",
			intake.Field{Name: "settings", Type: "object", AdditionalProps: true},
		),
		entity("Recipe",
			intake.Field{Name: "ingredients", Type: "array", Items: "object"},
		),
	)

	res := New(nil, nil).Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Message)
	}
	plan := readPlan(t, ws)

	t.Run("simple map stays relational as jsonb", func(t *testing.T) {
		e := entryFor(t, plan, "Profile")
		if e.Store != StorePostgres {
			t.Errorf("store = %q, want postgres", e.Store)
		}
		if !strings.Contains(strings.ToLower(e.Reason), "jsonb") {
			t.Errorf("reason %q should mention jsonb", e.Reason)
		}
	})
	t.Run("array of objects still routes to mongo", func(t *testing.T) {
		e := entryFor(t, plan, "Recipe")
		if e.Store != StoreMongo {
			t.Errorf("store = %q, want mongo", e.Store)
		}
	})

	ddl, err := ws.ReadArtifact(SQLArtifact)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ddl), "settings JSONB") {
		t.Errorf("map field should render as a jsonb column:\n%s", ddl)
	}
}

func TestHybridOverrides(t *testing.T) {
	t.Run("overrides beat shape heuristics", func(t *testing.T) {
		job := newTestJob(model.DBHybrid)
		job.DBPreferences.MongoEntities = []string{"User"}
		job.DBPreferences.PostgresEntities = []string{"Recipe"}
		ws := newWorkspace(t, job.ID)
		writeContract(t, ws,
			entity("User", intake.Field{Name: "email", Type: "string"}),
			entity("Recipe", intake.Field{Name: "ingredients", Type: "array", Items: "object"}),
		)

		res := New(nil, nil).Run(context.Background(), job, ws)
		if !res.OK {
			t.Fatalf("run failed: %s", res.Message)
		}
		plan := readPlan(t, ws)

		user := entryFor(t, plan, "User")
		if user.Store != StoreMongo || !strings.Contains(user.Reason, "explicit override") {
			t.Errorf("User = %+v, want overridden to mongo", user)
		}
		recipe := entryFor(t, plan, "Recipe")
		if recipe.Store != StorePostgres || !strings.Contains(recipe.Reason, "explicit override") {
			t.Errorf("Recipe = %+v, want overridden to postgres", recipe)
		}
	})

	t.Run("entity in both lists is fatal", func(t *testing.T) {
		job := newTestJob(model.DBHybrid)
		job.DBPreferences.MongoEntities = []string{"User"}
		job.DBPreferences.PostgresEntities = []string{"User"}
		ws := newWorkspace(t, job.ID)
		writeContract(t, ws, entity("User", intake.Field{Name: "email", Type: "string"}))

		res := New(nil, nil).Run(context.Background(), job, ws)
		if res.OK || res.Kind != agent.FailureFatal {
			t.Fatalf("conflicting overrides should be fatal, got %+v", res)
		}
		if !strings.Contains(res.Message, "User") {
			t.Errorf("message %q should name the conflicting entity", res.Message)
		}
	})
}

func TestSchemaDocNotes(t *testing.T) {
	run := func(t *testing.T, completer llm.Completer) string {
		t.Helper()
		job := newTestJob(model.DBPostgres)
		ws := newWorkspace(t, job.ID)
		writeContract(t, ws, entity("User", intake.Field{Name: "email", Type: "string", Required: true}))

		res := New(completer, nil).Run(context.Background(), job, ws)
		if !res.OK {
			t.Fatalf("run failed: %s", res.Message)
		}
		doc, err := ws.ReadArtifact(SchemaDocArtifact)
		if err != nil {
			t.Fatal(err)
		}
		return string(doc)
	}

	t.Run("completer prose is embedded", func(t *testing.T) {
		doc := run(t, &testutil.MockLLMClient{Responses: []*llm.Response{
			{Content: "Consider an index on users.email.", Model: "test-model"},
		}})
		if !strings.Contains(doc, "Consider an index on users.email.") {
			t.Errorf("doc should carry completer notes:\n%s", doc)
		}
	})
	t.Run("completer failure falls back to deterministic notes", func(t *testing.T) {
		doc := run(t, &testutil.MockLLMClient{Err: errors.New("endpoint down")})
		if !strings.Contains(doc, "routed deterministically") {
			t.Errorf("doc should carry fallback notes:\n%s", doc)
		}
		if !strings.Contains(doc, "| User | postgres |") {
			t.Errorf("doc should carry the routing table:\n%s", doc)
		}
	})
	t.Run("nil completer uses deterministic notes", func(t *testing.T) {
		doc := run(t, nil)
		if !strings.Contains(doc, "routed deterministically") {
			t.Errorf("doc should carry fallback notes:\n%s", doc)
		}
	})
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
