// Package modeler implements the DESIGN_DB_SCHEMA stage. It routes
// every entity from the ui contract to postgres or mongo, renders
// executable DDL and document schemas for whichever stores the plan
// uses, and always writes a human-readable schema summary.
package modeler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/llm"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/naming"
	"github.com/c360studio/migrator/workspace"
)

// SchemaDocArtifact is the always-written schema summary.
const SchemaDocArtifact = "db-schema.md"

// Agent routes contract entities to backing stores and writes the
// schema artifacts the generator stages build from.
type Agent struct {
	llm    llm.Completer // optional; nil skips prose enrichment
	logger *slog.Logger
}

// New creates the modeler agent. completer may be nil, in which case
// the schema summary carries deterministic notes only.
func New(completer llm.Completer, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{llm: completer, logger: logger.With("agent", "modeler")}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageDesignDBSchema
}

// Run builds the storage plan and schema artifacts. A missing or
// unreadable contract is fatal: nothing upstream will regenerate it on
// retry. Contradictory overrides are fatal for the same reason.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	raw, err := ws.ReadArtifact(intake.ArtifactName)
	if err != nil {
		return agent.Fatal("load %s: %v", intake.ArtifactName, err)
	}
	var contract intake.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return agent.Fatal("parse %s: %v", intake.ArtifactName, err)
	}

	plan, err := buildPlan(job, contract.Entities)
	if err != nil {
		return agent.Fatal("build storage plan: %v", err)
	}

	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return agent.Fatal("encode storage plan: %v", err)
	}
	if err := ws.WriteArtifact(PlanArtifact, planJSON); err != nil {
		return agent.Retryable("write %s: %v", PlanArtifact, err)
	}
	artifacts := map[string]string{"storage_plan": PlanArtifact}

	if plan.HasStore(StorePostgres) {
		ddl := renderSQL(contract.Entities, plan)
		if err := ws.WriteArtifact(SQLArtifact, []byte(ddl)); err != nil {
			return agent.Retryable("write %s: %v", SQLArtifact, err)
		}
		artifacts["db_schema_sql"] = SQLArtifact
	}

	if plan.HasStore(StoreMongo) {
		schemas, err := renderMongoSchemas(contract.Entities, plan)
		if err != nil {
			return agent.Fatal("encode mongo schemas: %v", err)
		}
		if err := ws.WriteArtifact(MongoSchemasArtifact, schemas); err != nil {
			return agent.Retryable("write %s: %v", MongoSchemasArtifact, err)
		}
		doc := renderMongoDoc(contract.Entities, plan)
		if err := ws.WriteArtifact(MongoDocArtifact, []byte(doc)); err != nil {
			return agent.Retryable("write %s: %v", MongoDocArtifact, err)
		}
		artifacts["mongo_schemas"] = MongoSchemasArtifact
		artifacts["mongo_collections_doc"] = MongoDocArtifact
	}

	summary := a.renderSummary(ctx, plan, contract.Entities)
	if err := ws.WriteArtifact(SchemaDocArtifact, []byte(summary)); err != nil {
		return agent.Retryable("write %s: %v", SchemaDocArtifact, err)
	}
	artifacts["db_schema_doc"] = SchemaDocArtifact

	pg := len(plan.ForStore(StorePostgres))
	mg := len(plan.ForStore(StoreMongo))
	return agent.Success("routed %d entities: %d postgres, %d mongo", len(plan.Entities), pg, mg).
		WithArtifacts(artifacts)
}

// renderSummary writes db-schema.md: the routing table, the resulting
// tables and collections, and design notes. Notes come from the LLM
// when a completer is configured and answering; otherwise a
// deterministic summary keeps the section present.
func (a *Agent) renderSummary(ctx context.Context, plan *Plan, entities []intake.Entity) string {
	var b strings.Builder
	b.WriteString("# Storage plan\n\n")
	fmt.Fprintf(&b, "Mode: %s", plan.Mode)
	if plan.Strategy != "" {
		fmt.Fprintf(&b, " (strategy %s)", plan.Strategy)
	}
	b.WriteString("\n\n")

	b.WriteString("| Entity | Store | Reason |\n")
	b.WriteString("|--------|-------|--------|\n")
	for _, e := range plan.Entities {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", e.Name, e.Store, e.Reason)
	}

	if pg := plan.ForStore(StorePostgres); len(pg) > 0 {
		fmt.Fprintf(&b, "\n## Postgres tables (%s)\n\n", SQLArtifact)
		for _, e := range pg {
			fmt.Fprintf(&b, "- `%s` from %s\n", naming.Table(e.Name), e.Name)
		}
	}
	if mg := plan.ForStore(StoreMongo); len(mg) > 0 {
		fmt.Fprintf(&b, "\n## Mongo collections (%s)\n\n", MongoSchemasArtifact)
		for _, e := range mg {
			fmt.Fprintf(&b, "- `%s` from %s\n", naming.Collection(e.Name), e.Name)
		}
	}

	b.WriteString("\n## Notes\n\n")
	b.WriteString(a.notes(ctx, plan, entities))
	b.WriteString("\n")
	return b.String()
}

func (a *Agent) notes(ctx context.Context, plan *Plan, entities []intake.Entity) string {
	fallback := fmt.Sprintf(
		"%d entities routed deterministically from field shapes; overrides and reasons are listed above. "+
			"Review the reasons column before applying the schema to an existing database.",
		len(plan.Entities))
	if a.llm == nil {
		return fallback
	}

	temp := 0.2
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are reviewing a storage routing plan for a generated backend. " +
				"Write two or three short paragraphs of schema design notes: tradeoffs of the chosen split, " +
				"indexing suggestions, and anything a reviewer should double-check. Plain prose, no headings."},
			{Role: "user", Content: describePlan(plan, entities)},
		},
		Temperature: &temp,
		MaxTokens:   600,
	})
	if err != nil {
		a.logger.Warn("schema notes enrichment failed, using deterministic notes", "error", err)
		return fallback
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return fallback
	}
	return content
}

// describePlan summarizes the plan for the enrichment prompt.
func describePlan(plan *Plan, entities []intake.Entity) string {
	fieldCount := make(map[string]int, len(entities))
	for _, e := range entities {
		fieldCount[e.Name] = len(e.Fields)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Mode %s", plan.Mode)
	if plan.Strategy != "" {
		fmt.Fprintf(&b, ", strategy %s", plan.Strategy)
	}
	b.WriteString(".\n")
	for _, e := range plan.Entities {
		fmt.Fprintf(&b, "- %s -> %s (%d fields): %s\n", e.Name, e.Store, fieldCount[e.Name], e.Reason)
	}
	return b.String()
}
