// Package apidesign implements the DESIGN_API stage. It turns the ui
// contract and the storage plan into an OpenAPI 3.0.3 document: a
// health endpoint plus create/list/get/patch/delete per entity, with
// request bodies stripped of server-managed fields.
package apidesign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
	"github.com/c360studio/migrator/llm"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

// ArtifactName is the OpenAPI document this stage writes.
const ArtifactName = "openapi.yaml"

// Agent designs the backend API surface from the upstream artifacts.
type Agent struct {
	llm    llm.Completer // optional; nil uses the deterministic description
	logger *slog.Logger
}

// New creates the apidesign agent. completer may be nil.
func New(completer llm.Completer, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{llm: completer, logger: logger.With("agent", "apidesign")}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageDesignAPI
}

// Run writes openapi.yaml. Missing upstream artifacts are fatal, as is
// a contract with nothing to design from: neither reappears on retry.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	var contract intake.Contract
	if res, ok := loadJSON(ws, intake.ArtifactName, &contract); !ok {
		return res
	}
	var plan modeler.Plan
	if res, ok := loadJSON(ws, modeler.PlanArtifact, &plan); !ok {
		return res
	}

	if len(contract.Entities) == 0 && len(contract.EndpointsUsed) == 0 {
		return agent.Fatal("cannot design an API: the ui contract's entities and endpointsUsed are both empty")
	}

	doc := buildDocument(&contract, &plan, a.description(ctx, &contract, &plan))
	data, err := yaml.Marshal(doc)
	if err != nil {
		return agent.Fatal("encode %s: %v", ArtifactName, err)
	}
	if err := ws.WriteArtifact(ArtifactName, data); err != nil {
		return agent.Retryable("write %s: %v", ArtifactName, err)
	}

	return agent.Success("designed API surface: %d paths for %s", len(doc.Paths), describeSurface(&plan)).
		WithArtifacts(map[string]string{"openapi": ArtifactName})
}

// loadJSON reads and decodes a required upstream artifact. The failing
// result is fatal either way: a missing artifact will not reappear on
// retry, and a malformed one will not fix itself.
func loadJSON(ws *workspace.Workspace, name string, v any) (agent.Result, bool) {
	raw, err := ws.ReadArtifact(name)
	if err != nil {
		return agent.Fatal("load %s: %v", name, err), false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return agent.Fatal("parse %s: %v", name, err), false
	}
	return agent.Result{}, true
}

// description produces info.description: LLM prose when available,
// otherwise a deterministic one-liner.
func (a *Agent) description(ctx context.Context, contract *intake.Contract, plan *modeler.Plan) string {
	fallback := fmt.Sprintf("CRUD API generated from the source UI contract (%s).", describeSurface(plan))
	if a.llm == nil {
		return fallback
	}

	var entityNames []string
	for _, e := range plan.Entities {
		entityNames = append(entityNames, fmt.Sprintf("%s (%s)", e.Name, e.Store))
	}
	temp := 0.2
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Write a one-paragraph description for a generated CRUD API. " +
				"Mention what the API manages and where the data lives. Plain prose, no markdown."},
			{Role: "user", Content: fmt.Sprintf("Frontend framework: %s. Entities: %s.",
				contract.Framework.Name, strings.Join(entityNames, ", "))},
		},
		Temperature: &temp,
		MaxTokens:   300,
	})
	if err != nil {
		a.logger.Warn("api description enrichment failed, using deterministic text", "error", err)
		return fallback
	}
	if content := strings.TrimSpace(resp.Content); content != "" {
		return content
	}
	return fallback
}
