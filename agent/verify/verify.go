// Package verify implements the VERIFY stage: structural checks over
// the generated tree and artifacts, an optional live health probe, and
// a verification.md report. The report is written even when checks
// fail so a reviewer can inspect exactly what the run produced.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/frontend"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/naming"
	"github.com/c360studio/migrator/workspace"
)

// ReportArtifact is the verification report this stage writes.
const ReportArtifact = "verification.md"

// Options configures the optional live probe. Structural checks always
// run; the probe only fires when HealthProbe is set.
type Options struct {
	HealthProbe   bool
	HealthURL     string
	HealthTimeout time.Duration
}

// Agent verifies the generated tree against what the earlier stages
// were supposed to produce.
type Agent struct {
	opts   Options
	logger *slog.Logger
}

// New creates the verify agent.
func New(opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{opts: opts, logger: logger.With("agent", "verify")}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageVerify
}

// check is one report row. Fatal marks a missing required artifact,
// which no retry will bring back.
type check struct {
	name   string
	status string // pass, fail or skip
	detail string
	fatal  bool
}

func pass(name, detail string) check { return check{name: name, status: "pass", detail: detail} }
func fail(name, detail string) check { return check{name: name, status: "fail", detail: detail} }

// Run evaluates every check before deciding the outcome, writes the
// report either way, and classifies the failure: missing artifacts are
// fatal, everything else gets a bounded retry.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	raw, err := ws.ReadArtifact(intake.ArtifactName)
	if err != nil {
		return agent.Fatal("load %s: %v", intake.ArtifactName, err)
	}
	var contract intake.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return agent.Fatal("parse %s: %v", intake.ArtifactName, err)
	}
	raw, err = ws.ReadArtifact(modeler.PlanArtifact)
	if err != nil {
		return agent.Fatal("load %s: %v", modeler.PlanArtifact, err)
	}
	var plan modeler.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return agent.Fatal("parse %s: %v", modeler.PlanArtifact, err)
	}

	var checks []check
	checks = append(checks, a.artifactChecks(ws, &plan)...)
	checks = append(checks, a.treeChecks(ws, job, &plan)...)
	checks = append(checks, a.frontendChecks(ws)...)
	payloads, payloadChecks := a.payloadChecks(&contract, &plan)
	checks = append(checks, payloadChecks...)
	checks = append(checks, a.probe(ctx))

	report := renderReport(job, &plan, checks, payloads)
	if err := ws.WriteArtifact(ReportArtifact, []byte(report)); err != nil {
		return agent.Retryable("write %s: %v", ReportArtifact, err)
	}

	var fatals, failures []string
	for _, c := range checks {
		if c.status != "fail" {
			continue
		}
		if c.fatal {
			fatals = append(fatals, c.name)
		} else {
			failures = append(failures, c.name)
		}
	}
	if len(fatals) > 0 {
		return agent.Fatal("required artifacts missing: %s", strings.Join(fatals, ", "))
	}
	if len(failures) > 0 {
		return agent.Retryable("verification failed %d of %d checks (first: %s)",
			len(failures), len(checks), failures[0])
	}

	return agent.Success("verified generated tree: %d checks passed", len(checks)).
		WithArtifacts(map[string]string{"verification": ReportArtifact})
}

// artifactChecks covers the workspace artifacts later consumers depend
// on: the API document always, the schema files per storage mode.
func (a *Agent) artifactChecks(ws *workspace.Workspace, plan *modeler.Plan) []check {
	required := []string{"openapi.yaml"}
	if plan.HasStore(modeler.StorePostgres) {
		required = append(required, modeler.SQLArtifact)
	}
	if plan.HasStore(modeler.StoreMongo) {
		required = append(required, modeler.MongoSchemasArtifact, modeler.MongoDocArtifact)
	}

	checks := make([]check, 0, len(required))
	for _, name := range required {
		c := check{name: "artifact " + name, fatal: true}
		if ws.HasArtifact(name) {
			c.status = "pass"
		} else {
			c.status = "fail"
			c.detail = "not written"
		}
		checks = append(checks, c)
	}
	return checks
}

// treeChecks verifies the backend tree: the static skeleton for the
// chosen stack plus the per-entity model and route files.
func (a *Agent) treeChecks(ws *workspace.Workspace, job *model.Job, plan *modeler.Plan) []check {
	var required []string
	switch job.BackendStack {
	case model.BackendNode:
		required = []string{
			"server.js", "worker.js",
			"routes/health.js",
			"db/postgres.js", "db/mongo.js",
			"package.json", "Dockerfile",
			"docker-compose.yml", "docker-compose.override.yml",
			"README.md",
		}
		for _, e := range plan.Entities {
			required = append(required, "routes/"+naming.Snake(e.Name)+".js")
		}
	default:
		required = []string{
			"app/main.py", "app/worker.py",
			"app/api/health.py", "app/core/config.py",
			"app/db/postgres.py", "app/db/mongo.py",
			"app/repos/base.py", "app/repos/postgres_repo.py", "app/repos/mongo_repo.py",
			"requirements.txt", "Dockerfile",
			"docker-compose.yml", "docker-compose.override.yml",
			"README.md",
		}
		for _, e := range plan.Entities {
			snake := naming.Snake(e.Name)
			required = append(required, "app/models/"+snake+".py", "app/api/"+snake+".py")
		}
	}

	checks := make([]check, 0, len(required))
	for _, rel := range required {
		checks = append(checks, statCheck(ws.BackendDir(), "backend", rel))
	}
	return checks
}

func (a *Agent) frontendChecks(ws *workspace.Workspace) []check {
	return []check{
		statCheck(ws.FrontendDir(), "frontend", frontend.ClientFile),
		statCheck(ws.FrontendDir(), "frontend", frontend.EnvFile),
	}
}

func statCheck(root, label, rel string) check {
	name := label + " " + rel
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fail(name, "missing")
	}
	if info.Size() == 0 {
		return fail(name, "empty file")
	}
	return pass(name, "")
}

// payloadChecks proves every planned entity still has a contract entry
// a smoke payload can be derived from, and collects the payloads for
// the report.
func (a *Agent) payloadChecks(contract *intake.Contract, plan *modeler.Plan) (map[string]map[string]any, []check) {
	byName := make(map[string]intake.Entity, len(contract.Entities))
	for _, e := range contract.Entities {
		byName[e.Name] = e
	}

	payloads := make(map[string]map[string]any, len(plan.Entities))
	checks := make([]check, 0, len(plan.Entities))
	for _, entry := range plan.Entities {
		name := "smoke payload " + entry.Name
		e, ok := byName[entry.Name]
		if !ok {
			checks = append(checks, fail(name, "entity missing from ui contract"))
			continue
		}
		payload := frontend.SmokePayload(e)
		payloads[entry.Name] = payload
		checks = append(checks, pass(name, fmt.Sprintf("%d required fields", len(payload))))
	}
	return payloads, checks
}

// probe polls the configured health endpoint until it answers 200 or
// the bounded wait runs out.
func (a *Agent) probe(ctx context.Context) check {
	const name = "health probe"
	if !a.opts.HealthProbe || a.opts.HealthURL == "" {
		return check{name: name, status: "skip", detail: "disabled"}
	}

	timeout := a.opts.HealthTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 5 * time.Second}

	var last string
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.HealthURL, nil)
		if err != nil {
			return fail(name, err.Error())
		}
		resp, err := client.Do(req)
		if err != nil {
			last = err.Error()
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return pass(name, a.opts.HealthURL)
			}
			last = fmt.Sprintf("status %d", resp.StatusCode)
		}

		if time.Now().After(deadline) {
			return fail(name, fmt.Sprintf("no healthy response within %s (%s)", timeout, last))
		}
		select {
		case <-ctx.Done():
			return fail(name, "cancelled: "+last)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func renderReport(job *model.Job, plan *modeler.Plan, checks []check, payloads map[string]map[string]any) string {
	var b strings.Builder
	b.WriteString("# Verification report\n\n")
	fmt.Fprintf(&b, "Job `%s`, %s backend, %s storage.\n\n", job.ID, job.BackendStack, plan.Mode)

	failed := 0
	for _, c := range checks {
		if c.status == "fail" {
			failed++
		}
	}
	if failed == 0 {
		fmt.Fprintf(&b, "All %d checks passed.\n\n", len(checks))
	} else {
		fmt.Fprintf(&b, "%d of %d checks failed. Generated files are retained for\ninspection.\n\n", failed, len(checks))
	}

	b.WriteString("## Checks\n\n")
	b.WriteString("| Check | Result | Detail |\n|---|---|---|\n")
	for _, c := range checks {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", c.name, c.status, c.detail)
	}

	if len(payloads) > 0 {
		b.WriteString("\n## Smoke payloads\n\n")
		b.WriteString("Minimal POST bodies for each create route, derived from the\ncontract's required fields.\n")
		for _, entry := range plan.Entities {
			payload, ok := payloads[entry.Name]
			if !ok {
				continue
			}
			data, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "\n### %s\n\n```json\n%s\n```\n", entry.Name, data)
		}
	}
	return b.String()
}
