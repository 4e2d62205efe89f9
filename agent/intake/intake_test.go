package intake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestJob() *model.Job {
	return model.NewJob(
		"https://github.com/acme/shop-ui",
		"https://github.com/acme/shop-backend",
		model.BackendPython, model.DBHybrid, model.CommitPR,
	)
}

func TestStage(t *testing.T) {
	if New().Stage() != model.StageIntakeUIContract {
		t.Error("intake agent should handle INTAKE_UI_CONTRACT")
	}
}

func TestRunMissingSourceDir(t *testing.T) {
	job := newTestJob()
	m := workspace.NewManager(t.TempDir(), nil)
	ws, err := m.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}

	res := New().Run(context.Background(), job, ws)
	if res.OK {
		t.Fatal("expected failure for a missing source checkout")
	}
	if res.Kind != agent.FailureFatal {
		t.Errorf("kind = %q, want fatal", res.Kind)
	}
}

func TestRunProducesContract(t *testing.T) {
	job := newTestJob()
	m := workspace.NewManager(t.TempDir(), nil)
	ws, err := m.Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}

	writeSource(t, ws.SourceDir, "package.json", `{"dependencies": {"next": "14.2.3", "axios": "1.7.2"}}`)
	writeSource(t, ws.SourceDir, "src/entities/Recipe.json", `{
		"name": "Recipe",
		"fields": [{"name": "id", "type": "string", "required": true}]
	}`)
	writeSource(t, ws.SourceDir, "src/lib/api.js",
		"const base = process.env.NEXT_PUBLIC_API_URL;\n"+
			"export const list = () => fetch(\"/api/recipes\");\n")

	res := New().Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Message)
	}
	if res.Artifacts["ui_contract"] != ArtifactName {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}

	data, err := ws.ReadArtifact(ArtifactName)
	if err != nil {
		t.Fatal(err)
	}

	var contract Contract
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatal(err)
	}
	if contract.SourceRepoURL != job.SourceRepoURL {
		t.Errorf("source_repo_url = %q", contract.SourceRepoURL)
	}
	if contract.Framework.Name != "nextjs" || contract.Framework.VersionHint != "14.2.3" {
		t.Errorf("framework = %+v", contract.Framework)
	}
	if len(contract.Entities) != 1 || contract.Entities[0].Name != "Recipe" {
		t.Errorf("entities = %+v", contract.Entities)
	}
	findEndpoint(t, contract.EndpointsUsed, "GET", "/api/recipes")
	if len(contract.EnvVars) != 1 || contract.EnvVars[0].Name != "NEXT_PUBLIC_API_URL" {
		t.Errorf("envVars = %+v", contract.EnvVars)
	}
	if len(contract.APIClientFiles) != 1 || contract.APIClientFiles[0] != "src/lib/api.js" {
		t.Errorf("apiClientFiles = %+v", contract.APIClientFiles)
	}
	if contract.EntityDetection.FilesParsed != 1 {
		t.Errorf("filesParsed = %d", contract.EntityDetection.FilesParsed)
	}
}

// An empty repo still yields a well-formed contract: every collection
// key present as an array, no placeholder text, a note explaining the
// empty scan.
func TestRunEmptyRepoKeepsContractArrays(t *testing.T) {
	job := newTestJob()
	m := workspace.NewManager(t.TempDir(), nil)
	ws, err := m.Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}

	res := New().Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("an empty repo should still produce a contract: %s", res.Message)
	}

	data, err := ws.ReadArtifact(ArtifactName)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "TODO:") {
		t.Error("contract must not contain placeholder text")
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"entities", "endpointsUsed", "envVars", "apiClientFiles", "notes"} {
		if _, ok := raw[key].([]any); !ok {
			t.Errorf("%s should be a JSON array, got %T", key, raw[key])
		}
	}

	var contract Contract
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatal(err)
	}
	if len(contract.Notes) == 0 {
		t.Error("expected a note about the empty scan")
	}
}

func TestRunSecondAttemptOverwrites(t *testing.T) {
	job := newTestJob()
	m := workspace.NewManager(t.TempDir(), nil)
	ws, err := m.Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	writeSource(t, ws.SourceDir, "src/a.js", "fetch(\"/api/recipes\");\n")

	first := New().Run(context.Background(), job, ws)
	if !first.OK {
		t.Fatalf("first run failed: %s", first.Message)
	}

	writeSource(t, ws.SourceDir, "src/b.js", "fetch(\"/api/orders\");\n")
	second := New().Run(context.Background(), job, ws)
	if !second.OK {
		t.Fatalf("second run failed: %s", second.Message)
	}

	data, err := ws.ReadArtifact(ArtifactName)
	if err != nil {
		t.Fatal(err)
	}
	var contract Contract
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatal(err)
	}
	findEndpoint(t, contract.EndpointsUsed, "GET", "/api/orders")
}
