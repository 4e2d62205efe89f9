package frontend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

func newJob() *model.Job {
	return &model.Job{
		ID:            "job-frontend",
		SourceRepoURL: "https://github.com/acme/app",
		TargetRepoURL: "https://github.com/acme/backend",
		BackendStack:  model.BackendPython,
		Stage:         model.StageWireFrontend,
	}
}

func fixtureContract(framework string) *intake.Contract {
	return &intake.Contract{
		SourceRepoURL: "https://github.com/acme/app",
		Framework:     intake.Framework{Name: framework},
		Entities: []intake.Entity{
			{
				Name: "Recipe",
				Fields: []intake.Field{
					{Name: "title", Type: "string", Required: true},
					{Name: "servings", Type: "number", Required: true},
					{Name: "notes", Type: "string"},
				},
			},
			{
				Name: "UserLink",
				Fields: []intake.Field{
					{Name: "user_id", Type: "string", Required: true},
					{Name: "target_id", Type: "string", Required: true},
				},
			},
		},
		EnvVars: []intake.EnvVar{
			{Name: "VITE_OPENROUTER_API_KEY"},
			{Name: "VITE_API_BASE_URL"},
		},
		APIClientFiles: []string{"src/api/client.js", "src/api/entities.js"},
	}
}

func writeContract(t *testing.T, ws *workspace.Workspace, c *intake.Contract) {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteArtifact(intake.ArtifactName, raw); err != nil {
		t.Fatal(err)
	}
}

func readFrontend(t *testing.T, ws *workspace.Workspace, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ws.FrontendDir(), name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestStage(t *testing.T) {
	if got := New().Stage(); got != model.StageWireFrontend {
		t.Fatalf("Stage() = %v", got)
	}
}

func TestRunMissingContract(t *testing.T) {
	job := newJob()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}

	res := New().Run(context.Background(), job, ws)
	if res.OK {
		t.Fatal("expected failure without a contract")
	}
	if res.Kind != model.FailureFatal {
		t.Fatalf("Kind = %v, want fatal", res.Kind)
	}
}

func TestViteClient(t *testing.T) {
	job := newJob()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	writeContract(t, ws, fixtureContract("vite"))

	res := New().Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}
	if res.Artifacts["frontend"] != TreePath || res.Artifacts["wiring"] != WiringArtifact {
		t.Fatalf("artifacts = %v", res.Artifacts)
	}

	client := readFrontend(t, ws, ClientFile)
	for _, want := range []string{
		"import.meta.env.VITE_API_BASE_URL",
		`"http://localhost:8080"`,
		`entityClient("recipes")`,
		`entityClient("user-links")`,
		"export const Recipe",
		"export const UserLink",
		"export default entities;",
		"(data && data.items) || []",
		`request("PATCH", base + "/" + id, payload)`,
		"response.status === 204",
	} {
		if !strings.Contains(client, want) {
			t.Errorf("client missing %q", want)
		}
	}

	env := readFrontend(t, ws, EnvFile)
	if !strings.HasPrefix(env, "# Point the generated API client") {
		t.Errorf("env example header wrong:\n%s", env)
	}
	if got := strings.Count(env, "VITE_API_BASE_URL="); got != 1 {
		t.Errorf("VITE_API_BASE_URL declared %d times:\n%s", got, env)
	}
	if !strings.Contains(env, "VITE_OPENROUTER_API_KEY=replace-me") {
		t.Errorf("env example missing placeholder for detected var:\n%s", env)
	}

	wiring, err := ws.ReadArtifact(WiringArtifact)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"generated/frontend/apiClient.js",
		"src/api/client.js",
		"src/api/entities.js",
		"`VITE_API_BASE_URL`",
		"`VITE_OPENROUTER_API_KEY`",
	} {
		if !strings.Contains(string(wiring), want) {
			t.Errorf("wiring.md missing %q", want)
		}
	}
}

func TestNextJSEnvConvention(t *testing.T) {
	job := newJob()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	writeContract(t, ws, fixtureContract("nextjs"))

	if res := New().Run(context.Background(), job, ws); !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}

	client := readFrontend(t, ws, ClientFile)
	if !strings.Contains(client, "process.env.NEXT_PUBLIC_API_BASE_URL") {
		t.Error("client does not read the nextjs public env var")
	}
	if strings.Contains(client, "import.meta.env") {
		t.Error("nextjs client should not reference import.meta")
	}
	if env := readFrontend(t, ws, EnvFile); !strings.Contains(env, "NEXT_PUBLIC_API_BASE_URL=http://localhost:8080") {
		t.Errorf("env example missing nextjs var:\n%s", env)
	}
}

func TestUnknownFrameworkProbesBothRuntimes(t *testing.T) {
	job := newJob()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	contract := fixtureContract("unknown")
	writeContract(t, ws, contract)

	if res := New().Run(context.Background(), job, ws); !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}

	client := readFrontend(t, ws, ClientFile)
	if !strings.Contains(client, `typeof process !== "undefined"`) ||
		!strings.Contains(client, `typeof import.meta !== "undefined"`) {
		t.Errorf("unknown-framework client should probe both runtimes:\n%s", client)
	}
}

func TestEmptyEntities(t *testing.T) {
	job := newJob()
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	contract := fixtureContract("vite")
	contract.Entities = nil
	contract.APIClientFiles = nil
	writeContract(t, ws, contract)

	res := New().Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}

	client := readFrontend(t, ws, ClientFile)
	if !strings.Contains(client, "export const entities = {};") {
		t.Errorf("empty contract should still export an entities map:\n%s", client)
	}
}

func TestSmokePayload(t *testing.T) {
	e := intake.Entity{
		Name: "Recipe",
		Fields: []intake.Field{
			{Name: "title", Type: "string", Required: true},
			{Name: "servings", Type: "number", Required: true},
			{Name: "active", Type: "boolean", Required: true},
			{Name: "scheduledAt", Type: "datetime", Required: true},
			{Name: "tags", Type: "array", Required: true, Items: "string"},
			{Name: "meta", Type: "object", Required: true},
			{Name: "notes", Type: "string"},
			{Name: "id", Type: "string", Required: true},
			{Name: "createdAt", Type: "datetime", Required: true},
		},
	}

	got := SmokePayload(e)
	want := map[string]any{
		"title":       "test",
		"servings":    1,
		"active":      true,
		"scheduledAt": "2026-01-01T00:00:00Z",
		"tags":        []any{},
		"meta":        map[string]any{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SmokePayload = %#v, want %#v", got, want)
	}

	t.Run("no required fields", func(t *testing.T) {
		got := SmokePayload(intake.Entity{Name: "Note", Fields: []intake.Field{
			{Name: "body", Type: "string"},
		}})
		if got == nil || len(got) != 0 {
			t.Fatalf("SmokePayload = %#v, want empty map", got)
		}
	})
}
