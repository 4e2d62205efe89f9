package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/tools/github"
	"github.com/c360studio/migrator/workspace"
)

type fakeGH struct {
	available bool
	existing  *github.PullRequest
	created   []github.PROptions
}

func (f *fakeGH) Available() bool { return f.available }

func (f *fakeGH) FindByHead(ctx context.Context, repoRoot, head string) (*github.PullRequest, error) {
	return f.existing, nil
}

func (f *fakeGH) Create(ctx context.Context, repoRoot string, opts github.PROptions) (*github.PullRequest, error) {
	f.created = append(f.created, opts)
	return &github.PullRequest{
		Number: 7,
		URL:    "https://github.com/acme/backend/pull/7",
		Title:  opts.Title,
		State:  "OPEN",
	}, nil
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// seedOrigin creates a bare repository with one commit on main.
func seedOrigin(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "origin.git")
	runGit(t, root, "init", "--bare", "-b", "main", bare)

	work := t.TempDir()
	runGit(t, work, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(work, "README.md"), []byte("# backend\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, work, "add", "-A")
	runGit(t, work, "-c", "user.name=test", "-c", "user.email=test@example.com",
		"commit", "-m", "feat: seed")
	runGit(t, work, "remote", "add", "origin", bare)
	runGit(t, work, "push", "origin", "main")
	return bare
}

type fixture struct {
	job  *model.Job
	ws   *workspace.Workspace
	bare string
}

// newFixture clones a seeded origin into the target dir and lays down
// a generated backend plus a few artifacts.
func newFixture(t *testing.T, mode model.CommitMode) *fixture {
	t.Helper()
	job := &model.Job{
		ID:            "job-gitops",
		SourceRepoURL: "https://github.com/acme/app",
		TargetRepoURL: "https://github.com/acme/backend.git",
		BackendStack:  model.BackendPython,
		DBStack:       model.DBPostgres,
		CommitMode:    mode,
		Stage:         model.StageCreatePR,
	}
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{job: job, ws: ws, bare: seedOrigin(t)}
	runGit(t, ws.Root, "clone", f.bare, ws.TargetDir)
	f.writeBackend(t, "app/main.py", "app = None\n")
	f.writeBackend(t, "requirements.txt", "fastapi==0.115.0\n")
	for name, content := range map[string]string{
		"ui-contract.json": `{"entities":[]}`,
		"openapi.yaml":     "openapi: 3.0.3\n",
		"db-schema.sql":    "CREATE TABLE recipes ();\n",
	} {
		if err := ws.WriteArtifact(name, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) writeBackend(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.ws.BackendDir(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) originFiles(t *testing.T, branch string) string {
	t.Helper()
	return runGit(t, f.bare, "ls-tree", "-r", branch, "--name-only")
}

func TestStage(t *testing.T) {
	if got := New("", nil).Stage(); got != model.StageCreatePR {
		t.Fatalf("Stage() = %v", got)
	}
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		url         string
		owner, repo string
		wantErr     bool
	}{
		{"https://github.com/acme/backend.git", "acme", "backend", false},
		{"https://github.com/acme/backend", "acme", "backend", false},
		{"git@github.com:acme/backend.git", "acme", "backend", false},
		{"git@github.com:acme/backend", "acme", "backend", false},
		{"https://gitlab.com/acme/backend.git", "", "", true},
		{"git@bitbucket.org:acme/backend.git", "", "", true},
		{"https://github.com/acme", "", "", true},
		{"https://github.com/acme/backend/extra", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo, err := ParseRepoURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if owner != tt.owner || repo != tt.repo {
				t.Fatalf("got %s/%s, want %s/%s", owner, repo, tt.owner, tt.repo)
			}
		})
	}
}

func TestRunRejectsNonGitHubTarget(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	f.job.TargetRepoURL = "https://gitlab.com/acme/backend.git"

	res := New("", nil).Run(context.Background(), f.job, f.ws)
	if res.OK || res.Kind != model.FailureFatal {
		t.Fatalf("OK=%v Kind=%v, want fatal", res.OK, res.Kind)
	}
}

func TestRunMissingBackendTree(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	if err := os.RemoveAll(f.ws.BackendDir()); err != nil {
		t.Fatal(err)
	}

	res := New("", nil).Run(context.Background(), f.job, f.ws)
	if res.OK || res.Kind != model.FailureFatal {
		t.Fatalf("OK=%v Kind=%v, want fatal", res.OK, res.Kind)
	}
}

func TestRunPRModeWithoutGH(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	ag := New("", nil)
	ag.gh = &fakeGH{available: false}

	res := ag.Run(context.Background(), f.job, f.ws)
	if res.OK || res.Kind != model.FailureFatal {
		t.Fatalf("OK=%v Kind=%v, want fatal", res.OK, res.Kind)
	}
	if !strings.Contains(res.Message, "gh") {
		t.Fatalf("message should name the gh CLI: %s", res.Message)
	}
}

func TestRunDirectMode(t *testing.T) {
	f := newFixture(t, model.CommitDirect)
	ag := New("", nil)
	ag.gh = &fakeGH{available: false} // direct mode never consults it

	res := ag.Run(context.Background(), f.job, f.ws)
	if !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}
	if res.Artifacts["gitops"] != ReportArtifact {
		t.Fatalf("artifacts = %v", res.Artifacts)
	}

	files := f.originFiles(t, "main")
	for _, want := range []string{
		"backend/app/main.py",
		"backend/requirements.txt",
		"migrator-artifacts/job-gitops/ui-contract.json",
		"migrator-artifacts/job-gitops/openapi.yaml",
	} {
		if !strings.Contains(files, want) {
			t.Errorf("origin main missing %s:\n%s", want, files)
		}
	}

	report, err := f.ws.ReadArtifact(ReportArtifact)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(report), "`acme/backend`") ||
		!strings.Contains(string(report), "Pushed directly to `main`") {
		t.Errorf("report wrong:\n%s", report)
	}
}

func TestRunPRMode(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	gh := &fakeGH{available: true}
	ag := New("", nil)
	ag.gh = gh

	res := ag.Run(context.Background(), f.job, f.ws)
	if !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}

	if len(gh.created) != 1 {
		t.Fatalf("created %d pull requests, want 1", len(gh.created))
	}
	opts := gh.created[0]
	if opts.Title != "Backend scaffold (generated) - job-gitops" {
		t.Errorf("title = %q", opts.Title)
	}
	if opts.Base != "main" || opts.Head != "migration/job-gitops-backend" {
		t.Errorf("base/head = %q/%q", opts.Base, opts.Head)
	}
	if !strings.Contains(opts.Body, "`openapi.yaml`") {
		t.Errorf("body should list artifacts:\n%s", opts.Body)
	}

	files := f.originFiles(t, "migration/job-gitops-backend")
	if !strings.Contains(files, "backend/app/main.py") {
		t.Errorf("migration branch missing backend tree:\n%s", files)
	}
	base := f.originFiles(t, "main")
	if strings.Contains(base, "backend/app/main.py") {
		t.Error("pr mode should not touch the base branch")
	}

	report, err := f.ws.ReadArtifact(ReportArtifact)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(report), "https://github.com/acme/backend/pull/7") {
		t.Errorf("report missing PR url:\n%s", report)
	}
}

func TestRunRerunWithoutChanges(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	gh := &fakeGH{available: true}
	ag := New("", nil)
	ag.gh = gh

	if res := ag.Run(context.Background(), f.job, f.ws); !res.OK {
		t.Fatalf("first run failed: %s", res.Message)
	}

	res := ag.Run(context.Background(), f.job, f.ws)
	if !res.OK {
		t.Fatalf("second run failed: %s", res.Message)
	}
	if !strings.Contains(res.Message, "no changes") {
		t.Fatalf("second run should report no changes: %s", res.Message)
	}
	if len(gh.created) != 1 {
		t.Fatalf("re-run created a duplicate pull request (%d total)", len(gh.created))
	}
}

func TestRunRerunWithChangesReusesOpenPR(t *testing.T) {
	f := newFixture(t, model.CommitPR)
	gh := &fakeGH{available: true}
	ag := New("", nil)
	ag.gh = gh

	if res := ag.Run(context.Background(), f.job, f.ws); !res.OK {
		t.Fatalf("first run failed: %s", res.Message)
	}

	// The backend was regenerated and the PR from the first run is
	// still open.
	f.writeBackend(t, "app/main.py", "app = object()\n")
	gh.existing = &github.PullRequest{
		Number: 7,
		URL:    "https://github.com/acme/backend/pull/7",
		State:  "OPEN",
	}

	res := ag.Run(context.Background(), f.job, f.ws)
	if !res.OK {
		t.Fatalf("second run failed: %s", res.Message)
	}
	if len(gh.created) != 1 {
		t.Fatalf("open PR should be reused, got %d creations", len(gh.created))
	}
	if !strings.Contains(res.Message, "pull/7") {
		t.Fatalf("message should point at the open PR: %s", res.Message)
	}
}

func TestRunEmptyTargetSeedsInitialCommit(t *testing.T) {
	job := &model.Job{
		ID:            "job-empty",
		SourceRepoURL: "https://github.com/acme/app",
		TargetRepoURL: "https://github.com/acme/backend.git",
		BackendStack:  model.BackendNode,
		DBStack:       model.DBPostgres,
		CommitMode:    model.CommitDirect,
		Stage:         model.StageCreatePR,
	}
	ws, err := workspace.NewManager(t.TempDir(), nil).Ensure(job.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Clone of an empty remote: a repository with a remote but no
	// commits.
	root := t.TempDir()
	bare := filepath.Join(root, "origin.git")
	runGit(t, root, "init", "--bare", "-b", "main", bare)
	runGit(t, ws.Root, "clone", bare, ws.TargetDir)

	f := &fixture{job: job, ws: ws, bare: bare}
	f.writeBackend(t, "server.js", "const express = require(\"express\");\n")
	if err := ws.WriteArtifact("openapi.yaml", []byte("openapi: 3.0.3\n")); err != nil {
		t.Fatal(err)
	}

	res := New("", nil).Run(context.Background(), job, ws)
	if !res.OK {
		t.Fatalf("Run failed: %s", res.Message)
	}

	files := f.originFiles(t, "main")
	if !strings.Contains(files, "README.md") {
		t.Errorf("seed commit missing README:\n%s", files)
	}
	if !strings.Contains(files, "backend/server.js") {
		t.Errorf("origin missing backend tree:\n%s", files)
	}
}

func TestRerunDoesNotCarryStaleReport(t *testing.T) {
	f := newFixture(t, model.CommitDirect)
	ag := New("", nil)
	ag.gh = &fakeGH{available: false}

	if res := ag.Run(context.Background(), f.job, f.ws); !res.OK {
		t.Fatalf("first run failed: %s", res.Message)
	}
	// gitops.md now exists in the artifacts dir; a second run must not
	// commit it into the target.
	res := ag.Run(context.Background(), f.job, f.ws)
	if !res.OK {
		t.Fatalf("second run failed: %s", res.Message)
	}
	if !strings.Contains(res.Message, "no changes") {
		t.Fatalf("second run should be a no-op: %s", res.Message)
	}
	if files := f.originFiles(t, "main"); strings.Contains(files, "migrator-artifacts/job-gitops/gitops.md") {
		t.Errorf("finalization report leaked into the target:\n%s", files)
	}
}
