// Package gitops implements the CREATE_PR stage: it lands the
// generated backend and the stage artifacts in the target repository,
// either on a migration branch with a pull request or directly on the
// base branch. Re-runs are idempotent; an already-landed tree or an
// already-open pull request is a success, never a duplicate.
package gitops

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/tools/git"
	"github.com/c360studio/migrator/tools/github"
	"github.com/c360studio/migrator/workspace"
)

// ReportArtifact is the finalization report this stage writes.
const ReportArtifact = "gitops.md"

// BranchName returns the migration branch for a job.
func BranchName(jobID string) string {
	return "migration/" + jobID + "-backend"
}

// CommitMessage returns the conventional commit message for a job.
func CommitMessage(jobID string) string {
	return "chore: add generated backend for " + jobID
}

// PRTitle returns the pull request title for a job.
func PRTitle(jobID string) string {
	return "Backend scaffold (generated) - " + jobID
}

// prClient abstracts the gh CLI so tests can run without it.
type prClient interface {
	Available() bool
	FindByHead(ctx context.Context, repoRoot, head string) (*github.PullRequest, error)
	Create(ctx context.Context, repoRoot string, opts github.PROptions) (*github.PullRequest, error)
}

// ghCLI is the production prClient.
type ghCLI struct {
	client *github.Client
}

func (g ghCLI) Available() bool { return g.client.Available() }
func (g ghCLI) FindByHead(ctx context.Context, repoRoot, head string) (*github.PullRequest, error) {
	return g.client.FindPRByHead(ctx, repoRoot, head)
}
func (g ghCLI) Create(ctx context.Context, repoRoot string, opts github.PROptions) (*github.PullRequest, error) {
	return g.client.CreatePR(ctx, repoRoot, opts)
}

// Agent finalizes a job against its target repository.
type Agent struct {
	gh     prClient
	logger *slog.Logger
}

// New creates the gitops agent. token authenticates gh calls; empty
// falls back to the CLI's stored auth.
func New(token string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		gh:     ghCLI{client: github.NewClient(token)},
		logger: logger.With("agent", "gitops"),
	}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageCreatePR
}

// outcome collects what happened for the report.
type outcome struct {
	owner, repo string
	base        string
	branch      string
	commit      string
	pr          *github.PullRequest
	artifactN   int
	noChanges   bool
}

// Run copies the generated tree into the target clone, commits and
// lands it per the job's commit mode. Git and GitHub operation
// failures are fatal; only local filesystem trouble is retried.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	owner, repoName, err := ParseRepoURL(job.TargetRepoURL)
	if err != nil {
		return agent.Fatal("target repository URL %q: %v", job.TargetRepoURL, err)
	}
	if _, err := os.Stat(ws.BackendDir()); err != nil {
		return agent.Fatal("generated backend missing at %s: %v", ws.BackendDir(), err)
	}
	if job.CommitMode != model.CommitDirect && !a.gh.Available() {
		return agent.Fatal("gh CLI unavailable; commit_mode=pr cannot open a pull request without it")
	}

	repo := git.Open(ws.TargetDir)
	if !repo.IsRepo() {
		if err := os.MkdirAll(ws.TargetDir, 0755); err != nil {
			return agent.Retryable("create target dir: %v", err)
		}
		repo, err = git.Init(ctx, ws.TargetDir)
		if err != nil {
			return agent.Retryable("init target repository: %v", err)
		}
	}
	if repo.RemoteURL(ctx, "origin") == "" {
		if err := repo.AddRemote(ctx, "origin", job.TargetRepoURL); err != nil {
			return agent.Fatal("configure origin remote: %v", err)
		}
	}
	if err := repo.EnsureIdentity(ctx, "migrator", "migrator@localhost"); err != nil {
		return agent.Retryable("configure commit identity: %v", err)
	}

	out := &outcome{owner: owner, repo: repoName}
	out.base, err = a.ensureBase(ctx, repo, repoName)
	if err != nil {
		return agent.Fatal("prepare base branch: %v", err)
	}

	out.branch = out.base
	if job.CommitMode != model.CommitDirect {
		out.branch = BranchName(job.ID)
	}
	if err := repo.CheckoutBranch(ctx, out.branch, out.base); err != nil {
		return agent.Fatal("checkout %s: %v", out.branch, err)
	}

	if err := copyTree(ws.BackendDir(), filepath.Join(ws.TargetDir, "backend")); err != nil {
		return agent.Retryable("copy backend tree: %v", err)
	}
	artifactDest := filepath.Join(ws.TargetDir, "migrator-artifacts", job.ID)
	if err := copyTree(ws.ArtifactsDir, artifactDest); err != nil {
		return agent.Retryable("copy artifacts: %v", err)
	}
	// The finalization report describes this very run; carrying the
	// previous attempt's copy along would dirty every re-run.
	if err := os.Remove(filepath.Join(artifactDest, ReportArtifact)); err != nil && !os.IsNotExist(err) {
		return agent.Retryable("drop stale report copy: %v", err)
	}
	if infos, err := ws.ListArtifacts(); err == nil {
		for _, info := range infos {
			if info.Path != ReportArtifact {
				out.artifactN++
			}
		}
	}

	if err := repo.AddAll(ctx); err != nil {
		return agent.Retryable("stage changes: %v", err)
	}
	staged, err := repo.HasStagedChanges(ctx)
	if err != nil {
		return agent.Retryable("inspect staged changes: %v", err)
	}

	if !staged {
		out.noChanges = true
		if res, ok := a.writeReport(ws, job, out); !ok {
			return res
		}
		return agent.Success("no changes: target already carries the generated backend for %s", job.ID).
			WithArtifacts(map[string]string{"gitops": ReportArtifact})
	}

	out.commit, err = repo.Commit(ctx, CommitMessage(job.ID))
	if err != nil {
		return agent.Retryable("commit generated backend: %v", err)
	}

	if job.CommitMode == model.CommitDirect {
		if err := repo.Push(ctx, "origin", out.base); err != nil {
			return agent.Fatal("push %s: %v", out.base, err)
		}
		if res, ok := a.writeReport(ws, job, out); !ok {
			return res
		}
		return agent.Success("pushed generated backend to %s/%s@%s (%s)", owner, repoName, out.base, out.commit).
			WithArtifacts(map[string]string{"gitops": ReportArtifact})
	}

	if err := repo.Push(ctx, "origin", out.branch); err != nil {
		return agent.Fatal("push %s: %v", out.branch, err)
	}

	existing, err := a.gh.FindByHead(ctx, ws.TargetDir, out.branch)
	if err != nil {
		return agent.Fatal("look up pull request for %s: %v", out.branch, err)
	}
	if existing != nil {
		out.pr = existing
		a.logger.Info("pull request already open", "job_id", job.ID, "url", existing.URL)
	} else {
		pr, err := a.gh.Create(ctx, ws.TargetDir, github.PROptions{
			Title: PRTitle(job.ID),
			Body:  prBody(ws, job),
			Base:  out.base,
			Head:  out.branch,
		})
		if err != nil {
			return agent.Fatal("create pull request: %v", err)
		}
		out.pr = pr
	}

	if res, ok := a.writeReport(ws, job, out); !ok {
		return res
	}
	return agent.Success("pull request ready: %s", out.pr.URL).
		WithArtifacts(map[string]string{"gitops": ReportArtifact})
}

// ensureBase resolves the branch changes should land on, seeding an
// initial commit when the target repository has none (a clone of an
// empty remote, or a remote that did not exist at clone time).
func (a *Agent) ensureBase(ctx context.Context, repo *git.Repo, repoName string) (string, error) {
	if _, err := repo.HeadCommit(ctx); err == nil {
		return repo.DefaultBranch(ctx), nil
	}

	readme := filepath.Join(repo.Dir(), "README.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		content := fmt.Sprintf("# %s\n\nInitialized by the migration pipeline.\n", repoName)
		if err := os.WriteFile(readme, []byte(content), 0644); err != nil {
			return "", err
		}
	}
	if err := repo.AddAll(ctx); err != nil {
		return "", err
	}
	if _, err := repo.Commit(ctx, "chore: initialize repository"); err != nil {
		return "", err
	}
	return repo.CurrentBranch(ctx)
}

func (a *Agent) writeReport(ws *workspace.Workspace, job *model.Job, out *outcome) (agent.Result, bool) {
	if err := ws.WriteArtifact(ReportArtifact, []byte(renderReport(job, out))); err != nil {
		return agent.Retryable("write %s: %v", ReportArtifact, err), false
	}
	return agent.Result{}, true
}

// prBody lists what the pull request carries.
func prBody(ws *workspace.Workspace, job *model.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generated backend for migration job `%s`.\n\n", job.ID)
	fmt.Fprintf(&b, "- `backend/`: %s service generated from the source UI contract\n", job.BackendStack)
	fmt.Fprintf(&b, "- `migrator-artifacts/%s/`: pipeline artifacts\n", job.ID)

	infos, err := ws.ListArtifacts()
	if err != nil || len(infos) == 0 {
		return b.String()
	}
	b.WriteString("\nArtifacts:\n")
	for _, info := range infos {
		if info.Path == ReportArtifact {
			continue
		}
		fmt.Fprintf(&b, "- `%s`\n", info.Path)
	}
	return b.String()
}

func renderReport(job *model.Job, out *outcome) string {
	var b strings.Builder
	b.WriteString("# GitOps report\n\n")
	fmt.Fprintf(&b, "Job `%s` finalized against `%s/%s`.\n\n", job.ID, out.owner, out.repo)
	fmt.Fprintf(&b, "- Base branch: `%s`\n", out.base)
	if out.branch != out.base {
		fmt.Fprintf(&b, "- Migration branch: `%s`\n", out.branch)
	}
	if out.noChanges {
		b.WriteString("- Commit: none, the target already matches the generated tree\n")
	} else {
		fmt.Fprintf(&b, "- Commit: `%s` (%s)\n", out.commit, CommitMessage(job.ID))
		fmt.Fprintf(&b, "- Copied `backend/` and %d artifacts under `migrator-artifacts/%s/`\n",
			out.artifactN, job.ID)
	}
	if out.pr != nil {
		fmt.Fprintf(&b, "- Pull request: %s\n", out.pr.URL)
	} else if job.CommitMode == model.CommitDirect && !out.noChanges {
		fmt.Fprintf(&b, "- Pushed directly to `%s`\n", out.base)
	}
	return b.String()
}

// ParseRepoURL extracts the owner and repository name from a GitHub
// remote URL. Finalization only knows how to open pull requests on
// github.com, so anything else is rejected.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	trimmed := strings.TrimSpace(raw)
	var path string
	switch {
	case strings.HasPrefix(trimmed, "git@github.com:"):
		path = strings.TrimPrefix(trimmed, "git@github.com:")
	case strings.HasPrefix(trimmed, "https://github.com/"):
		path = strings.TrimPrefix(trimmed, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported repository URL, need https://github.com/{owner}/{repo} or git@github.com:{owner}/{repo}")
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository URL must name owner and repo")
	}
	return parts[0], parts[1], nil
}

// copyTree replaces dst with a fresh copy of src so deletions in the
// generated tree propagate on re-runs.
func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
