// Package git shells out to the git CLI for the repository operations
// the pipeline performs: cloning source and target repos, branching,
// committing generated code and pushing.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// allowedProtocols defines the git URL protocols that are permitted for cloning.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// ValidateURL validates that a git URL uses an allowed protocol.
// Returns an error if the URL is invalid or uses a disallowed protocol.
func ValidateURL(rawURL string) error {
	// Handle SSH shorthand (git@github.com:owner/repo.git)
	if strings.HasPrefix(rawURL, "git@") {
		return nil // SSH shorthand is allowed
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}

	return nil
}

// ValidatePath validates that a path is safe and within allowed boundaries.
// baseDir is the expected parent directory; path must be within it after cleaning.
func ValidatePath(baseDir, path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	cleanPath := filepath.Clean(path)

	// Check for path traversal attempts
	if strings.Contains(path, "..") {
		// Even if Clean resolves it, reject paths with .. for safety
		return fmt.Errorf("path traversal not allowed")
	}

	// If baseDir is provided, ensure path is within it
	if baseDir != "" {
		cleanBase := filepath.Clean(baseDir)
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
		absBase, err := filepath.Abs(cleanBase)
		if err != nil {
			return fmt.Errorf("invalid base path: %w", err)
		}

		// Ensure path starts with base directory
		if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) && absPath != absBase {
			return fmt.Errorf("path must be within %s", cleanBase)
		}
	}

	return nil
}

// conventionalCommitPattern matches conventional commit format
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit checks if a message follows conventional commit format
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// CloneOptions control how a repository is cloned.
type CloneOptions struct {
	// Branch checks out the named branch instead of the remote default.
	Branch string

	// Depth truncates history to the given number of commits when > 0.
	Depth int
}

// Repo is a handle on a local git working tree.
type Repo struct {
	dir string
}

// Open returns a handle on dir without touching disk. Use IsRepo to
// check whether the directory actually holds a repository.
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

// Init creates a new repository in dir.
func Init(ctx context.Context, dir string) (*Repo, error) {
	r := &Repo{dir: dir}
	if _, err := r.run(ctx, "init"); err != nil {
		return nil, fmt.Errorf("git init: %w", err)
	}
	return r, nil
}

// Clone clones repoURL into dest and returns a handle on the result.
// The URL is validated before any network access.
func Clone(ctx context.Context, repoURL, dest string, opts CloneOptions) (*Repo, error) {
	if repoURL == "" {
		return nil, fmt.Errorf("repository URL is required")
	}
	if err := ValidateURL(repoURL); err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, fmt.Errorf("destination directory is required")
	}

	args := []string{"clone"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", opts.Depth))
	}
	args = append(args, repoURL, dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git clone: %w: %s", err, string(output))
	}

	return &Repo{dir: dest}, nil
}

// Dir returns the repository working directory.
func (r *Repo) Dir() string {
	return r.dir
}

// run executes a git command in the repo directory
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// IsRepo checks if the directory is a git repository.
func (r *Repo) IsRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = r.dir
	return cmd.Run() == nil
}

// HeadCommit returns the full hash of HEAD.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	output, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// CurrentBranch returns the name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	output, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// BranchExists checks if a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CheckoutBranch switches to the named branch, creating it from base
// (or HEAD when base is empty) if it does not exist. Re-running on an
// existing branch just switches to it.
func (r *Repo) CheckoutBranch(ctx context.Context, name, base string) error {
	if name == "" {
		return fmt.Errorf("branch name is required")
	}

	if r.BranchExists(ctx, name) {
		if _, err := r.run(ctx, "checkout", name); err != nil {
			return fmt.Errorf("switch branch %s: %w", name, err)
		}
		return nil
	}

	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	if _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// DefaultBranch resolves the branch pull requests should target. It
// prefers the remote HEAD, then main, then master, then whatever is
// currently checked out.
func (r *Repo) DefaultBranch(ctx context.Context) string {
	if output, err := r.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(output)
		if name := strings.TrimPrefix(ref, "refs/remotes/origin/"); name != ref && name != "" {
			return name
		}
	}

	for _, name := range []string{"main", "master"} {
		if r.BranchExists(ctx, name) {
			return name
		}
	}

	if branch, err := r.CurrentBranch(ctx); err == nil && branch != "HEAD" {
		return branch
	}
	return "main"
}

// Status returns the porcelain status output.
func (r *Repo) Status(ctx context.Context) (string, error) {
	output, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	return output, nil
}

// IsClean reports whether the working tree has no changes.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(status) == "", nil
}

// AddAll stages all changes including untracked files.
func (r *Repo) AddAll(ctx context.Context) error {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	return nil
}

// HasStagedChanges reports whether anything is staged for commit.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	output, err := r.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("check staged changes: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}

// Commit commits staged changes and returns the short hash. The
// message must follow conventional commit format.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	if !ValidateConventionalCommit(message) {
		return "", fmt.Errorf("commit message does not follow conventional commit format: %s", message)
	}

	staged, err := r.HasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", fmt.Errorf("nothing to commit (no staged changes)")
	}

	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	hash, err := r.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Push pushes branch to remote, setting the upstream.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	if _, err := r.run(ctx, "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	return nil
}

// RemoteURL returns the fetch URL of the named remote, or empty when
// the remote is not configured.
func (r *Repo) RemoteURL(ctx context.Context, remote string) string {
	output, err := r.run(ctx, "remote", "get-url", remote)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

// AddRemote configures a named remote pointing at rawURL.
func (r *Repo) AddRemote(ctx context.Context, name, rawURL string) error {
	if name == "" || rawURL == "" {
		return fmt.Errorf("remote name and URL are required")
	}
	if _, err := r.run(ctx, "remote", "add", name, rawURL); err != nil {
		return fmt.Errorf("add remote %s: %w", name, err)
	}
	return nil
}

// EnsureIdentity sets a repository-local commit identity when the
// environment provides none, so commits never fail on a bare container.
func (r *Repo) EnsureIdentity(ctx context.Context, name, email string) error {
	if out, err := r.run(ctx, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	if _, err := r.run(ctx, "config", "user.name", name); err != nil {
		return fmt.Errorf("set user.name: %w", err)
	}
	if _, err := r.run(ctx, "config", "user.email", email); err != nil {
		return fmt.Errorf("set user.email: %w", err)
	}
	return nil
}

// FileChange describes a file changed in a commit.
type FileChange struct {
	Path      string // File path relative to repo root
	Operation string // add, modify, delete, rename
}

// CommittedFiles lists the files changed in the given commit.
func (r *Repo) CommittedFiles(ctx context.Context, ref string) ([]FileChange, error) {
	if ref == "" {
		ref = "HEAD"
	}
	output, err := r.run(ctx, "diff-tree", "--no-commit-id", "--name-status", "-r", ref)
	if err != nil {
		return nil, fmt.Errorf("list committed files: %w", err)
	}

	var changes []FileChange
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		// Format: "A\tfile.go" or "M\tfile.go"
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) == 2 {
			changes = append(changes, FileChange{
				Path:      parts[1],
				Operation: parseFileOperation(parts[0]),
			})
		} else {
			changes = append(changes, FileChange{Path: line, Operation: "modify"})
		}
	}
	return changes, nil
}

// parseFileOperation parses the git status code to determine operation type.
// Status codes from git diff-tree: A=added, M=modified, D=deleted, R=renamed
func parseFileOperation(statusCode string) string {
	if len(statusCode) == 0 {
		return "modify"
	}
	switch statusCode[0] {
	case 'A':
		return "add"
	case 'D':
		return "delete"
	case 'R':
		return "rename"
	default:
		return "modify"
	}
}
