// Package workspace manages the per-job directory trees the pipeline
// clones repositories into and writes stage artifacts to.
package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Directory names inside a job workspace. Agents address these through
// the Workspace accessors, never by rebuilding the paths themselves.
const (
	sourceDirName    = "source"
	targetDirName    = "target_repo"
	artifactsDirName = "workspace"
	generatedDirName = "generated"
)

// Workspace is the resolved directory layout for a single job.
type Workspace struct {
	// JobID is the job this workspace belongs to.
	JobID string

	// Root is the top-level directory for the job.
	Root string

	// SourceDir holds the clone of the source repository.
	SourceDir string

	// TargetDir holds the clone of the target repository.
	TargetDir string

	// ArtifactsDir holds stage outputs: contracts, schemas, reports.
	ArtifactsDir string

	// GeneratedDir holds generated code trees.
	GeneratedDir string
}

// BackendDir returns the directory the backend generator writes to.
func (w *Workspace) BackendDir() string {
	return filepath.Join(w.GeneratedDir, "backend")
}

// FrontendDir returns the directory the frontend wiring stage writes to.
func (w *Workspace) FrontendDir() string {
	return filepath.Join(w.GeneratedDir, "frontend")
}

// ArtifactPath resolves a slash-separated artifact name inside the
// artifacts directory.
func (w *Workspace) ArtifactPath(name string) string {
	return filepath.Join(w.ArtifactsDir, filepath.FromSlash(name))
}

// WriteArtifact writes an artifact file, creating parent directories for
// nested names such as migrations/0001_initial.py.
func (w *Workspace) WriteArtifact(name string, data []byte) error {
	path := w.ArtifactPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create artifact directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// ReadArtifact reads an artifact written by an earlier stage.
func (w *Workspace) ReadArtifact(name string) ([]byte, error) {
	data, err := os.ReadFile(w.ArtifactPath(name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

// HasArtifact reports whether an artifact exists on disk.
func (w *Workspace) HasArtifact(name string) bool {
	info, err := os.Stat(w.ArtifactPath(name))
	return err == nil && !info.IsDir()
}

// ArtifactInfo describes one file in the artifacts directory.
type ArtifactInfo struct {
	// Path is relative to the artifacts directory, slash separated.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// LastModified is the file modification time.
	LastModified time.Time `json:"last_modified"`
}

// ListArtifacts walks the artifacts directory, including nested
// directories such as migrations/, and returns every file sorted by
// path. A workspace whose artifacts directory does not exist yet lists
// as empty rather than failing; the job simply has not produced
// anything.
func (w *Workspace) ListArtifacts() ([]ArtifactInfo, error) {
	artifacts := []ArtifactInfo{}

	err := filepath.WalkDir(w.ArtifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == w.ArtifactsDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.ArtifactsDir, path)
		if err != nil {
			return err
		}

		artifacts = append(artifacts, ArtifactInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Path < artifacts[j].Path
	})
	return artifacts, nil
}

// ResetDir removes and recreates dir. Generators call it so a retried
// attempt rebuilds its output tree from scratch instead of layering on
// top of a previous partial run.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("recreate %s: %w", dir, err)
	}
	return nil
}

// Manager creates and removes job workspaces under a single root
// directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, logger: logger}
}

// Root returns the directory job workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Get resolves the workspace layout for a job without touching disk.
func (m *Manager) Get(jobID string) (*Workspace, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	root := filepath.Join(m.root, jobID)
	return &Workspace{
		JobID:        jobID,
		Root:         root,
		SourceDir:    filepath.Join(root, sourceDirName),
		TargetDir:    filepath.Join(root, targetDirName),
		ArtifactsDir: filepath.Join(root, artifactsDirName),
		GeneratedDir: filepath.Join(root, generatedDirName),
	}, nil
}

// Ensure creates the workspace directory tree for a job. Calling it for
// an existing workspace is fine; retried stages reuse the same layout.
func (m *Manager) Ensure(jobID string) (*Workspace, error) {
	ws, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{ws.Root, ws.SourceDir, ws.TargetDir, ws.ArtifactsDir, ws.GeneratedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create workspace directory %s: %w", dir, err)
		}
	}
	return ws, nil
}

// Exists reports whether a workspace root exists for a job.
func (m *Manager) Exists(jobID string) bool {
	ws, err := m.Get(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(ws.Root)
	return err == nil && info.IsDir()
}

// Remove deletes a job's entire workspace tree.
func (m *Manager) Remove(jobID string) error {
	ws, err := m.Get(jobID)
	if err != nil {
		return err
	}

	m.logger.Info("Removing workspace",
		"job_id", jobID,
		"root", ws.Root)
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Root, err)
	}
	return nil
}

// validateJobID rejects identifiers that would escape the workspace
// root when joined into a path.
func validateJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is empty")
	}
	if jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
