// Package clone implements the source and target repository clone
// stages. Both run the same way; only the URL field and destination
// directory differ.
package clone

import (
	"context"
	"os"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/tools/git"
	"github.com/c360studio/migrator/workspace"
)

// DefaultDepth is the clone depth used when none is configured. The
// pipeline only reads the working tree, so history is dead weight.
const DefaultDepth = 1

// Agent clones one of the job's repositories into the workspace.
type Agent struct {
	stage model.Stage
	depth int
}

// NewSource returns the CLONE_SOURCE agent.
func NewSource(depth int) *Agent {
	return newAgent(model.StageCloneSource, depth)
}

// NewTarget returns the CLONE_TARGET agent.
func NewTarget(depth int) *Agent {
	return newAgent(model.StageCloneTarget, depth)
}

func newAgent(stage model.Stage, depth int) *Agent {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Agent{stage: stage, depth: depth}
}

// Stage identifies which clone stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return a.stage
}

// Run clones the stage's repository. A destination that already holds
// files is treated as cloned; re-runs after a successful clone change
// nothing.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	repoURL, dest := a.endpoints(job, ws)

	populated, err := isPopulated(dest)
	if err != nil {
		return agent.Retryable("inspect clone destination %s: %v", dest, err)
	}
	if populated {
		return agent.Success("repository already present at %s", dest)
	}

	if err := git.ValidateURL(repoURL); err != nil {
		return agent.Fatal("invalid repository URL %q: %v", repoURL, err)
	}

	if _, err := git.Clone(ctx, repoURL, dest, git.CloneOptions{Depth: a.depth}); err != nil {
		return agent.Retryable("clone %s: %v", repoURL, err)
	}

	return agent.Success("cloned %s", repoURL)
}

// endpoints picks the URL and destination for this agent's stage.
func (a *Agent) endpoints(job *model.Job, ws *workspace.Workspace) (string, string) {
	if a.stage == model.StageCloneTarget {
		return job.TargetRepoURL, ws.TargetDir
	}
	return job.SourceRepoURL, ws.SourceDir
}

// isPopulated reports whether dir exists and contains at least one entry.
func isPopulated(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
