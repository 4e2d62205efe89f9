// Package agent defines the contract every pipeline stage handler
// implements. Concrete agents live in subpackages; the worker runtime
// binds them to stages at startup.
package agent

import (
	"context"
	"fmt"

	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

// FailureKind classifies a failed run for the retry policy.
type FailureKind string

const (
	// FailureNone marks a successful run.
	FailureNone FailureKind = ""

	// FailureRetryable marks a failure worth re-dispatching, subject to
	// the attempt cap.
	FailureRetryable FailureKind = "retryable"

	// FailureFatal marks a failure that ends the job immediately.
	FailureFatal FailureKind = "fatal"
)

// Result is the outcome of one stage run.
type Result struct {
	// OK reports whether the stage succeeded.
	OK bool

	// Message is a human-readable summary, surfaced on the job record
	// when the run fails.
	Message string

	// Kind classifies failures for the retry policy. Empty on success.
	Kind FailureKind

	// Artifacts maps artifact keys to workspace-relative paths produced
	// by this run, merged into the job record on success.
	Artifacts map[string]string
}

// Success returns a passing result.
func Success(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

// Retryable returns a failing result the engine may re-dispatch.
func Retryable(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), Kind: FailureRetryable}
}

// Fatal returns a failing result that ends the job.
func Fatal(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), Kind: FailureFatal}
}

// WithArtifacts attaches artifact paths to a result.
func (r Result) WithArtifacts(artifacts map[string]string) Result {
	r.Artifacts = artifacts
	return r
}

// Agent runs one pipeline stage. Implementations must be idempotent
// under re-runs, surface every internal error through the Result (no
// silent failure), and confine side effects to the workspace and the
// collaborators they were constructed with.
type Agent interface {
	// Stage identifies the pipeline stage this agent handles.
	Stage() model.Stage

	// Run executes the stage for one job. It must not panic; the worker
	// runtime treats an escaped panic as a fatal failure.
	Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) Result
}
