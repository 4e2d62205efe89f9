package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/migrator/metrics"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/storage"
)

// ErrNotCancellable reports a cancel against a job that already
// reached a terminal status.
var ErrNotCancellable = errors.New("job already finished")

// Submitter creates jobs and controls their lifecycle from outside the
// pipeline: submission dispatches the first stage, cancellation flips
// the record so workers drop the job at the next stage boundary.
type Submitter struct {
	jobs       *storage.JobStore
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(jobs *storage.JobStore, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Submitter{jobs: jobs, dispatcher: dispatcher, metrics: m, logger: logger}
}

// Submit validates and stores the job, then dispatches its first
// stage. A crash between the store and the dispatch leaves a QUEUED
// job the sweeper picks up.
func (s *Submitter) Submit(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("store job: %w", err)
	}

	if err := s.dispatcher.Enqueue(ctx, job.ID, job.Stage, 1); err != nil {
		s.logger.Error("First dispatch failed; sweeper will retry", "job_id", job.ID, "error", err)
	}

	s.metrics.JobSubmitted()
	s.logger.Info("Job submitted",
		"job_id", job.ID,
		"source", job.SourceRepoURL,
		"target", job.TargetRepoURL,
		"backend_stack", job.BackendStack,
		"db_stack", job.DBStack,
		"commit_mode", job.CommitMode)
	return nil
}

// Cancel flips a QUEUED or RUNNING job to CANCELLED. Workers observe
// the flip at the next stage boundary; a stage already in flight
// finishes but its transition does not advance the job. Terminal jobs
// return ErrNotCancellable.
func (s *Submitter) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	for i := 0; i < 5; i++ {
		job, rev, err := s.jobs.GetWithRevision(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status == model.StatusCancelled {
			return job, nil
		}
		if job.Status.IsTerminal() {
			return job, ErrNotCancellable
		}

		job.Status = model.StatusCancelled
		if _, err := s.jobs.Update(ctx, job, rev); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}

		s.metrics.JobFinished(model.StatusCancelled)
		s.logger.Info("Job cancelled", "job_id", jobID, "stage", job.Stage)
		return job, nil
	}
	return nil, fmt.Errorf("job %s: cancel contention not settling", jobID)
}
