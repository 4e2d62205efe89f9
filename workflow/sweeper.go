package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/migrator/metrics"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/storage"
)

// minOrphanAge keeps the sweeper from racing a first dispatch that is
// merely sitting in the queue backlog.
const minOrphanAge = 2 * time.Minute

// Sweeper repairs the two ways a job can stall without ever failing:
// a worker that died holding a claim past its lease TTL, and a QUEUED
// job whose first dispatch was lost before it was published. Both
// repairs are re-enqueues; the claim store and message dedupe absorb
// any the queue did not actually need.
type Sweeper struct {
	jobs       *storage.JobStore
	claims     *storage.ClaimStore
	dispatcher Dispatcher
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSweeper creates a sweeper that scans every interval.
func NewSweeper(jobs *storage.JobStore, claims *storage.ClaimStore, dispatcher Dispatcher, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		jobs:       jobs,
		claims:     claims,
		dispatcher: dispatcher,
		interval:   interval,
		metrics:    m,
		logger:     logger,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep pass failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass and returns how many stages it re-enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	requeued := 0

	expired, err := s.claims.ExpiredClaims(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		if s.requeueExpired(ctx, &expired[i]) {
			requeued++
		}
	}

	orphans, err := s.requeueOrphans(ctx)
	if err != nil {
		// Expired-lease repair already ran; report the count we have.
		s.logger.Error("Orphan scan failed", "error", err)
		return requeued, nil
	}
	return requeued + orphans, nil
}

// requeueExpired re-enqueues the stage a presumed-dead worker was
// holding. The claim record stays held-but-expired until the fresh
// attempt's claim takes it over, so repeat sweeps retry the enqueue
// until that happens.
func (s *Sweeper) requeueExpired(ctx context.Context, claim *storage.Claim) bool {
	log := s.logger.With("job_id", claim.JobID, "stage", claim.Stage, "worker", claim.Worker)

	job, err := s.jobs.Get(ctx, claim.JobID)
	if err != nil {
		log.Warn("Skipping expired claim, job not loadable", "error", err)
		return false
	}
	if job.Status.IsTerminal() || job.Stage != claim.Stage {
		return false
	}

	attempts, err := s.claims.Attempts(ctx, claim.JobID, claim.Stage)
	if err != nil {
		log.Warn("Skipping expired claim, history not loadable", "error", err)
		return false
	}

	attempt := len(attempts) + 1
	if err := s.dispatcher.Enqueue(ctx, claim.JobID, claim.Stage, attempt); err != nil {
		log.Error("Re-enqueue for expired lease failed", "error", err)
		return false
	}

	log.Warn("Re-enqueued stage with expired lease", "attempt", attempt, "expired_at", claim.ExpiresAt)
	s.metrics.SweeperRequeue()
	return true
}

// requeueOrphans dispatches QUEUED jobs that have aged past the
// submit/enqueue crash window without a single recorded attempt.
func (s *Sweeper) requeueOrphans(ctx context.Context) (int, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	requeued := 0
	for _, job := range jobs {
		if job.Status != model.StatusQueued || now.Sub(job.UpdatedAt) < minOrphanAge {
			continue
		}
		attempts, err := s.claims.Attempts(ctx, job.ID, job.Stage)
		if err != nil || len(attempts) > 0 {
			continue
		}
		if err := s.dispatcher.Enqueue(ctx, job.ID, job.Stage, 1); err != nil {
			s.logger.Error("Re-enqueue for orphaned job failed", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Warn("Re-enqueued orphaned job", "job_id", job.ID, "stage", job.Stage, "queued_since", job.UpdatedAt)
		s.metrics.SweeperRequeue()
		requeued++
	}
	return requeued, nil
}
