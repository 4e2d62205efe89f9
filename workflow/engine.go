// Package workflow runs the migration pipeline. The engine consumes
// dispatch messages, claims stage executions, invokes agents, and
// records transitions; the sweeper re-enqueues work lost to dead
// workers; the submitter creates jobs and dispatches their first
// stage.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/metrics"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/queue"
	"github.com/c360studio/migrator/storage"
	"github.com/c360studio/migrator/workspace"
	"github.com/google/uuid"
)

// transientRetryDelay spaces out redeliveries caused by storage
// hiccups, as opposed to agent failures which use the retry policy.
const transientRetryDelay = 5 * time.Second

// errJobFinished reports that a guarded job update found the record in
// a terminal state, meaning cancel (or another worker) got there first.
var errJobFinished = errors.New("job reached a terminal state")

// Dispatcher enqueues stage execution messages. *queue.Dispatcher
// satisfies it; tests substitute a recorder.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string, stage model.Stage, attempt int) error
}

// EngineConfig carries the engine's collaborators and tuning.
type EngineConfig struct {
	Jobs       *storage.JobStore
	Claims     *storage.ClaimStore
	Dispatcher Dispatcher
	Workspaces *workspace.Manager
	Registry   *agent.Registry
	Policy     Policy

	// Concurrency bounds how many stages run in parallel across jobs.
	Concurrency int

	// Worker identifies this process on claims it takes. Defaults to
	// hostname plus a random suffix.
	Worker string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine is the worker runtime: it turns dispatch messages into agent
// runs and durable job transitions. Within a job, stages execute
// strictly in pipeline order; across jobs, up to Concurrency stages run
// at once. All cross-worker coordination goes through the claim store.
type Engine struct {
	jobs       *storage.JobStore
	claims     *storage.ClaimStore
	dispatcher Dispatcher
	workspaces *workspace.Manager
	registry   *agent.Registry
	policy     Policy
	metrics    *metrics.Metrics
	logger     *slog.Logger
	worker     string
	sem        chan struct{}
}

// NewEngine creates an engine. Jobs, Claims, Dispatcher, Workspaces,
// and Registry are required.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Jobs == nil || cfg.Claims == nil || cfg.Dispatcher == nil || cfg.Workspaces == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires jobs, claims, dispatcher, workspaces, and registry")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Worker == "" {
		host, _ := os.Hostname()
		cfg.Worker = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	return &Engine{
		jobs:       cfg.Jobs,
		claims:     cfg.Claims,
		dispatcher: cfg.Dispatcher,
		workspaces: cfg.Workspaces,
		registry:   cfg.Registry,
		policy:     cfg.Policy,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		worker:     cfg.Worker,
		sem:        make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Worker returns the identity recorded on claims this engine takes.
func (e *Engine) Worker() string {
	return e.worker
}

// Run consumes dispatch messages until ctx is cancelled, then drains.
// Handlers run on a context detached from ctx's cancellation so stages
// in flight at shutdown still record their outcome; deliveries that
// never started stay unacked and redeliver elsewhere.
func (e *Engine) Run(ctx context.Context, consumer *queue.Consumer) error {
	e.logger.Info("Engine started", "worker", e.worker, "concurrency", cap(e.sem))

	runCtx := context.WithoutCancel(ctx)
	stop, err := consumer.Consume(func(d queue.Delivery) {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-e.sem }()
			e.handle(runCtx, d)
		}()
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-ctx.Done()
	stop()

	// Drain in-flight handlers.
	for i := 0; i < cap(e.sem); i++ {
		e.sem <- struct{}{}
	}
	e.logger.Info("Engine stopped", "worker", e.worker)
	return nil
}

// handle processes one dispatch delivery end to end. Every exit path
// acks, drops, or schedules redelivery; the claim store guarantees
// duplicates cannot double-run a stage.
func (e *Engine) handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	log := e.logger.With("job_id", msg.JobID, "stage", msg.Stage)

	job, rev, err := e.jobs.GetWithRevision(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("Dropping dispatch for unknown job")
			e.drop(d, log)
			return
		}
		log.Error("Load job failed, scheduling redelivery", "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}

	if job.Status.IsTerminal() {
		log.Info("Dropping dispatch for finished job", "status", job.Status)
		e.drop(d, log)
		return
	}

	if job.Stage != msg.Stage {
		// The job has moved past this message's stage: either a plain
		// duplicate delivery, or a crash after the transition was
		// recorded but before the next stage was enqueued. Re-dispatching
		// the current stage repairs the latter; claim and message dedupe
		// make it a no-op for the former.
		if msg.Stage.Before(job.Stage) && job.Status == model.StatusRunning {
			e.redispatchCurrent(ctx, job, log)
		} else {
			log.Warn("Dropping dispatch that does not match job stage", "job_stage", job.Stage)
		}
		e.drop(d, log)
		return
	}

	// The durable attempt history, not the message, numbers this
	// attempt: delayed redeliveries re-use the original payload.
	attempts, err := e.claims.Attempts(ctx, msg.JobID, msg.Stage)
	if err != nil {
		log.Error("Load attempt history failed, scheduling redelivery", "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}
	attempt := len(attempts) + 1

	lease, err := e.claims.TryClaim(ctx, msg.JobID, msg.Stage, e.worker, attempt)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			log.Debug("Stage already claimed, dropping duplicate")
			e.metrics.DuplicateDropped()
			e.drop(d, log)
			return
		}
		if lease == nil {
			log.Error("Claim failed, scheduling redelivery", "error", err)
			e.redeliver(d, transientRetryDelay, log)
			return
		}
		// Claim is held but the history append failed; the history is
		// advisory, so proceed with the run.
		log.Warn("Attempt history append failed", "error", err)
	}
	if lease.TookOver {
		log.Warn("Took over expired lease from presumed-dead worker", "attempt", attempt)
		e.metrics.LeaseTakeover()
	}

	if job.Status == model.StatusQueued {
		job, rev, err = e.saveJob(ctx, job, rev, func(j *model.Job) {
			j.Status = model.StatusRunning
		})
		if err != nil {
			if errors.Is(err, errJobFinished) {
				e.releaseFailed(ctx, lease, "job cancelled before stage started", log)
				e.drop(d, log)
				return
			}
			log.Error("Mark running failed, scheduling redelivery", "error", err)
			e.releaseFailed(ctx, lease, "could not mark job running", log)
			e.redeliver(d, transientRetryDelay, log)
			return
		}
	}

	ws, err := e.workspaces.Ensure(job.ID)
	if err != nil {
		e.finishAttempt(ctx, d, job, rev, lease, attempt, agent.Retryable("prepare workspace: %v", err), log)
		return
	}

	ag, ok := e.registry.Get(msg.Stage)
	if !ok {
		// Registry construction guarantees full coverage; this guards a
		// miswired deployment.
		e.finishAttempt(ctx, d, job, rev, lease, attempt, agent.Fatal("no agent bound to stage %s", msg.Stage), log)
		return
	}

	log.Info("Stage started", "attempt", attempt, "worker", e.worker)
	start := time.Now()
	res := e.invoke(ctx, ag, job, ws)
	elapsed := time.Since(start)
	e.metrics.StageRun(msg.Stage, outcomeLabel(res), elapsed)

	if res.OK {
		log.Info("Stage succeeded", "attempt", attempt, "duration", elapsed, "detail", res.Message)
	} else {
		log.Warn("Stage failed", "attempt", attempt, "duration", elapsed, "kind", res.Kind, "error", res.Message)
	}

	e.finishAttempt(ctx, d, job, rev, lease, attempt, res, log)
}

// invoke runs the agent inside a recover boundary. A panicking agent
// must not take the worker down; the escape is classified fatal.
func (e *Engine) invoke(ctx context.Context, ag agent.Agent, job *model.Job, ws *workspace.Workspace) (res agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Agent panicked",
				"job_id", job.ID,
				"stage", ag.Stage(),
				"panic", r,
				"stack", string(debug.Stack()))
			res = agent.Fatal("stage %s panicked: %v", ag.Stage(), r)
		}
	}()
	return ag.Run(ctx, job, ws)
}

// finishAttempt releases the claim and applies the outcome: advance on
// success, delayed redelivery on retryable failure, terminal FAILED on
// fatal failure or an exhausted retry budget.
func (e *Engine) finishAttempt(ctx context.Context, d queue.Delivery, job *model.Job, rev uint64, lease *storage.Lease, attempt int, res agent.Result, log *slog.Logger) {
	if !res.OK && res.Kind == agent.FailureRetryable && e.policy.Exhausted(attempt) {
		res.Kind = agent.FailureFatal
		res.Message = fmt.Sprintf("%s (attempt %d of %d, retries exhausted)", res.Message, attempt, e.policy.MaxAttempts)
	}

	outcome := storage.OutcomeSucceeded
	errMsg := ""
	if !res.OK {
		outcome = storage.OutcomeFailed
		errMsg = res.Message
	}

	if err := e.claims.Release(ctx, lease, outcome, errMsg); err != nil {
		if errors.Is(err, storage.ErrStaleLease) {
			// The lease expired mid-run and another attempt took over.
			// That attempt owns the stage now; recording this result
			// would clobber its work.
			log.Warn("Lease expired during run, discarding result", "attempt", attempt)
			e.drop(d, log)
			return
		}
		log.Error("Release claim failed, scheduling redelivery", "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}

	switch {
	case res.OK:
		e.completeStage(ctx, d, job, rev, res, log)
	case res.Kind == agent.FailureFatal:
		e.failJob(ctx, d, job, rev, res.Message, log)
	default:
		delay := e.policy.Backoff(attempt)
		log.Warn("Scheduling retry", "attempt", attempt, "delay", delay)
		e.redeliver(d, delay, log)
	}
}

// completeStage records a successful attempt: merge artifacts, advance
// the stage (or mark DONE on the last one), then enqueue the next
// dispatch. The job update lands before the enqueue and before the ack,
// so a crash anywhere in between redelivers into the repair path
// instead of losing the transition.
func (e *Engine) completeStage(ctx context.Context, d queue.Delivery, job *model.Job, rev uint64, res agent.Result, log *slog.Logger) {
	next, hasNext := job.Stage.Next()

	job, _, err := e.saveJob(ctx, job, rev, func(j *model.Job) {
		j.MergeArtifacts(res.Artifacts)
		j.Error = ""
		if hasNext {
			j.Stage = next
		} else {
			j.Status = model.StatusDone
		}
	})
	if err != nil {
		if errors.Is(err, errJobFinished) {
			// Cancel won the race. The attempt is in the claim history;
			// the job stays where the cancel left it.
			log.Info("Job finished concurrently, not advancing", "status", job.Status)
			e.drop(d, log)
			return
		}
		log.Error("Record transition failed, scheduling redelivery", "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}

	if !hasNext {
		log.Info("Job complete")
		e.metrics.JobFinished(model.StatusDone)
		e.ack(d, log)
		return
	}

	if err := e.dispatcher.Enqueue(ctx, job.ID, next, 1); err != nil {
		// The transition is durable; redelivery of this message hits the
		// repair path and re-dispatches the current stage.
		log.Error("Enqueue next stage failed, scheduling redelivery", "next", next, "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}

	log.Info("Stage complete", "next", next)
	e.ack(d, log)
}

// failJob marks the job FAILED at its current stage. Artifacts from
// earlier stages stay on the record.
func (e *Engine) failJob(ctx context.Context, d queue.Delivery, job *model.Job, rev uint64, message string, log *slog.Logger) {
	job, _, err := e.saveJob(ctx, job, rev, func(j *model.Job) {
		j.Status = model.StatusFailed
		j.Error = message
	})
	if err != nil {
		if errors.Is(err, errJobFinished) {
			e.drop(d, log)
			return
		}
		log.Error("Record failure failed, scheduling redelivery", "error", err)
		e.redeliver(d, transientRetryDelay, log)
		return
	}

	log.Error("Job failed", "stage", job.Stage, "error", message)
	e.metrics.JobFinished(model.StatusFailed)
	e.ack(d, log)
}

// saveJob writes the job guarded by its revision, re-reading and
// re-applying on conflict. The only concurrent writer is cancellation,
// so a handful of rounds always settles. Returns errJobFinished (with
// the fresh record) once the stored job is terminal.
func (e *Engine) saveJob(ctx context.Context, job *model.Job, rev uint64, apply func(*model.Job)) (*model.Job, uint64, error) {
	for i := 0; i < 5; i++ {
		apply(job)
		newRev, err := e.jobs.Update(ctx, job, rev)
		if err == nil {
			return job, newRev, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return job, rev, err
		}

		fresh, freshRev, gerr := e.jobs.GetWithRevision(ctx, job.ID)
		if gerr != nil {
			return job, rev, gerr
		}
		if fresh.Status.IsTerminal() {
			return fresh, freshRev, errJobFinished
		}
		job, rev = fresh, freshRev
	}
	return job, rev, fmt.Errorf("job %s: update contention not settling", job.ID)
}

// redispatchCurrent re-enqueues the job's current stage when nothing
// has ever claimed it. That state is the signature of a crash between
// the recorded transition and the matching enqueue; message dedupe
// collapses the repair with a dispatch that did land.
func (e *Engine) redispatchCurrent(ctx context.Context, job *model.Job, log *slog.Logger) {
	attempts, err := e.claims.Attempts(ctx, job.ID, job.Stage)
	if err != nil {
		log.Warn("Repair dispatch skipped", "job_stage", job.Stage, "error", err)
		return
	}
	if len(attempts) > 0 {
		return
	}
	if err := e.dispatcher.Enqueue(ctx, job.ID, job.Stage, 1); err != nil {
		log.Warn("Repair dispatch failed", "job_stage", job.Stage, "error", err)
		return
	}
	log.Info("Re-dispatched current stage after lost enqueue", "job_stage", job.Stage)
}

func (e *Engine) releaseFailed(ctx context.Context, lease *storage.Lease, reason string, log *slog.Logger) {
	if err := e.claims.Release(ctx, lease, storage.OutcomeFailed, reason); err != nil && !errors.Is(err, storage.ErrStaleLease) {
		log.Warn("Release claim failed", "error", err)
	}
}

func (e *Engine) ack(d queue.Delivery, log *slog.Logger) {
	if err := d.Ack(); err != nil {
		log.Warn("Ack failed; message may redeliver", "error", err)
	}
}

func (e *Engine) drop(d queue.Delivery, log *slog.Logger) {
	if err := d.Drop(); err != nil {
		log.Warn("Drop failed; message may redeliver", "error", err)
	}
}

func (e *Engine) redeliver(d queue.Delivery, delay time.Duration, log *slog.Logger) {
	if err := d.Retry(delay); err != nil {
		log.Warn("Schedule redelivery failed; ack wait will redeliver instead", "error", err)
	}
}

func outcomeLabel(res agent.Result) string {
	if res.OK {
		return "succeeded"
	}
	return string(res.Kind)
}
