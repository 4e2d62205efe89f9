package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/storage"
	"github.com/c360studio/migrator/storage/storagetest"
)

func newTestSubmitter(t *testing.T) (*Submitter, *storage.JobStore, *fakeDispatcher) {
	t.Helper()
	jobs := storage.NewJobStoreWithBucket(storagetest.NewKV(storage.BucketJobs))
	dispatcher := &fakeDispatcher{}
	return NewSubmitter(jobs, dispatcher, nil, discardLogger()), jobs, dispatcher
}

func TestSubmitStoresAndDispatchesFirstStage(t *testing.T) {
	ctx := context.Background()
	sub, jobs, dispatcher := newTestSubmitter(t)

	job := model.NewJob("https://github.com/acme/shop-ui.git", "https://github.com/acme/shop-api.git",
		model.BackendPython, model.DBHybrid, model.CommitPR)
	if err := sub.Submit(ctx, job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stored, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if stored.Status != model.StatusQueued || stored.Stage != model.FirstStage() {
		t.Errorf("expected QUEUED at %s, got %s/%s", model.FirstStage(), stored.Status, stored.Stage)
	}

	msgs := dispatcher.all()
	if len(msgs) != 1 || msgs[0].jobID != job.ID || msgs[0].stage != model.FirstStage() || msgs[0].attempt != 1 {
		t.Errorf("expected first-stage dispatch, got %+v", msgs)
	}
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	ctx := context.Background()
	sub, jobs, dispatcher := newTestSubmitter(t)

	job := model.NewJob("", "https://github.com/acme/shop-api.git",
		model.BackendPython, model.DBPostgres, model.CommitPR)
	if err := sub.Submit(ctx, job); err == nil {
		t.Fatal("expected validation error")
	}

	if list, _ := jobs.List(ctx); len(list) != 0 {
		t.Error("invalid job must not be stored")
	}
	if len(dispatcher.all()) != 0 {
		t.Error("invalid job must not be dispatched")
	}
}

func TestSubmitSurvivesDispatchFailure(t *testing.T) {
	ctx := context.Background()
	sub, jobs, dispatcher := newTestSubmitter(t)
	dispatcher.err = fmt.Errorf("nats unavailable")

	job := model.NewJob("https://github.com/acme/shop-ui.git", "https://github.com/acme/shop-api.git",
		model.BackendNode, model.DBMongo, model.CommitDirect)
	if err := sub.Submit(ctx, job); err != nil {
		t.Fatalf("submit should succeed and leave the dispatch to the sweeper: %v", err)
	}

	if _, err := jobs.Get(ctx, job.ID); err != nil {
		t.Errorf("job must be stored despite the failed dispatch: %v", err)
	}
}

func TestCancelFlipsRunnableJobs(t *testing.T) {
	ctx := context.Background()
	sub, jobs, _ := newTestSubmitter(t)

	job := model.NewJob("https://github.com/acme/shop-ui.git", "https://github.com/acme/shop-api.git",
		model.BackendPython, model.DBPostgres, model.CommitPR)
	if err := sub.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}

	cancelled, err := sub.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	// Cancelling again is a no-op, not an error.
	again, err := sub.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", again.Status)
	}

	stored, _ := jobs.Get(ctx, job.ID)
	if stored.Status != model.StatusCancelled {
		t.Errorf("store should hold CANCELLED, got %s", stored.Status)
	}
}

func TestCancelRejectsFinishedJobs(t *testing.T) {
	ctx := context.Background()
	sub, jobs, _ := newTestSubmitter(t)

	job := model.NewJob("https://github.com/acme/shop-ui.git", "https://github.com/acme/shop-api.git",
		model.BackendPython, model.DBPostgres, model.CommitPR)
	if err := sub.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, rev, _ := jobs.GetWithRevision(ctx, job.ID)
	stored.Status = model.StatusDone
	stored.Stage = model.StageCreatePR
	if _, err := jobs.Update(ctx, stored, rev); err != nil {
		t.Fatal(err)
	}

	if _, err := sub.Cancel(ctx, job.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	ctx := context.Background()
	sub, _, _ := newTestSubmitter(t)

	if _, err := sub.Cancel(ctx, "no-such-job"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
