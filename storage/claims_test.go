package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/storage/storagetest"
)

func newTestClaimStore(ttl time.Duration) *ClaimStore {
	return NewClaimStoreWithBucket(storagetest.NewKV(BucketClaims), ttl)
}

func TestTryClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim wins and records an attempt", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		lease, err := s.TryClaim(ctx, "job-1", model.StageCloneSource, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if lease.Token == "" {
			t.Error("expected non-empty lease token")
		}
		if lease.TookOver {
			t.Error("fresh claim should not be a takeover")
		}

		attempts, err := s.Attempts(ctx, "job-1", model.StageCloneSource)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(attempts) != 1 {
			t.Fatalf("expected 1 attempt, got %d", len(attempts))
		}
		if attempts[0].Status != model.AttemptClaimed {
			t.Errorf("expected CLAIMED attempt, got %s", attempts[0].Status)
		}
		if attempts[0].ClaimedBy != lease.Token {
			t.Error("attempt record not bound to the lease token")
		}
	})

	t.Run("second claim while live loses", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		if _, err := s.TryClaim(ctx, "job-1", model.StageCloneSource, "worker-a", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err := s.TryClaim(ctx, "job-1", model.StageCloneSource, "worker-b", 1)
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("expected ErrAlreadyClaimed, got %v", err)
		}
	})

	t.Run("different stages claim independently", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		if _, err := s.TryClaim(ctx, "job-1", model.StageCloneSource, "worker-a", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := s.TryClaim(ctx, "job-1", model.StageCloneTarget, "worker-b", 1); err != nil {
			t.Errorf("unexpected error for independent stage: %v", err)
		}
		if _, err := s.TryClaim(ctx, "job-2", model.StageCloneSource, "worker-b", 1); err != nil {
			t.Errorf("unexpected error for independent job: %v", err)
		}
	})

	t.Run("claim after release issues a fresh token", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		first, err := s.TryClaim(ctx, "job-1", model.StageVerify, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Release(ctx, first, OutcomeFailed, "transient clone failure"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second, err := s.TryClaim(ctx, "job-1", model.StageVerify, "worker-b", 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second.Token == first.Token {
			t.Error("retry must not reuse the previous lease token")
		}
		if second.TookOver {
			t.Error("claim after clean release is not a takeover")
		}

		attempts, err := s.Attempts(ctx, "job-1", model.StageVerify)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(attempts) != 2 {
			t.Fatalf("expected 2 attempts, got %d", len(attempts))
		}
		if attempts[0].Status != model.AttemptFailed {
			t.Errorf("expected first attempt FAILED, got %s", attempts[0].Status)
		}
		if attempts[0].Error != "transient clone failure" {
			t.Errorf("unexpected attempt error: %s", attempts[0].Error)
		}
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		s := newTestClaimStore(10 * time.Millisecond)

		if _, err := s.TryClaim(ctx, "job-1", model.StageGenerateBackend, "worker-a", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		time.Sleep(30 * time.Millisecond)

		lease, err := s.TryClaim(ctx, "job-1", model.StageGenerateBackend, "worker-b", 1)
		if err != nil {
			t.Fatalf("expected takeover to succeed, got %v", err)
		}
		if !lease.TookOver {
			t.Error("expected TookOver to be set on lease-expiry takeover")
		}
	})

	t.Run("concurrent claims admit exactly one winner", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		const workers = 16
		var wg sync.WaitGroup
		results := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TryClaim(ctx, "job-1", model.StageDesignAPI, "worker", 1)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var wins, losses int
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly 1 winner, got %d", wins)
		}
		if losses != workers-1 {
			t.Errorf("expected %d losers, got %d", workers-1, losses)
		}
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("release closes the attempt record", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		lease, err := s.TryClaim(ctx, "job-1", model.StageIntakeUIContract, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Release(ctx, lease, OutcomeSucceeded, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		claim, err := s.GetClaim(ctx, "job-1", model.StageIntakeUIContract)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claim.State != ClaimStateReleased {
			t.Errorf("expected released claim, got %s", claim.State)
		}
		if claim.Outcome != OutcomeSucceeded {
			t.Errorf("expected succeeded outcome, got %s", claim.Outcome)
		}

		attempts, err := s.Attempts(ctx, "job-1", model.StageIntakeUIContract)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts[0].Status != model.AttemptSucceeded {
			t.Errorf("expected SUCCEEDED attempt, got %s", attempts[0].Status)
		}
		if attempts[0].FinishedAt == nil {
			t.Error("expected FinishedAt to be set")
		}
	})

	t.Run("release with a stale token fails", func(t *testing.T) {
		s := newTestClaimStore(10 * time.Millisecond)

		stale, err := s.TryClaim(ctx, "job-1", model.StageWireFrontend, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		time.Sleep(30 * time.Millisecond)

		fresh, err := s.TryClaim(ctx, "job-1", model.StageWireFrontend, "worker-b", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// The original holder comes back after losing its lease. Its
		// release must not touch the successor's claim.
		err = s.Release(ctx, stale, OutcomeSucceeded, "")
		if !errors.Is(err, ErrStaleLease) {
			t.Errorf("expected ErrStaleLease, got %v", err)
		}

		claim, err := s.GetClaim(ctx, "job-1", model.StageWireFrontend)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claim.State != ClaimStateHeld {
			t.Errorf("successor's claim must stay held, got %s", claim.State)
		}
		if claim.Token != fresh.Token {
			t.Error("successor's token must be untouched")
		}
	})

	t.Run("release of a claim that never existed fails", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		err := s.Release(ctx, &Lease{
			JobID: "job-x",
			Stage: model.StageCreatePR,
			Token: "made-up",
		}, OutcomeSucceeded, "")
		if !errors.Is(err, ErrStaleLease) {
			t.Errorf("expected ErrStaleLease, got %v", err)
		}
	})
}

func TestExpiredClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("lists held claims past their deadline", func(t *testing.T) {
		s := newTestClaimStore(10 * time.Millisecond)

		if _, err := s.TryClaim(ctx, "job-1", model.StageVerify, "worker-a", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		released, err := s.TryClaim(ctx, "job-2", model.StageVerify, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Release(ctx, released, OutcomeSucceeded, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		time.Sleep(30 * time.Millisecond)

		expired, err := s.ExpiredClaims(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(expired) != 1 {
			t.Fatalf("expected 1 expired claim, got %d", len(expired))
		}
		if expired[0].JobID != "job-1" {
			t.Errorf("unexpected expired claim: %+v", expired[0])
		}
	})

	t.Run("empty bucket lists nothing", func(t *testing.T) {
		s := newTestClaimStore(time.Minute)

		expired, err := s.ExpiredClaims(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(expired) != 0 {
			t.Errorf("expected no expired claims, got %d", len(expired))
		}
	})
}

func TestJobAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestClaimStore(time.Minute)

	for _, stage := range []model.Stage{model.StageCloneSource, model.StageCloneTarget} {
		lease, err := s.TryClaim(ctx, "job-1", stage, "worker-a", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Release(ctx, lease, OutcomeSucceeded, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	attempts, err := s.JobAttempts(ctx, "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Stage != model.StageCloneSource || attempts[1].Stage != model.StageCloneTarget {
		t.Error("attempts not returned in pipeline order")
	}
}
