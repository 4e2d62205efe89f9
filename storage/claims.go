package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/migrator/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// ClaimState represents the lifecycle state of a stage claim.
type ClaimState string

const (
	ClaimStateHeld     ClaimState = "held"
	ClaimStateReleased ClaimState = "released"
)

// Outcome records how a claimed stage execution ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Claim is the durable record of stage execution ownership. At most
// one live claim exists per job and stage; duplicate deliveries of the
// same dispatch message lose the claim race and drop out.
type Claim struct {
	JobID      string      `json:"job_id"`
	Stage      model.Stage `json:"stage"`
	Token      string      `json:"token"`
	Worker     string      `json:"worker"`
	Attempt    int         `json:"attempt"`
	State      ClaimState  `json:"state"`
	ClaimedAt  time.Time   `json:"claimed_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ReleasedAt *time.Time  `json:"released_at,omitempty"`
	Outcome    Outcome     `json:"outcome,omitempty"`
}

// Live reports whether the claim is held and its lease has not
// expired at the given instant.
func (c *Claim) Live(now time.Time) bool {
	return c.State == ClaimStateHeld && now.Before(c.ExpiresAt)
}

// Expired reports whether the claim is held past its lease deadline,
// meaning the holding worker is presumed dead.
func (c *Claim) Expired(now time.Time) bool {
	return c.State == ClaimStateHeld && !now.Before(c.ExpiresAt)
}

// Lease is the holder's handle on a live claim. The token is the
// fencing value every release must present; a worker that lost its
// claim to a lease-expiry takeover fails the token check instead of
// overwriting the successor's work.
type Lease struct {
	JobID   string
	Stage   model.Stage
	Token   string
	Attempt int

	// TookOver is set when the claim was acquired by expiring a
	// previous holder's lease. Callers log this loudly.
	TookOver bool
}

// ClaimStore persists stage claims and per-stage attempt history.
type ClaimStore struct {
	kv       KV
	leaseTTL time.Duration
}

// NewClaimStore creates a claim store backed by the claims KV bucket,
// creating the bucket if it does not exist.
func NewClaimStore(ctx context.Context, js jetstream.JetStream, leaseTTL time.Duration) (*ClaimStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketClaims)
	if err != nil {
		return nil, fmt.Errorf("create claims bucket: %w", err)
	}
	return NewClaimStoreWithBucket(kv, leaseTTL), nil
}

// NewClaimStoreWithBucket creates a claim store over an existing
// bucket.
func NewClaimStoreWithBucket(kv KV, leaseTTL time.Duration) *ClaimStore {
	return &ClaimStore{kv: kv, leaseTTL: leaseTTL}
}

func claimKey(jobID string, stage model.Stage) string {
	return fmt.Sprintf("claim.%s.%s", jobID, stage)
}

func attemptsKey(jobID string, stage model.Stage) string {
	return fmt.Sprintf("attempts.%s.%s", jobID, stage)
}

// TryClaim attempts to take ownership of one stage execution for a
// job. Exactly one caller wins per live claim window; every loser gets
// ErrAlreadyClaimed. A claim whose lease has expired can be taken over,
// on the assumption that the previous holder died mid-stage.
func (s *ClaimStore) TryClaim(ctx context.Context, jobID string, stage model.Stage, worker string, attempt int) (*Lease, error) {
	now := time.Now().UTC()
	claim := Claim{
		JobID:     jobID,
		Stage:     stage,
		Token:     uuid.New().String(),
		Worker:    worker,
		Attempt:   attempt,
		State:     ClaimStateHeld,
		ClaimedAt: now,
		ExpiresAt: now.Add(s.leaseTTL),
	}

	key := claimKey(jobID, stage)
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("get claim: %w", err)
		}

		// First claim for this job and stage. Create is atomic; if two
		// workers race here the second one conflicts and drops out.
		data, merr := json.Marshal(&claim)
		if merr != nil {
			return nil, fmt.Errorf("marshal claim: %w", merr)
		}
		if _, cerr := s.kv.Create(ctx, key, data); cerr != nil {
			if isConflict(cerr) {
				return nil, ErrAlreadyClaimed
			}
			return nil, fmt.Errorf("create claim: %w", cerr)
		}

		lease := s.newLease(&claim, false)
		if aerr := s.appendAttempt(ctx, &claim); aerr != nil {
			return lease, aerr
		}
		return lease, nil
	}

	var existing Claim
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return nil, fmt.Errorf("unmarshal claim: %w", err)
	}

	if existing.Live(now) {
		return nil, ErrAlreadyClaimed
	}

	// Either the previous attempt released its claim, or the holder's
	// lease expired. Replace the record guarded by the revision we
	// read; losing that race means someone else claimed first.
	tookOver := existing.Expired(now)
	data, err := json.Marshal(&claim)
	if err != nil {
		return nil, fmt.Errorf("marshal claim: %w", err)
	}
	if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
		if isConflict(err) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("update claim: %w", err)
	}

	lease := s.newLease(&claim, tookOver)
	if err := s.appendAttempt(ctx, &claim); err != nil {
		return lease, err
	}
	return lease, nil
}

func (s *ClaimStore) newLease(claim *Claim, tookOver bool) *Lease {
	return &Lease{
		JobID:    claim.JobID,
		Stage:    claim.Stage,
		Token:    claim.Token,
		Attempt:  claim.Attempt,
		TookOver: tookOver,
	}
}

// Release ends a claimed stage execution with the given outcome. The
// lease token must still match the live claim; a mismatch means the
// lease expired and another worker took over, and the caller's work
// must be discarded, not recorded.
func (s *ClaimStore) Release(ctx context.Context, lease *Lease, outcome Outcome, errMsg string) error {
	key := claimKey(lease.JobID, lease.Stage)
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrStaleLease
		}
		return fmt.Errorf("get claim: %w", err)
	}

	var claim Claim
	if err := json.Unmarshal(entry.Value(), &claim); err != nil {
		return fmt.Errorf("unmarshal claim: %w", err)
	}

	if claim.Token != lease.Token {
		return ErrStaleLease
	}

	now := time.Now().UTC()
	claim.State = ClaimStateReleased
	claim.ReleasedAt = &now
	claim.Outcome = outcome

	data, err := json.Marshal(&claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
		if isConflict(err) {
			return ErrStaleLease
		}
		return fmt.Errorf("release claim: %w", err)
	}

	return s.finishAttempt(ctx, lease, outcome, errMsg, now)
}

// GetClaim returns the current claim record for a job stage.
func (s *ClaimStore) GetClaim(ctx context.Context, jobID string, stage model.Stage) (*Claim, error) {
	entry, err := s.kv.Get(ctx, claimKey(jobID, stage))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}

	var claim Claim
	if err := json.Unmarshal(entry.Value(), &claim); err != nil {
		return nil, fmt.Errorf("unmarshal claim: %w", err)
	}
	return &claim, nil
}

// ExpiredClaims returns every held claim whose lease deadline has
// passed. The sweeper re-enqueues these stages.
func (s *ClaimStore) ExpiredClaims(ctx context.Context) ([]Claim, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list claim keys: %w", err)
	}

	now := time.Now().UTC()
	var expired []Claim
	for _, key := range keys {
		if !strings.HasPrefix(key, "claim.") {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var claim Claim
		if err := json.Unmarshal(entry.Value(), &claim); err != nil {
			continue
		}
		if claim.Expired(now) {
			expired = append(expired, claim)
		}
	}
	return expired, nil
}

// Attempts returns the attempt history for one job stage, oldest
// first.
func (s *ClaimStore) Attempts(ctx context.Context, jobID string, stage model.Stage) ([]model.StageAttempt, error) {
	entry, err := s.kv.Get(ctx, attemptsKey(jobID, stage))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attempts: %w", err)
	}

	var attempts []model.StageAttempt
	if err := json.Unmarshal(entry.Value(), &attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return attempts, nil
}

// JobAttempts returns the attempt history for every stage of a job in
// pipeline order.
func (s *ClaimStore) JobAttempts(ctx context.Context, jobID string) ([]model.StageAttempt, error) {
	var all []model.StageAttempt
	for _, stage := range model.Stages() {
		attempts, err := s.Attempts(ctx, jobID, stage)
		if err != nil {
			return nil, err
		}
		all = append(all, attempts...)
	}
	return all, nil
}

// appendAttempt records a freshly claimed attempt. Attempt history is
// advisory; it is written without revision guards because only the
// live claim holder appends for its own token.
func (s *ClaimStore) appendAttempt(ctx context.Context, claim *Claim) error {
	attempts, err := s.Attempts(ctx, claim.JobID, claim.Stage)
	if err != nil {
		return err
	}

	attempts = append(attempts, model.StageAttempt{
		JobID:         claim.JobID,
		Stage:         claim.Stage,
		AttemptNumber: claim.Attempt,
		Status:        model.AttemptClaimed,
		ClaimedBy:     claim.Token,
		Worker:        claim.Worker,
		StartedAt:     claim.ClaimedAt,
	})

	data, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	if _, err := s.kv.Put(ctx, attemptsKey(claim.JobID, claim.Stage), data); err != nil {
		return fmt.Errorf("store attempts: %w", err)
	}
	return nil
}

// finishAttempt closes the attempt record matching the released lease.
func (s *ClaimStore) finishAttempt(ctx context.Context, lease *Lease, outcome Outcome, errMsg string, finishedAt time.Time) error {
	attempts, err := s.Attempts(ctx, lease.JobID, lease.Stage)
	if err != nil {
		return err
	}

	status := model.AttemptSucceeded
	if outcome == OutcomeFailed {
		status = model.AttemptFailed
	}

	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].ClaimedBy != lease.Token {
			continue
		}
		attempts[i].Status = status
		attempts[i].FinishedAt = &finishedAt
		attempts[i].Error = errMsg
		break
	}

	data, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	if _, err := s.kv.Put(ctx, attemptsKey(lease.JobID, lease.Stage), data); err != nil {
		return fmt.Errorf("store attempts: %w", err)
	}
	return nil
}
