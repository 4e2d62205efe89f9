package model

import "time"

// AttemptStatus represents the state of one stage execution try.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptClaimed   AttemptStatus = "CLAIMED"
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
)

// IsValid checks if the attempt status is known.
func (a AttemptStatus) IsValid() bool {
	switch a {
	case AttemptPending, AttemptClaimed, AttemptSucceeded, AttemptFailed:
		return true
	}
	return false
}

// String returns the string representation of the attempt status.
func (a AttemptStatus) String() string {
	return string(a)
}

// StageAttempt is one execution try of a (job, stage) pair. Completed
// attempts are append-only audit records; at most one attempt per
// (job, stage) may be CLAIMED at any time.
type StageAttempt struct {
	JobID         string        `json:"job_id"`
	Stage         Stage         `json:"stage"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`

	// ClaimedBy is the lease token proving ownership of an in-progress
	// attempt. Only the holder may release it.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// Worker identifies the worker process that claimed the attempt.
	Worker string `json:"worker,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}
