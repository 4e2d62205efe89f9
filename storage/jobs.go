package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/migrator/model"
	"github.com/nats-io/nats.go/jetstream"
)

// JobStore persists job records keyed by job ID.
type JobStore struct {
	kv KV
}

// NewJobStore creates a job store backed by the jobs KV bucket,
// creating the bucket if it does not exist.
func NewJobStore(ctx context.Context, js jetstream.JetStream) (*JobStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketJobs)
	if err != nil {
		return nil, fmt.Errorf("create jobs bucket: %w", err)
	}
	return NewJobStoreWithBucket(kv), nil
}

// NewJobStoreWithBucket creates a job store over an existing bucket.
func NewJobStoreWithBucket(kv KV) *JobStore {
	return &JobStore{kv: kv}
}

// Create stores a new job. The job ID must not already exist.
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if _, err := s.kv.Create(ctx, job.ID, data); err != nil {
		if isConflict(err) {
			return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
		}
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	job, _, err := s.GetWithRevision(ctx, id)
	return job, err
}

// GetWithRevision retrieves a job together with the KV revision that
// produced it, for use in a later guarded Update.
func (s *JobStore) GetWithRevision(ctx context.Context, id string) (*model.Job, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, entry.Revision(), nil
}

// Update writes a job guarded by the revision a prior read returned.
// A concurrent writer in between surfaces as ErrConflict; callers
// re-read and reconcile rather than overwrite. Returns the new
// revision.
func (s *JobStore) Update(ctx context.Context, job *model.Job, revision uint64) (uint64, error) {
	job.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}

	rev, err := s.kv.Update(ctx, job.ID, data, revision)
	if err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("job %s: %w", job.ID, ErrConflict)
		}
		return 0, fmt.Errorf("update job: %w", err)
	}
	return rev, nil
}

// List returns all jobs, newest first.
func (s *JobStore) List(ctx context.Context) ([]*model.Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}

	jobs := make([]*model.Job, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var job model.Job
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}
