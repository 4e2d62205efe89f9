// Package storage persists jobs and stage claims in NATS KV. All
// writes that guard pipeline correctness go through compare-and-swap
// on KV revisions; plain puts are reserved for advisory records such
// as attempt history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketJobs   = "MIGRATOR_JOBS"
	BucketClaims = "MIGRATOR_CLAIMS"
)

// KV is the subset of jetstream.KeyValue the stores use. It exists so
// tests can run against an in-memory bucket; jetstream.KeyValue
// satisfies it directly.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Migrator %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isConflict checks if an error indicates a create or update lost to a
// concurrent writer. The server reports both as a wrong-last-sequence
// condition, which the client surfaces through ErrKeyExists.
func isConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}
