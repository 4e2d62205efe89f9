// Package storagetest provides an in-memory KV bucket with real create
// and revision-guard semantics, for exercising store behavior without
// a NATS server.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type record struct {
	value    []byte
	revision uint64
	created  time.Time
}

// KV is an in-memory bucket. It implements the same subset of
// jetstream.KeyValue the stores depend on, including conflict errors
// that match the real client's.
type KV struct {
	mu       sync.Mutex
	name     string
	records  map[string]*record
	revision uint64
}

// NewKV creates an empty in-memory bucket.
func NewKV(name string) *KV {
	return &KV{
		name:    name,
		records: make(map[string]*record),
	}
}

// Get returns the entry for a key.
func (kv *KV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rec, ok := kv.records[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return kv.entryLocked(key, rec), nil
}

// Create stores a value only if the key does not exist yet.
func (kv *KV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, ok := kv.records[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return kv.storeLocked(key, value), nil
}

// Put stores a value unconditionally.
func (kv *KV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	return kv.storeLocked(key, value), nil
}

// Update stores a value only if the key's current revision matches.
func (kv *KV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rec, ok := kv.records[key]
	if !ok {
		return 0, jetstream.ErrKeyNotFound
	}
	if rec.revision != revision {
		return 0, jetstream.ErrKeyExists
	}
	return kv.storeLocked(key, value), nil
}

// Keys returns all keys in the bucket, sorted.
func (kv *KV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if len(kv.records) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}

	keys := make([]string, 0, len(kv.records))
	for key := range kv.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *KV) storeLocked(key string, value []byte) uint64 {
	kv.revision++
	data := make([]byte, len(value))
	copy(data, value)

	rec, ok := kv.records[key]
	if !ok {
		rec = &record{created: time.Now()}
		kv.records[key] = rec
	}
	rec.value = data
	rec.revision = kv.revision
	return kv.revision
}

func (kv *KV) entryLocked(key string, rec *record) jetstream.KeyValueEntry {
	value := make([]byte, len(rec.value))
	copy(value, rec.value)
	return &entry{
		bucket:   kv.name,
		key:      key,
		value:    value,
		revision: rec.revision,
		created:  rec.created,
	}
}

type entry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
}

func (e *entry) Bucket() string                  { return e.bucket }
func (e *entry) Key() string                     { return e.key }
func (e *entry) Value() []byte                   { return e.value }
func (e *entry) Revision() uint64                { return e.revision }
func (e *entry) Created() time.Time              { return e.created }
func (e *entry) Delta() uint64                   { return 0 }
func (e *entry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
