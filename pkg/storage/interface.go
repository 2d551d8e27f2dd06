package storage

import (
	"context"
	"errors"

	"heatvault/pkg/snapshot"
)

// ErrNotFound is returned by Get and LoadBlob when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the keyed snapshot table: one record per epoch-second key.
// Implementations: memory (testing), badger (production).
//
// Range bounds are inclusive on both ends. DeleteRange with low > high is
// a no-op, not an error. Every operation runs inside its own transaction.
type Store interface {
	// Get retrieves the record at key, or ErrNotFound.
	Get(ctx context.Context, key int64) (*snapshot.Snapshot, error)

	// Put upserts a record by its Time key.
	Put(ctx context.Context, rec *snapshot.Snapshot) error

	// PutBatch upserts records in one transaction, in slice order.
	// A record that fails to encode is skipped, not fatal to the batch.
	PutBatch(ctx context.Context, recs []*snapshot.Snapshot) error

	// Range returns records with low <= key <= high in ascending key order.
	Range(ctx context.Context, low, high int64) ([]*snapshot.Snapshot, error)

	// DeleteRange removes records with low <= key <= high. Returns the
	// number of records removed.
	DeleteRange(ctx context.Context, low, high int64) (int, error)

	// Delete removes a single record. Missing keys are not an error.
	Delete(ctx context.Context, key int64) error

	// OldestKey returns the smallest key, with ok=false for an empty store.
	OldestKey(ctx context.Context) (key int64, ok bool, err error)

	// NewestKey returns the largest key, with ok=false for an empty store.
	NewestKey(ctx context.Context) (key int64, ok bool, err error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// LoadBlob and SaveBlob persist small configuration documents next to
	// the snapshot table (the durable compaction config lives here).
	LoadBlob(ctx context.Context, name string) ([]byte, error)
	SaveBlob(ctx context.Context, name string, data []byte) error

	// Close cleanly shuts down the backend.
	Close() error
}
