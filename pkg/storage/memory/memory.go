package memory

import (
	"context"
	"sort"
	"sync"

	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

// Storage keeps snapshots in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu    sync.RWMutex
	recs  map[int64]*snapshot.Snapshot
	blobs map[string][]byte
}

// New creates an in-memory storage backend.
func New() *Storage {
	return &Storage{
		recs:  make(map[int64]*snapshot.Snapshot),
		blobs: make(map[string][]byte),
	}
}

// Get retrieves the record at key.
func (s *Storage) Get(ctx context.Context, key int64) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// Put upserts a record by its Time key.
func (s *Storage) Put(ctx context.Context, rec *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Time] = rec.Clone()
	return nil
}

// PutBatch upserts records in slice order.
func (s *Storage) PutBatch(ctx context.Context, recs []*snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.recs[rec.Time] = rec.Clone()
	}
	return nil
}

// Range returns records with low <= key <= high in ascending order.
func (s *Storage) Range(ctx context.Context, low, high int64) ([]*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*snapshot.Snapshot
	for k, rec := range s.recs {
		if k >= low && k <= high {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// DeleteRange removes records with low <= key <= high.
func (s *Storage) DeleteRange(ctx context.Context, low, high int64) (int, error) {
	if low > high {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for k := range s.recs {
		if k >= low && k <= high {
			delete(s.recs, k)
			deleted++
		}
	}
	return deleted, nil
}

// Delete removes a single record.
func (s *Storage) Delete(ctx context.Context, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, key)
	return nil
}

// OldestKey returns the smallest stored key.
func (s *Storage) OldestKey(ctx context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest int64
	var found bool
	for k := range s.recs {
		if !found || k < oldest {
			oldest = k
			found = true
		}
	}
	return oldest, found, nil
}

// NewestKey returns the largest stored key.
func (s *Storage) NewestKey(ctx context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest int64
	var found bool
	for k := range s.recs {
		if !found || k > newest {
			newest = k
			found = true
		}
	}
	return newest, found, nil
}

// Count returns the number of stored records.
func (s *Storage) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.recs)), nil
}

// LoadBlob reads a configuration blob.
func (s *Storage) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// SaveBlob writes a configuration blob.
func (s *Storage) SaveBlob(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = append([]byte(nil), data...)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Storage) Close() error {
	return nil
}
