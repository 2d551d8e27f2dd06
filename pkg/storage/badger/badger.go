package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

// Key layout:
//
//	's' + 8-byte big-endian key  -> JSON snapshot
//	'b' + name                   -> configuration blob
//
// Big-endian keys keep badger's iteration order equal to timestamp order.
var (
	snapPrefix = []byte{'s'}
	blobPrefix = []byte{'b'}
)

// Storage implements storage.Store on BadgerDB (LSM tree).
type Storage struct {
	db  *badger.DB
	log *zap.Logger
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage (0 = conservative default).
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend tuned for a small append-mostly
// time-series table.
func New(cfg Config, log *zap.Logger) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger's defaults assume a server; a snapshot-per-second feed fits in
	// a fraction of that. 16 MB memtable is the floor before flush churn.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Storage{db: db, log: log.Named("badger")}, nil
}

// Get retrieves the record at key.
func (s *Storage) Get(ctx context.Context, key int64) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *snapshot.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(key))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = snapshot.Decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put upserts a record by its Time key.
func (s *Storage) Put(ctx context.Context, rec *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := rec.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(rec.Time), val)
	})
}

// PutBatch upserts records in one transaction, in slice order. Records
// that fail to encode are logged and skipped.
func (s *Storage) PutBatch(ctx context.Context, recs []*snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i, rec := range recs {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			val, err := rec.Encode()
			if err != nil {
				s.log.Warn("skipping unencodable record",
					zap.Int64("key", rec.Time), zap.Error(err))
				continue
			}
			if err := txn.Set(snapKey(rec.Time), val); err != nil {
				return fmt.Errorf("put key %d: %w", rec.Time, err)
			}
		}
		return nil
	})
}

// Range returns records with low <= key <= high in ascending order.
func (s *Storage) Range(ctx context.Context, low, high int64) ([]*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if low > high {
		return nil, nil
	}

	var out []*snapshot.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		end := snapKey(high)
		var n int
		for it.Seek(snapKey(low)); it.Valid(); it.Next() {
			n++
			if n%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			item := it.Item()
			if keyCompare(item.Key(), end) > 0 {
				break
			}
			err := item.Value(func(val []byte) error {
				rec, err := snapshot.Decode(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRange removes records with low <= key <= high.
func (s *Storage) DeleteRange(ctx context.Context, low, high int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if low > high {
		return 0, nil
	}

	var deleted int
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		end := snapKey(high)
		var keys [][]byte
		for it.Seek(snapKey(low)); it.Valid(); it.Next() {
			item := it.Item()
			if keyCompare(item.Key(), end) > 0 {
				break
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Delete removes a single record. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapKey(key))
	})
}

// OldestKey returns the smallest stored key.
func (s *Storage) OldestKey(ctx context.Context) (int64, bool, error) {
	return s.edgeKey(ctx, false)
}

// NewestKey returns the largest stored key.
func (s *Storage) NewestKey(ctx context.Context) (int64, bool, error) {
	return s.edgeKey(ctx, true)
}

func (s *Storage) edgeKey(ctx context.Context, reverse bool) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var key int64
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapPrefix
		opts.PrefetchValues = false
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		if reverse {
			// Seek past the last possible snapshot key.
			it.Seek(snapKey(int64(^uint64(0) >> 1)))
		} else {
			it.Rewind()
		}
		if it.Valid() {
			key = parseSnapKey(it.Item().Key())
			ok = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return key, ok, nil
}

// Count returns the number of stored records.
func (s *Storage) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// LoadBlob reads a configuration blob.
func (s *Storage) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(name))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveBlob writes a configuration blob.
func (s *Storage) SaveBlob(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(name), data)
	})
}

// Close shuts down BadgerDB cleanly.
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs badger's value log garbage collection. Returns badger's
// ErrNoRewrite when there was nothing to reclaim.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func snapKey(key int64) []byte {
	k := make([]byte, 9)
	k[0] = snapPrefix[0]
	binary.BigEndian.PutUint64(k[1:], uint64(key))
	return k
}

func parseSnapKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[1:9]))
}

func blobKey(name string) []byte {
	return append(append([]byte{}, blobPrefix...), name...)
}

func keyCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
