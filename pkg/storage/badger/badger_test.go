package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &snapshot.Snapshot{Time: 1700000000, Target: snapshot.F(21.5), Safe: snapshot.B(true)}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, 1700000000)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Delete(ctx, 1700000000))
	_, err = s.Get(ctx, 1700000000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutBatchKeepsAllRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*snapshot.Snapshot{
		{Time: 10}, {Time: 20}, {Time: 30},
	}
	require.NoError(t, s.PutBatch(ctx, recs))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRangeOrderAcrossByteBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Keys straddling the 1-byte and 2-byte boundary must still iterate
	// in numeric order under big-endian encoding.
	keys := []int64{1, 255, 256, 257, 65535, 65536, 1 << 32}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, &snapshot.Snapshot{Time: k}))
	}

	recs, err := s.Range(ctx, 1, 1<<40)
	require.NoError(t, err)
	require.Len(t, recs, len(keys))
	for i, k := range keys {
		assert.Equal(t, k, recs[i].Time)
	}
}

func TestDeleteRangeSparesOutsideKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []int64{10, 20, 30, 40, 50} {
		require.NoError(t, s.Put(ctx, &snapshot.Snapshot{Time: k}))
	}

	deleted, err := s.DeleteRange(ctx, 20, 40)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	recs, err := s.Range(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(10), recs[0].Time)
	assert.Equal(t, int64(50), recs[1].Time)

	deleted, err = s.DeleteRange(ctx, 40, 20)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestEdgeKeysAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.NewestKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, k := range []int64{500, 100, 300} {
		require.NoError(t, s.Put(ctx, &snapshot.Snapshot{Time: k}))
	}

	oldest, ok, err := s.OldestKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), oldest)

	newest, ok, err := s.NewestKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), newest)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestBlobsLiveOutsideTheKeySpace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBlob(ctx, "compaction-config", []byte(`{"stages":[]}`)))
	require.NoError(t, s.Put(ctx, &snapshot.Snapshot{Time: 42}))

	// Blob keys must not show up in snapshot iteration.
	recs, err := s.Range(ctx, 1, 1<<40)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].Time)

	data, err := s.LoadBlob(ctx, "compaction-config")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stages":[]}`, string(data))

	_, err = s.LoadBlob(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOnDiskReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &snapshot.Snapshot{Time: 7, Room: snapshot.F(19.0)}))
	require.NoError(t, s.Close())

	s, err = New(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rec, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, rec.Room)
	assert.Equal(t, 19.0, *rec.Room)
}
