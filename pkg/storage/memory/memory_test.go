package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

func put(t *testing.T, s *Storage, keys ...int64) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Put(context.Background(), &snapshot.Snapshot{Time: k, Target: snapshot.F(float64(k))}))
	}
}

func TestPutGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	put(t, s, 100)
	rec, err := s.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Time)

	_, err = s.Get(ctx, 200)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutIsIdempotentUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &snapshot.Snapshot{Time: 100, Target: snapshot.F(21.0)}
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Put(ctx, rec))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := s.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRangeInclusiveAscending(t *testing.T) {
	s := New()
	ctx := context.Background()
	put(t, s, 10, 30, 20, 40, 50)

	recs, err := s.Range(ctx, 20, 40)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(20), recs[0].Time)
	assert.Equal(t, int64(30), recs[1].Time)
	assert.Equal(t, int64(40), recs[2].Time)
}

func TestDeleteRange(t *testing.T) {
	s := New()
	ctx := context.Background()
	put(t, s, 10, 20, 30, 40)

	deleted, err := s.DeleteRange(ctx, 15, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDeleteRangeInvertedBoundsIsNoop(t *testing.T) {
	s := New()
	ctx := context.Background()
	put(t, s, 10, 20)

	deleted, err := s.DeleteRange(ctx, 30, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEdgeKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.OldestKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	put(t, s, 30, 10, 20)

	oldest, ok, err := s.OldestKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), oldest)

	newest, ok, err := s.NewestKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(30), newest)
}

func TestBlobs(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.LoadBlob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveBlob(ctx, "cfg", []byte(`{"a":1}`)))
	data, err := s.LoadBlob(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)
}

func TestGetReturnsACopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	put(t, s, 100)

	rec, err := s.Get(ctx, 100)
	require.NoError(t, err)
	*rec.Target = -1

	again, err := s.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *again.Target)
}
