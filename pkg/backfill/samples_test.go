package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeriesSorts(t *testing.T) {
	s := NewSeries([]Sample{{Time: 300, Value: 3}, {Time: 100, Value: 1}, {Time: 200, Value: 2}})
	require.Len(t, s, 3)
	assert.Equal(t, int64(100), s[0].Time)
	assert.Equal(t, int64(200), s[1].Time)
	assert.Equal(t, int64(300), s[2].Time)
}

func TestEstimateAtExactHit(t *testing.T) {
	s := NewSeries([]Sample{{Time: 100, Value: 1.5}, {Time: 200, Value: 9.9}})
	v, ok := s.EstimateAt(200)
	require.True(t, ok)
	assert.Equal(t, 9.9, v)
}

func TestEstimateAtInterpolates(t *testing.T) {
	s := NewSeries([]Sample{{Time: 100, Value: 10.0}, {Time: 300, Value: 20.0}})

	v, ok := s.EstimateAt(200)
	require.True(t, ok)
	assert.InDelta(t, 15.0, v, 1e-9)

	v, ok = s.EstimateAt(150)
	require.True(t, ok)
	assert.InDelta(t, 12.5, v, 1e-9)
}

func TestEstimateAtOutsideSpanTakesNearestEndpoint(t *testing.T) {
	s := NewSeries([]Sample{{Time: 100, Value: 10.0}, {Time: 300, Value: 20.0}})

	v, ok := s.EstimateAt(50)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	v, ok = s.EstimateAt(9999)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestEstimateAtEmptySeries(t *testing.T) {
	_, ok := Series(nil).EstimateAt(100)
	assert.False(t, ok)
}

func TestEstimateAtSingleSample(t *testing.T) {
	s := NewSeries([]Sample{{Time: 100, Value: 7.0}})
	for _, at := range []int64{50, 100, 150} {
		v, ok := s.EstimateAt(at)
		require.True(t, ok)
		assert.Equal(t, 7.0, v)
	}
}
