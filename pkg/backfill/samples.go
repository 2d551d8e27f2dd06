package backfill

import "sort"

// Sample is one point of a reference temperature series.
type Sample struct {
	Time  int64
	Value float64
}

// Series is a sample list ordered ascending by time. Build one with
// NewSeries so EstimateAt's binary search holds.
type Series []Sample

// NewSeries sorts the samples ascending by time and returns them as a
// Series. The input slice is sorted in place.
func NewSeries(samples []Sample) Series {
	sort.Slice(samples, func(i, j int) bool { return samples[i].Time < samples[j].Time })
	return Series(samples)
}

// EstimateAt estimates the series value at time t. An exact hit returns
// that sample's value; a time between two samples is linearly
// interpolated; a time outside the sample span takes the nearest
// endpoint. Returns false only for an empty series.
func (s Series) EstimateAt(t int64) (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].Time >= t })
	if i < len(s) && s[i].Time == t {
		return s[i].Value, true
	}
	if i == 0 {
		return s[0].Value, true
	}
	if i == len(s) {
		return s[len(s)-1].Value, true
	}
	lo, hi := s[i-1], s[i]
	frac := float64(t-lo.Time) / float64(hi.Time-lo.Time)
	return lo.Value + (hi.Value-lo.Value)*frac, true
}
