package snapshot

import "math"

// Aggregate collapses a bucket window of records into one. The window
// must be sorted by time and hold at least one record; the caller decides
// whether a window is worth collapsing at all.
//
// Field rules:
//   - temperatures and instantaneous electrical readings: arithmetic mean
//     over the finite values present, falling back to the middle record's
//     value when no finite value exists in the window
//   - one_pwr / two_pwr: OR across the window (active anywhere means the
//     aggregate shows it active)
//   - safe / blue: AND across the window (only true if true throughout)
//   - energy (cumulative) and pf: taken from the middle record
//   - embedded schedule/config blobs are never carried into an aggregate
//
// The aggregate keeps the middle record's timestamp; compaction overwrites
// it with the bucket center key before storing.
func Aggregate(window []*Snapshot) *Snapshot {
	mid := window[len(window)/2]

	agg := &Snapshot{Time: mid.Time}
	agg.Target = meanOf(window, func(s *Snapshot) *float64 { return s.Target }, mid.Target)
	agg.Front = meanOf(window, func(s *Snapshot) *float64 { return s.Front }, mid.Front)
	agg.Back = meanOf(window, func(s *Snapshot) *float64 { return s.Back }, mid.Back)
	agg.Top = meanOf(window, func(s *Snapshot) *float64 { return s.Top }, mid.Top)
	agg.Bottom = meanOf(window, func(s *Snapshot) *float64 { return s.Bottom }, mid.Bottom)
	agg.Chip = meanOf(window, func(s *Snapshot) *float64 { return s.Chip }, mid.Chip)
	agg.Room = meanOf(window, func(s *Snapshot) *float64 { return s.Room }, mid.Room)
	agg.Outside = meanOf(window, func(s *Snapshot) *float64 { return s.Outside }, mid.Outside)
	agg.Voltage = meanOf(window, func(s *Snapshot) *float64 { return s.Voltage }, mid.Voltage)
	agg.Current = meanOf(window, func(s *Snapshot) *float64 { return s.Current }, mid.Current)
	agg.Power = meanOf(window, func(s *Snapshot) *float64 { return s.Power }, mid.Power)

	agg.Energy = cloneF(mid.Energy)
	agg.PowerFactor = cloneF(mid.PowerFactor)

	agg.StageOne = orOf(window, func(s *Snapshot) *bool { return s.StageOne })
	agg.StageTwo = orOf(window, func(s *Snapshot) *bool { return s.StageTwo })
	agg.Safe = andOf(window, func(s *Snapshot) *bool { return s.Safe })
	agg.Blue = andOf(window, func(s *Snapshot) *bool { return s.Blue })

	return agg
}

// meanOf averages the finite values selected from the window. When none
// are finite it falls back to the middle record's value (which may be nil).
func meanOf(window []*Snapshot, sel func(*Snapshot) *float64, fallback *float64) *float64 {
	var sum float64
	var n int
	for _, s := range window {
		v := sel(s)
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			continue
		}
		sum += *v
		n++
	}
	if n == 0 {
		return cloneF(fallback)
	}
	m := sum / float64(n)
	return &m
}

// orOf is true if any record in the window has the flag set. Absent in
// every record means absent in the aggregate.
func orOf(window []*Snapshot, sel func(*Snapshot) *bool) *bool {
	var present bool
	for _, s := range window {
		v := sel(s)
		if v == nil {
			continue
		}
		present = true
		if *v {
			return B(true)
		}
	}
	if !present {
		return nil
	}
	return B(false)
}

// andOf is true only if the flag is true in every record that carries it.
func andOf(window []*Snapshot, sel func(*Snapshot) *bool) *bool {
	var present bool
	for _, s := range window {
		v := sel(s)
		if v == nil {
			continue
		}
		present = true
		if !*v {
			return B(false)
		}
	}
	if !present {
		return nil
	}
	return B(true)
}
