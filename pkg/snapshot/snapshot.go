package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
)

// Sentinel value the controller writes when the external reference
// temperature could not be read, and the tolerance used to detect it.
const (
	BadOutsideSentinel  = -99.9
	BadOutsideTolerance = 0.05
)

// Snapshot is one timestamped sensor/state record from the heating
// controller. Time is the primary key (epoch seconds, always positive).
// All other fields are optional on the wire; pointers distinguish
// "absent" from zero.
type Snapshot struct {
	Time int64 `json:"time"`

	// Temperatures (°C)
	Target  *float64 `json:"target,omitempty"`
	Front   *float64 `json:"fnt,omitempty"`
	Back    *float64 `json:"bck,omitempty"`
	Top     *float64 `json:"top,omitempty"`
	Bottom  *float64 `json:"bot,omitempty"`
	Chip    *float64 `json:"chip,omitempty"`
	Room    *float64 `json:"rem,omitempty"`
	Outside *float64 `json:"out,omitempty"`

	// Electrical readings
	Voltage *float64 `json:"voltage,omitempty"`
	Current *float64 `json:"current,omitempty"`
	Power   *float64 `json:"power,omitempty"`
	Energy  *float64 `json:"energy,omitempty"`

	// Flags
	StageOne *bool `json:"one_pwr,omitempty"`
	StageTwo *bool `json:"two_pwr,omitempty"`
	Safe     *bool `json:"safe,omitempty"`
	Blue     *bool `json:"blue,omitempty"`

	// Transient fields copied in opportunistically by the live feed.
	// They mark a record dirty and are stripped during reconciliation.
	PowerFactor *float64        `json:"pf,omitempty"`
	Schedule    json.RawMessage `json:"schedule,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// F returns a pointer to v, for building snapshots in literals and tests.
func F(v float64) *float64 { return &v }

// B returns a pointer to v.
func B(v bool) *bool { return &v }

// Decode parses a wire frame into a Snapshot. Frames without a positive
// integer time field are rejected.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Time <= 0 {
		return nil, fmt.Errorf("decode snapshot: missing or non-positive time")
	}
	return &s, nil
}

// Encode serializes a snapshot for storage or broadcast.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", s.Time, err)
	}
	return data, nil
}

// Clone returns a deep copy. Pointer fields are reallocated so mutating
// the copy never touches the original.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Target = cloneF(s.Target)
	c.Front = cloneF(s.Front)
	c.Back = cloneF(s.Back)
	c.Top = cloneF(s.Top)
	c.Bottom = cloneF(s.Bottom)
	c.Chip = cloneF(s.Chip)
	c.Room = cloneF(s.Room)
	c.Outside = cloneF(s.Outside)
	c.Voltage = cloneF(s.Voltage)
	c.Current = cloneF(s.Current)
	c.Power = cloneF(s.Power)
	c.Energy = cloneF(s.Energy)
	c.PowerFactor = cloneF(s.PowerFactor)
	c.StageOne = cloneB(s.StageOne)
	c.StageTwo = cloneB(s.StageTwo)
	c.Safe = cloneB(s.Safe)
	c.Blue = cloneB(s.Blue)
	if s.Schedule != nil {
		c.Schedule = append(json.RawMessage(nil), s.Schedule...)
	}
	if s.Config != nil {
		c.Config = append(json.RawMessage(nil), s.Config...)
	}
	return &c
}

func cloneF(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneB(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Reason tags why a record needs reconciliation.
type Reason string

const (
	ReasonOutsideMissing  Reason = "outside_missing"
	ReasonOutsideSentinel Reason = "outside_sentinel"
	ReasonTransientFields Reason = "transient_fields"
)

// DirtyReasons reports why a record is dirty, or an empty slice for a
// clean record. Pure function of the record, no I/O.
func DirtyReasons(s *Snapshot) []Reason {
	var reasons []Reason
	switch {
	case s.Outside == nil || math.IsNaN(*s.Outside) || math.IsInf(*s.Outside, 0):
		reasons = append(reasons, ReasonOutsideMissing)
	case math.Abs(*s.Outside-BadOutsideSentinel) <= BadOutsideTolerance:
		reasons = append(reasons, ReasonOutsideSentinel)
	}
	if s.PowerFactor != nil || s.Schedule != nil || s.Config != nil {
		reasons = append(reasons, ReasonTransientFields)
	}
	return reasons
}

// IsDirty reports whether the record needs reconciliation.
func IsDirty(s *Snapshot) bool {
	return len(DirtyReasons(s)) > 0
}

// StripTransient removes the fields that must not persist long-term.
func StripTransient(s *Snapshot) {
	s.PowerFactor = nil
	s.Schedule = nil
	s.Config = nil
}
