package compaction

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by all configuration validation failures.
var ErrInvalidConfig = errors.New("compaction: invalid config")

// StageCount is the fixed number of retention tiers.
const StageCount = 3

// Stage is one retention tier: records older than OlderThanSecs are
// collapsed into one averaged record per IntervalSecs bucket.
type Stage struct {
	OlderThanSecs int64 `json:"older_than_secs"`
	IntervalSecs  int64 `json:"interval_secs"`
}

// Phase returns the stage identifier shown in Status while this stage
// is being swept.
func (s Stage) Phase() string {
	return (time.Duration(s.IntervalSecs) * time.Second).String()
}

// Config is the ordered list of retention tiers, finest first.
type Config struct {
	Stages []Stage `json:"stages"`
}

// DefaultConfig mirrors the dashboard's historical policy: per-minute
// averages after an hour, ten-minute averages after two days, hourly
// averages after thirty days.
func DefaultConfig() Config {
	return Config{Stages: []Stage{
		{OlderThanSecs: 3600, IntervalSecs: 60},
		{OlderThanSecs: 2 * 24 * 3600, IntervalSecs: 600},
		{OlderThanSecs: 30 * 24 * 3600, IntervalSecs: 3600},
	}}
}

// Validate rejects anything but exactly three stages with positive
// intervals and strictly increasing age thresholds and interval widths.
func (c Config) Validate() error {
	if len(c.Stages) != StageCount {
		return fmt.Errorf("%w: want exactly %d stages, got %d",
			ErrInvalidConfig, StageCount, len(c.Stages))
	}
	for i, st := range c.Stages {
		if st.OlderThanSecs < 0 {
			return fmt.Errorf("%w: stage %d age threshold %d is negative",
				ErrInvalidConfig, i+1, st.OlderThanSecs)
		}
		if st.IntervalSecs <= 0 {
			return fmt.Errorf("%w: stage %d interval %d is not positive",
				ErrInvalidConfig, i+1, st.IntervalSecs)
		}
		if i > 0 {
			prev := c.Stages[i-1]
			if st.OlderThanSecs <= prev.OlderThanSecs {
				return fmt.Errorf("%w: stage %d age threshold %d does not increase",
					ErrInvalidConfig, i+1, st.OlderThanSecs)
			}
			if st.IntervalSecs <= prev.IntervalSecs {
				return fmt.Errorf("%w: stage %d interval %d does not increase",
					ErrInvalidConfig, i+1, st.IntervalSecs)
			}
		}
	}
	return nil
}

// Stats counts the work done by one sweep.
type Stats struct {
	Written int `json:"written"`
	Deleted int `json:"deleted"`
}

// Status describes the engine to observers. It is reset at sweep start,
// mutated during the sweep, and frozen at sweep end or on fatal error.
type Status struct {
	Running     bool      `json:"running"`
	Phase       string    `json:"phase"`
	ProgressKey int64     `json:"progress_key"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Stats       Stats     `json:"stats"`
	Error       string    `json:"error,omitempty"`
}

const phaseIdle = "idle"
