package activity

import (
	"context"
	"time"
)

// Observation is one sample of the focused window.
type Observation struct {
	App      string `json:"app"`
	Title    string `json:"title"`
	Source   string `json:"source"`
	PID      *int   `json:"pid,omitempty"`
	WindowID string `json:"window_id,omitempty"`
}

// IdleSample is one reading of the user idle time.
type IdleSample struct {
	Seconds   int       `json:"seconds"`
	Known     bool      `json:"known"`
	Backend   string    `json:"backend"`
	CheckedAt time.Time `json:"checked_at"`
}

// ObservationSource reports the focused window, or nil when it cannot be
// determined. Implementations must return within a bounded time.
type ObservationSource interface {
	Detect(ctx context.Context) *Observation
}

// IdleSource reports how long the user has been idle. An unknown reading
// is treated as active.
type IdleSource interface {
	Idle(ctx context.Context) IdleSample
}

// OpenSegment is the in-progress session that has not been written yet.
type OpenSegment struct {
	App     string `json:"app"`
	Title   string `json:"title"`
	Source  string `json:"source"`
	StartTs int64  `json:"start_ts"`
}

func (s OpenSegment) same(o Observation) bool {
	return s.App == o.App && s.Title == o.Title && s.Source == o.Source
}

// Status is a consistent snapshot of the engine state.
type Status struct {
	Running           bool         `json:"running"`
	Paused            bool         `json:"paused"`
	IntervalSeconds   float64      `json:"interval_seconds"`
	Current           *OpenSegment `json:"current"`
	Idle              IdleSample   `json:"idle"`
	SleepSegments     int          `json:"sleep_segments"`
	PrivacyExclusions int          `json:"privacy_exclusions"`
	Ticks             int64        `json:"ticks"`
	LastTickTs        int64        `json:"last_tick_ts"`
	LastError         string       `json:"last_error,omitempty"`
}
