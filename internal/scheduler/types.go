// Package scheduler fires the recurring evaluation and keeps a history
// of every firing, scheduled or manual.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when the evaluation runs.
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	Every *Duration    `json:"every,omitempty"` // For "every" kind
	Cron  string       `json:"cron,omitempty"`  // For "cron" kind

	cron cron.Schedule
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every" // Recurring interval
	ScheduleCron  ScheduleKind = "cron"  // Cron expression
)

// cronParser accepts five-field expressions and descriptors such as
// @hourly or @every 15m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSchedule builds a schedule. A non-empty expr takes precedence over
// every.
func NewSchedule(every time.Duration, expr string) (Schedule, error) {
	if expr != "" {
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse cron %q: %w", expr, err)
		}
		return Schedule{Kind: ScheduleCron, Cron: expr, cron: parsed}, nil
	}
	if every <= 0 {
		return Schedule{}, errors.New("schedule needs a positive interval or a cron expression")
	}
	return Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: every}}, nil
}

// String renders the schedule for logs and the status endpoint.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleEvery:
		if s.Every != nil {
			return "every " + s.Every.String()
		}
	case ScheduleCron:
		return "cron " + s.Cron
	}
	return "none"
}

// Next calculates the next firing strictly after after. Intervals are
// anchored at base so firings do not drift with evaluation time; cron
// expressions are evaluated in after's location.
func (s Schedule) Next(base, after time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleEvery:
		if s.Every == nil || s.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := s.Every.Duration
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCron:
		if s.cron == nil {
			return time.Time{}, false
		}
		next := s.cron.Next(after)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Run is one firing of the evaluation.
type Run struct {
	ID          string     `json:"id"` // UUIDv7
	Trigger     string     `json:"trigger"`
	ScheduledAt time.Time  `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"` // Summary or error
	DecisionID  string     `json:"decision_id,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// RunStatus indicates the state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped" // Another cycle was in flight
	StatusAborted   RunStatus = "aborted" // Cycle aborted or process stopped mid-run
)
