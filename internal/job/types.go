// Package job tracks one server-executed bulk fetch job from start to a
// terminal state.
//
// A Tracker starts the job through a Client, then follows its progress over
// exactly one transport: push events from an EventSource when one is
// available, or status polling otherwise. Every snapshot and terminal
// transition is written into a state.Store, where rendering code observes it
// through listeners.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseServerStatus maps a status string reported by the bulk API onto a
// State. A cancel that has been requested but not yet honoured still counts
// as running.
func ParseServerStatus(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "starting":
		return StateStarting, nil
	case "running", "in_progress", "cancel_requested":
		return StateRunning, nil
	case "completed", "complete", "success":
		return StateCompleted, nil
	case "failed", "error":
		return StateFailed, nil
	case "cancelled", "canceled", "stopped":
		return StateCancelled, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Transport identifies how progress reaches the tracker.
type Transport string

const (
	TransportNone Transport = "none"
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// Handle is a copy of a tracker's job identity. It is a value; holding one
// never aliases tracker state.
type Handle struct {
	JobID     string    `json:"job_id"`
	State     State     `json:"state"`
	Transport Transport `json:"transport"`
}

// Snapshot is a point-in-time progress report. Sequence and CurrentItem are
// optional, as are the throughput fields the server computes. Processed may
// differ from Successful+Failed until the job completes.
type Snapshot struct {
	Processed   int     `json:"processed"`
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	CurrentItem *string `json:"current_item,omitempty"`
	Sequence    *int64  `json:"sequence,omitempty"`

	// ElapsedSeconds is the time since the job started.
	ElapsedSeconds float64 `json:"elapsed_time,omitempty"`
	// Rate is processed units per second.
	Rate float64 `json:"stocks_per_second,omitempty"`
	// EstimatedCompletion is the server's local wall-clock estimate, in
	// ISO 8601 without a zone.
	EstimatedCompletion *string `json:"estimated_completion,omitempty"`
	// ErrorCount is the number of per-unit errors recorded so far.
	ErrorCount int `json:"error_count,omitempty"`
}

// Percentage returns floor(processed*100/total) clamped to [0,100]. A zero
// total yields 0.
func (s Snapshot) Percentage() int {
	if s.Total <= 0 || s.Processed <= 0 {
		return 0
	}
	p := s.Processed * 100 / s.Total
	if p > 100 {
		return 100
	}
	return p
}

// ETA parses EstimatedCompletion, see ParseETA.
func (s Snapshot) ETA(loc *time.Location) (time.Time, bool) {
	if s.EstimatedCompletion == nil {
		return time.Time{}, false
	}
	return ParseETA(*s.EstimatedCompletion, loc)
}

// ParseETA parses a completion estimate. Values without a zone are taken to
// be in loc.
func ParseETA(v string, loc *time.Location) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	// Fractional seconds are accepted without being in the layout.
	t, err := time.ParseInLocation("2006-01-02T15:04:05", v, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Validate rejects negative counters.
func (s Snapshot) Validate() error {
	if s.Processed < 0 || s.Total < 0 || s.Successful < 0 || s.Failed < 0 || s.ErrorCount < 0 {
		return fmt.Errorf("negative counter in snapshot %+v", s)
	}
	return nil
}

// UnmarshalJSON also accepts the bulk API's "current_symbol" for
// CurrentItem.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var aux struct {
		plain
		Current *string `json:"current_symbol"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Snapshot(aux.plain)
	if s.CurrentItem == nil && aux.Current != nil {
		s.CurrentItem = aux.Current
	}
	return nil
}

// Summary is the server's final report for a job.
type Summary struct {
	TotalSymbols    int     `json:"total_symbols"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	TotalDownloaded int     `json:"total_downloaded"`
	TotalSaved      int     `json:"total_saved"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// StartRequest asks the server to fetch data for Units at the given
// granularity. Empty Interval or Period leaves the choice to the server.
type StartRequest struct {
	Units    []string `json:"symbols"`
	Interval string   `json:"interval,omitempty"`
	Period   string   `json:"period,omitempty"`
}

// Status is one answer from the status endpoint.
type Status struct {
	State    State
	Progress *Snapshot
	Summary  *Summary
	Error    string
}

// EventKind identifies a push event.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"

	// EventReconnected is emitted by a source after it re-established a
	// lost connection. It carries no job and means events may have been
	// missed.
	EventReconnected EventKind = "reconnected"
)

// Event is a push event already parsed at the transport boundary.
type Event struct {
	Kind     EventKind
	JobID    string
	Progress *Snapshot
	Summary  *Summary
	Error    string
}

// TerminalPayload carries whatever the server reported alongside a terminal
// status.
type TerminalPayload struct {
	Progress *Snapshot
	Summary  *Summary
	Error    string
}
