// Package stream implements the push channels of the bulk API. Both sources
// deliver job.Event values parsed from the server's bulk_* events and
// reconnect with exponential backoff when the channel drops.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thruflo/bulkwatch/internal/job"
)

// Push event names.
const (
	EventBulkProgress = "bulk_progress"
	EventBulkComplete = "bulk_complete"
	EventBulkFailed   = "bulk_failed"
)

// ErrUnknownEvent is returned by DecodeEvent for events that carry no job
// information.
var ErrUnknownEvent = errors.New("stream: unknown event")

// Frame is one raw push message: an event name and its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type progressPayload struct {
	JobID     string        `json:"job_id"`
	BatchDBID *int64        `json:"batch_db_id"`
	Progress  *job.Snapshot `json:"progress"`
}

type completePayload struct {
	JobID     string       `json:"job_id"`
	BatchDBID *int64       `json:"batch_db_id"`
	Summary   *job.Summary `json:"summary"`
}

type failedPayload struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// DecodeFrame parses a {"event": ..., "data": ...} envelope.
func DecodeFrame(data []byte) (job.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return job.Event{}, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Event == "" {
		return job.Event{}, errors.New("invalid frame: missing event name")
	}
	return DecodeEvent(f.Event, f.Data)
}

// DecodeEvent parses the payload of the named event. Payloads without a
// job_id or with invalid counters are rejected.
func DecodeEvent(name string, data []byte) (job.Event, error) {
	switch name {
	case EventBulkProgress:
		var p progressPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return job.Event{}, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		if p.JobID == "" {
			return job.Event{}, fmt.Errorf("invalid %s payload: missing job_id", name)
		}
		if p.Progress == nil {
			return job.Event{}, fmt.Errorf("invalid %s payload: missing progress", name)
		}
		if err := p.Progress.Validate(); err != nil {
			return job.Event{}, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		return job.Event{Kind: job.EventProgress, JobID: p.JobID, Progress: p.Progress}, nil

	case EventBulkComplete:
		var p completePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return job.Event{}, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		if p.JobID == "" {
			return job.Event{}, fmt.Errorf("invalid %s payload: missing job_id", name)
		}
		return job.Event{Kind: job.EventComplete, JobID: p.JobID, Summary: p.Summary}, nil

	case EventBulkFailed:
		var p failedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return job.Event{}, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		if p.JobID == "" {
			return job.Event{}, fmt.Errorf("invalid %s payload: missing job_id", name)
		}
		return job.Event{Kind: job.EventFailed, JobID: p.JobID, Error: p.Error}, nil

	default:
		return job.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}
