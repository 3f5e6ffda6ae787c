package job

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Start on a tracker that has left Idle.
// A new job needs a new Tracker.
var ErrAlreadyStarted = errors.New("job: tracker already started")

// ErrStopped is returned by Start when Stop was called before the job
// identifier arrived.
var ErrStopped = errors.New("job: stopped before start completed")

// ValidationError reports a request rejected before or by the server.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// TransportError reports one failed exchange with the server or the push
// channel. It is recoverable unless it repeats.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is a failure the server reported for the job itself.
type ServerError struct {
	JobID   string
	Message string
}

func (e *ServerError) Error() string {
	if e.JobID == "" {
		return "server reported failure: " + e.Message
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsServerError reports whether err is or wraps a *ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
