package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/metrics"
	"github.com/thruflo/bulkwatch/internal/state"
)

// Client is the job-control contract of the bulk API.
type Client interface {
	// Start submits the job and returns the server-issued job identifier.
	Start(ctx context.Context, req StartRequest) (string, error)
	// Status fetches the current status of a job.
	Status(ctx context.Context, jobID string) (*Status, error)
	// Stop asks the server to cancel a job and reports whether it
	// acknowledged the request.
	Stop(ctx context.Context, jobID string) (bool, error)
}

// EventSource delivers push events for all jobs. Subscribe returns once the
// channel is connected or has failed to connect. The returned channel is
// closed when ctx is canceled or the connection is lost for good.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

const (
	// DefaultNamespace prefixes a tracker's store keys.
	DefaultNamespace = "bulk"
	// DefaultPollInterval is the delay between status checks.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxPollErrors is the number of consecutive failed status checks
	// after which the job is marked failed.
	DefaultMaxPollErrors = 5

	stopTimeout = 10 * time.Second
)

// Store key suffixes written by a Tracker. The full key is
// Key(namespace, suffix).
const (
	KeyJobID       = "jobId"
	KeyState       = "state"
	KeyTransport   = "transport"
	KeyProcessed   = "progress.processed"
	KeyTotal       = "progress.total"
	KeySuccessful  = "progress.successful"
	KeyFailed      = "progress.failed"
	KeyCurrentItem = "progress.currentItem"
	KeyPercentage  = "progress.percentage"
	KeyElapsed     = "progress.elapsedSeconds"
	KeyRate        = "progress.rate"
	KeyETA         = "progress.estimatedCompletion"
	KeyErrorCount  = "progress.errorCount"
	KeySummary     = "summary"
	KeyError       = "error"
)

// Key joins a namespace and a key suffix.
func Key(ns, suffix string) string {
	return ns + "." + suffix
}

// Tracker runs exactly one job to a terminal state and mirrors its progress
// into a state.Store. Job keys are never persisted.
//
// All snapshot and terminal applications are serialized. Store listeners on
// tracker keys run while the tracker applies an update and must not call
// back into the Tracker.
type Tracker struct {
	client        Client
	source        EventSource
	store         *state.Store
	namespace     string
	logger        *logging.Logger
	metrics       *metrics.Metrics
	validator     Validator
	pollInterval  time.Duration
	maxPollErrors int

	mu              sync.Mutex
	handle          Handle
	progress        Snapshot
	lastSeq         *int64
	summary         *Summary
	err             error
	stopRequested   bool
	cancelStart     context.CancelFunc
	cancelTransport context.CancelFunc
	// stopAck is closed once a stop request from Running has been answered.
	stopAck chan struct{}
	done    chan struct{}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithEventSource enables the push transport. Without one the tracker polls.
func WithEventSource(src EventSource) TrackerOption {
	return func(t *Tracker) {
		t.source = src
	}
}

// WithNamespace sets the prefix of the tracker's store keys.
func WithNamespace(ns string) TrackerOption {
	return func(t *Tracker) {
		t.namespace = ns
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(l *logging.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithValidator replaces the default validator chain.
func WithValidator(v Validator) TrackerOption {
	return func(t *Tracker) {
		t.validator = v
	}
}

// WithPollInterval sets the delay between status checks.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithMaxPollErrors sets how many consecutive failed status checks are
// tolerated before the job is marked failed.
func WithMaxPollErrors(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxPollErrors = n
		}
	}
}

// NewTracker creates an idle Tracker.
func NewTracker(client Client, store *state.Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		client:        client,
		store:         store,
		namespace:     DefaultNamespace,
		logger:        logging.Default(),
		validator:     DefaultValidator(DefaultMaxUnits),
		pollInterval:  DefaultPollInterval,
		maxPollErrors: DefaultMaxPollErrors,
		handle:        Handle{State: StateIdle, Transport: TransportNone},
		stopAck:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("tracker", t.namespace)
	return t
}

// Start validates req, submits the job and activates one transport. It
// returns once the job is running or has reached a terminal state. A
// validation failure leaves the tracker idle and never reaches the server.
//
// The push channel is subscribed before the start request is sent so that
// no event for the new job can be missed.
func (t *Tracker) Start(ctx context.Context, req StartRequest) error {
	t.mu.Lock()
	if t.handle.State != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := t.validator.Validate(req); err != nil {
		t.mu.Unlock()
		return err
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancelStart = cancel
	// The transport outlives the caller's context; the tracker cancels it.
	transportCtx, cancelTransport := context.WithCancel(context.WithoutCancel(ctx))
	t.cancelTransport = cancelTransport
	t.handle.State = StateStarting

	updates := progressUpdates(Snapshot{Total: len(req.Units)})
	updates[KeyJobID] = nil
	updates[KeyState] = string(StateStarting)
	updates[KeyTransport] = string(TransportNone)
	updates[KeySummary] = nil
	updates[KeyError] = nil
	t.write(updates)
	t.mu.Unlock()

	transport := TransportPoll
	var events <-chan Event
	if t.source != nil {
		ch, err := t.source.Subscribe(transportCtx)
		if err != nil {
			t.logger.Warn("push channel unavailable, falling back to polling", "error", err)
		} else {
			events, transport = ch, TransportPush
		}
	}

	t.logger.Info("starting job", "units", len(req.Units), "interval", req.Interval, "period", req.Period)
	jobID, err := t.client.Start(startCtx, req)
	if err == nil && jobID == "" {
		err = &ServerError{Message: "start response carried no job identifier"}
	}

	t.mu.Lock()
	t.cancelStart = nil
	stopped := t.stopRequested

	if err != nil {
		if stopped {
			t.finishLocked(StateCancelled, TerminalPayload{}, nil)
			t.mu.Unlock()
			return ErrStopped
		}
		err = fmt.Errorf("failed to start job: %w", err)
		t.finishLocked(StateFailed, TerminalPayload{}, err)
		t.mu.Unlock()
		return err
	}

	t.handle.JobID = jobID

	if stopped {
		t.write(map[string]any{KeyJobID: jobID})
		t.mu.Unlock()
		t.logger.Info("stop requested during start", "job_id", jobID)
		stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		_ = t.sendStop(stopCtx, jobID)
		cancelStop()

		t.mu.Lock()
		t.finishLocked(StateCancelled, TerminalPayload{}, nil)
		t.mu.Unlock()
		return ErrStopped
	}

	defer t.mu.Unlock()

	t.handle.State = StateRunning
	t.handle.Transport = transport
	t.write(map[string]any{
		KeyJobID:     jobID,
		KeyState:     string(StateRunning),
		KeyTransport: string(transport),
	})
	t.metrics.JobStarted()
	t.logger.Info("job running", "job_id", jobID, "transport", transport)

	if events != nil {
		go t.listen(transportCtx, jobID, events)
	} else {
		go t.poll(transportCtx, jobID)
	}
	return nil
}

// ApplySnapshot merges a progress report into the store. Snapshots whose
// sequence is not greater than the last applied one are discarded, as is
// anything arriving outside Running. It reports whether the snapshot was
// applied.
func (t *Tracker) ApplySnapshot(s Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applySnapshotLocked(s)
}

// ApplyTerminal moves a running job to a terminal state. Only the first
// terminal application takes effect; it reports whether this one did.
func (t *Tracker) ApplyTerminal(st State, p TerminalPayload) bool {
	if !st.Terminal() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle.State != StateRunning {
		return false
	}
	return t.finishLocked(st, p, nil)
}

// Stop cancels the job. From Starting the in-flight start is abandoned and
// any job that still gets created is stopped. From Running a stop request is
// sent while the transport keeps running; once the server has answered, the
// transport applies whatever it already received and the job ends Cancelled
// unless that included a terminal event. Stop returns when the job is
// terminal, or when ctx is done, in which case the job is cancelled at once.
// The error from the stop request, if any, is returned.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()

	switch t.handle.State {
	case StateStarting:
		t.stopRequested = true
		if t.cancelStart != nil {
			t.cancelStart()
		}
		t.mu.Unlock()
		return nil

	case StateRunning:
		if t.stopRequested {
			// Another Stop is already talking to the server.
			t.mu.Unlock()
			return nil
		}
		t.stopRequested = true
		jobID := t.handle.JobID
		t.mu.Unlock()

		err := t.sendStop(ctx, jobID)
		close(t.stopAck)

		select {
		case <-t.done:
		case <-ctx.Done():
			t.mu.Lock()
			t.finishLocked(StateCancelled, TerminalPayload{}, nil)
			t.mu.Unlock()
		}
		return err

	default:
		t.mu.Unlock()
		return nil
	}
}

// Wait blocks until the job reaches a terminal state or ctx is done. The
// error is the job's failure cause, or ctx.Err().
func (t *Tracker) Wait(ctx context.Context) (Handle, error) {
	select {
	case <-t.done:
		return t.Handle(), t.Err()
	case <-ctx.Done():
		return t.Handle(), ctx.Err()
	}
}

// Done is closed when the job reaches a terminal state.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Handle returns a copy of the job's identity and state.
func (t *Tracker) Handle() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Progress returns the last applied snapshot.
func (t *Tracker) Progress() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Summary returns the job's summary, or nil if none was reported.
func (t *Tracker) Summary() *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.summary == nil {
		return nil
	}
	s := *t.summary
	return &s
}

// Err returns the failure cause once the job has failed.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Namespace returns the prefix of the tracker's store keys.
func (t *Tracker) Namespace() string {
	return t.namespace
}

func (t *Tracker) applySnapshotLocked(s Snapshot) bool {
	if t.handle.State != StateRunning {
		t.metrics.SnapshotDiscarded()
		return false
	}
	if err := s.Validate(); err != nil {
		t.logger.Warn("discarding malformed snapshot", "job_id", t.handle.JobID, "error", err)
		t.metrics.SnapshotDiscarded()
		return false
	}
	if s.Sequence != nil {
		if t.lastSeq != nil && *s.Sequence <= *t.lastSeq {
			t.logger.Debug("discarding stale snapshot", "job_id", t.handle.JobID, "sequence", *s.Sequence, "last", *t.lastSeq)
			t.metrics.SnapshotDiscarded()
			return false
		}
		seq := *s.Sequence
		t.lastSeq = &seq
	}

	t.progress = copySnapshot(s)
	t.write(progressUpdates(t.progress))
	t.metrics.SnapshotApplied()
	return true
}

// finishLocked performs the single terminal transition. The transport is
// stopped before any state is written.
func (t *Tracker) finishLocked(st State, p TerminalPayload, cause error) bool {
	if t.handle.State == StateIdle || t.handle.State.Terminal() {
		return false
	}
	t.teardownLocked()
	wasRunning := t.handle.State == StateRunning

	updates := map[string]any{KeyState: string(st)}

	switch st {
	case StateCompleted:
		final, summary := completeProgress(t.progress, p)
		t.progress = final
		t.summary = summary
		for k, v := range progressUpdates(final) {
			updates[k] = v
		}
		updates[KeySummary] = *summary

	case StateFailed:
		err := cause
		if err == nil {
			msg := p.Error
			if msg == "" {
				msg = "job failed"
			}
			err = &ServerError{JobID: t.handle.JobID, Message: msg}
		}
		t.err = err
		updates[KeyError] = err.Error()
		if p.Summary != nil {
			s := *p.Summary
			t.summary = &s
			updates[KeySummary] = s
		}

	case StateCancelled:
		if p.Summary != nil {
			s := *p.Summary
			t.summary = &s
			updates[KeySummary] = s
		}
	}

	t.handle.State = st
	t.write(updates)
	t.metrics.JobFinished(string(st), string(t.handle.Transport), wasRunning)
	t.logger.Info("job finished", "job_id", t.handle.JobID, "state", st, "transport", t.handle.Transport)
	close(t.done)
	return true
}

func (t *Tracker) teardownLocked() {
	if t.cancelTransport != nil {
		t.cancelTransport()
		t.cancelTransport = nil
	}
}

func (t *Tracker) sendStop(ctx context.Context, jobID string) error {
	ok, err := t.client.Stop(ctx, jobID)
	if err != nil {
		t.logger.Warn("stop request failed", "job_id", jobID, "error", err)
		return fmt.Errorf("failed to stop job %s: %w", jobID, err)
	}
	if !ok {
		t.logger.Warn("server did not acknowledge stop", "job_id", jobID)
	}
	return nil
}

func (t *Tracker) write(updates map[string]any) {
	prefixed := make(map[string]any, len(updates))
	for k, v := range updates {
		prefixed[Key(t.namespace, k)] = v
	}
	if err := t.store.SetMultiple(prefixed, false); err != nil {
		t.logger.Error("failed to update store", "error", err)
	}
}

// poll checks status immediately and then every pollInterval until the job
// is terminal, a stop has been answered or ctx is canceled.
func (t *Tracker) poll(ctx context.Context, jobID string) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		status, err := t.client.Status(ctx, jobID)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			t.metrics.PollError()
			t.logger.Warn("status check failed", "job_id", jobID, "consecutive", failures, "error", err)
			if failures >= t.maxPollErrors {
				t.mu.Lock()
				if ctx.Err() == nil {
					t.finishLocked(StateFailed, TerminalPayload{}, &TransportError{
						Op:  "poll",
						Err: fmt.Errorf("%d consecutive status checks failed: %w", failures, err),
					})
				}
				t.mu.Unlock()
				return
			}
		} else {
			failures = 0
			if t.applyStatus(ctx, status) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stopAck:
			t.cancelAfterStop(ctx)
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) cancelAfterStop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() == nil {
		t.finishLocked(StateCancelled, TerminalPayload{}, nil)
	}
}

// applyStatus reports whether polling should end.
func (t *Tracker) applyStatus(ctx context.Context, st *Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Canceled under mu by finishLocked.
	if ctx.Err() != nil {
		return true
	}
	if st.Progress != nil {
		t.applySnapshotLocked(*st.Progress)
	}
	if !st.State.Terminal() {
		return false
	}
	t.finishLocked(st.State, TerminalPayload{Summary: st.Summary, Error: st.Error}, nil)
	return true
}

func (t *Tracker) listen(ctx context.Context, jobID string, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopAck:
			t.drainAfterStop(ctx, jobID, events)
			return
		case ev, ok := <-events:
			if !ok {
				t.mu.Lock()
				if ctx.Err() == nil {
					t.finishLocked(StateFailed, TerminalPayload{}, &TransportError{
						Op:  "push",
						Err: errors.New("event channel closed before the job finished"),
					})
				}
				t.mu.Unlock()
				return
			}
			if ev.Kind == EventReconnected {
				if t.catchUp(ctx, jobID) {
					return
				}
				continue
			}
			if ev.JobID != jobID {
				t.logger.Debug("ignoring event for another job", "job_id", jobID, "event_job_id", ev.JobID)
				continue
			}
			if t.applyEvent(ctx, ev) {
				return
			}
		}
	}
}

// drainAfterStop applies the events already received for the job, so that
// a terminal event racing the stop request wins, and then cancels the job.
func (t *Tracker) drainAfterStop(ctx context.Context, jobID string, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.cancelAfterStop(ctx)
				return
			}
			if ev.JobID != jobID {
				continue
			}
			if t.applyEvent(ctx, ev) {
				return
			}
		default:
			t.cancelAfterStop(ctx)
			return
		}
	}
}

// catchUp fetches the job's status once after the push channel was
// re-established, since events sent while it was down are lost. It reports
// whether listening should end.
func (t *Tracker) catchUp(ctx context.Context, jobID string) bool {
	status, err := t.client.Status(ctx, jobID)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		t.logger.Warn("status check after reconnect failed", "job_id", jobID, "error", err)
		return false
	}
	t.logger.Debug("caught up after reconnect", "job_id", jobID, "state", status.State)
	return t.applyStatus(ctx, status)
}

// applyEvent reports whether listening should end.
func (t *Tracker) applyEvent(ctx context.Context, ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ctx.Err() != nil {
		return true
	}

	switch ev.Kind {
	case EventProgress:
		if ev.Progress != nil {
			t.applySnapshotLocked(*ev.Progress)
		}
		return false
	case EventComplete:
		t.finishLocked(StateCompleted, TerminalPayload{Progress: ev.Progress, Summary: ev.Summary}, nil)
		return true
	case EventFailed:
		t.finishLocked(StateFailed, TerminalPayload{Summary: ev.Summary, Error: ev.Error}, nil)
		return true
	default:
		t.logger.Debug("ignoring unknown event", "job_id", ev.JobID, "kind", ev.Kind)
		return false
	}
}

// completeProgress builds the final progress and summary for a completed
// job so that processed equals successful plus failed. Counters come from
// the summary when there is one. Without a summary, processed items not
// accounted as successful are counted as failed.
func completeProgress(last Snapshot, p TerminalPayload) (Snapshot, *Summary) {
	final := copySnapshot(last)
	if p.Progress != nil && p.Progress.Validate() == nil {
		final.Processed = p.Progress.Processed
		final.Total = p.Progress.Total
		final.Successful = p.Progress.Successful
		final.Failed = p.Progress.Failed
		if p.Progress.CurrentItem != nil {
			final.CurrentItem = p.Progress.CurrentItem
		}
		if p.Progress.ElapsedSeconds > 0 {
			final.ElapsedSeconds = p.Progress.ElapsedSeconds
			final.Rate = p.Progress.Rate
		}
		if p.Progress.ErrorCount > 0 {
			final.ErrorCount = p.Progress.ErrorCount
		}
	}
	final.EstimatedCompletion = nil

	var summary Summary
	if p.Summary != nil {
		summary = *p.Summary
		final.Successful = summary.Successful
		final.Failed = summary.Failed
	} else if rest := final.Processed - final.Successful - final.Failed; rest > 0 {
		final.Failed += rest
	}
	final.Processed = final.Successful + final.Failed
	if final.Total < final.Processed {
		final.Total = final.Processed
	}

	if p.Summary == nil {
		summary = Summary{
			TotalSymbols: final.Total,
			Successful:   final.Successful,
			Failed:       final.Failed,
		}
	}
	return final, &summary
}

func copySnapshot(s Snapshot) Snapshot {
	if s.CurrentItem != nil {
		item := *s.CurrentItem
		s.CurrentItem = &item
	}
	if s.Sequence != nil {
		seq := *s.Sequence
		s.Sequence = &seq
	}
	if s.EstimatedCompletion != nil {
		eta := *s.EstimatedCompletion
		s.EstimatedCompletion = &eta
	}
	return s
}

func progressUpdates(s Snapshot) map[string]any {
	var item, eta any
	if s.CurrentItem != nil {
		item = *s.CurrentItem
	}
	if s.EstimatedCompletion != nil {
		eta = *s.EstimatedCompletion
	}
	return map[string]any{
		KeyProcessed:   s.Processed,
		KeyTotal:       s.Total,
		KeySuccessful:  s.Successful,
		KeyFailed:      s.Failed,
		KeyCurrentItem: item,
		KeyPercentage:  s.Percentage(),
		KeyElapsed:     s.ElapsedSeconds,
		KeyRate:        s.Rate,
		KeyETA:         eta,
		KeyErrorCount:  s.ErrorCount,
	}
}
