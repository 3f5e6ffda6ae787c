// Package orchestrator runs a list of fetch phases one after another over a
// single symbol set and exposes them as one logical job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/metrics"
	"github.com/thruflo/bulkwatch/internal/state"
)

// DefaultNamespace prefixes the orchestrator's store keys.
const DefaultNamespace = "sequential"

// Store key suffixes written by an Orchestrator.
const (
	KeyJobID             = "jobId"
	KeyState             = "state"
	KeyTotalPhases       = "totalPhases"
	KeyCompletedPhases   = "completedPhases"
	KeyCurrentPhase      = "currentPhase"
	KeyCurrentPhaseIndex = "currentPhaseIndex"
	KeyUnitCount         = "unitCount"
	KeyPhaseResults      = "phaseResults"
	KeySummary           = "summary"
	KeyError             = "error"
)

const stopTimeout = 10 * time.Second

// ErrCancelled is returned by Run when Stop ended the orchestration.
var ErrCancelled = errors.New("orchestrator: cancelled")

// PhaseResult is the outcome of one phase. Results are appended once per
// phase in phase order and never rewritten.
type PhaseResult struct {
	Name     string       `json:"name"`
	Interval string       `json:"interval"`
	Period   string       `json:"period"`
	JobID    string       `json:"job_id,omitempty"`
	Success  bool         `json:"success"`
	Summary  *job.Summary `json:"summary"`
	Error    string       `json:"error,omitempty"`
}

// AggregateSummary is derived from the phase history.
type AggregateSummary struct {
	TotalPhases      int           `json:"total_phases"`
	CompletedPhases  int           `json:"completed_phases"`
	SuccessfulPhases int           `json:"successful_phases"`
	FailedPhases     int           `json:"failed_phases"`
	Results          []PhaseResult `json:"results"`
}

// Aggregate recomputes the summary of results out of totalPhases.
func Aggregate(totalPhases int, results []PhaseResult) AggregateSummary {
	a := AggregateSummary{
		TotalPhases:     totalPhases,
		CompletedPhases: len(results),
		Results:         append([]PhaseResult{}, results...),
	}
	for _, r := range results {
		if r.Success {
			a.SuccessfulPhases++
		} else {
			a.FailedPhases++
		}
	}
	return a
}

// Orchestrator drives one PhaseTracker per phase, strictly in order. An
// Orchestrator runs once.
type Orchestrator struct {
	resolver  UnitResolver
	factory   TrackerFactory
	store     *state.Store
	namespace string
	logger    *logging.Logger
	metrics   *metrics.Metrics
	maxUnits  int

	mu            sync.Mutex
	handle        job.Handle
	totalPhases   int
	results       []PhaseResult
	current       PhaseTracker
	stopRequested bool
	cancelResolve context.CancelFunc
	done          chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNamespace sets the prefix of the orchestrator's store keys.
func WithNamespace(ns string) Option {
	return func(o *Orchestrator) {
		o.namespace = ns
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithMaxUnits sets the ceiling on the resolved symbol set. Values outside
// 1..job.DefaultMaxUnits fall back to job.DefaultMaxUnits.
func WithMaxUnits(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 && n <= job.DefaultMaxUnits {
			o.maxUnits = n
		}
	}
}

// New creates an idle Orchestrator.
func New(resolver UnitResolver, factory TrackerFactory, store *state.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:  resolver,
		factory:   factory,
		store:     store,
		namespace: DefaultNamespace,
		logger:    logging.Default(),
		maxUnits:  job.DefaultMaxUnits,
		handle:    job.Handle{State: job.StateIdle, Transport: job.TransportNone},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("orchestrator", o.namespace)
	return o
}

// Namespace returns the prefix of the orchestrator's store keys.
func (o *Orchestrator) Namespace() string {
	return o.namespace
}

// Run resolves the symbol set once and runs every phase to a terminal state.
// A failed phase is recorded and the next phase starts anyway. Run returns
// the aggregate of all recorded phases; it returns ErrCancelled together
// with the partial aggregate when Stop ended the run.
func (o *Orchestrator) Run(ctx context.Context, phases []Phase) (AggregateSummary, error) {
	o.mu.Lock()
	if o.handle.State != job.StateIdle {
		o.mu.Unlock()
		return AggregateSummary{}, job.ErrAlreadyStarted
	}
	if len(phases) == 0 {
		o.mu.Unlock()
		return AggregateSummary{}, &job.ValidationError{Field: "phases", Message: "at least one phase is required"}
	}

	resolveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelResolve = cancel
	o.totalPhases = len(phases)
	o.handle = job.Handle{JobID: uuid.NewString(), State: job.StateStarting, Transport: job.TransportNone}
	o.write(map[string]any{
		KeyJobID:             o.handle.JobID,
		KeyState:             string(job.StateStarting),
		KeyTotalPhases:       len(phases),
		KeyCompletedPhases:   0,
		KeyCurrentPhase:      nil,
		KeyCurrentPhaseIndex: -1,
		KeyUnitCount:         0,
		KeyPhaseResults:      []PhaseResult{},
		KeySummary:           nil,
		KeyError:             nil,
	})
	o.mu.Unlock()

	o.logger.Info("Resolving symbols", "phases", len(phases))
	units, err := o.resolveUnits(resolveCtx)

	o.mu.Lock()
	o.cancelResolve = nil
	if o.stopRequested {
		return o.finishLocked(job.StateCancelled, nil)
	}
	if err != nil {
		return o.finishLocked(job.StateFailed, err)
	}
	o.handle.State = job.StateRunning
	o.write(map[string]any{
		KeyState:     string(job.StateRunning),
		KeyUnitCount: len(units),
	})
	o.mu.Unlock()

	for i, phase := range phases {
		result, ok := o.runPhase(ctx, i, phase, units)
		o.mu.Lock()
		o.current = nil
		if !ok {
			return o.finishLocked(job.StateCancelled, nil)
		}
		o.results = append(o.results, result)
		o.write(map[string]any{
			KeyCompletedPhases: len(o.results),
			KeyPhaseResults:    append([]PhaseResult{}, o.results...),
		})
		stopped := o.stopRequested
		o.mu.Unlock()

		o.metrics.PhaseFinished(result.Success)
		if result.Success {
			o.logger.Info("Phase completed", "phase", phase.Name, "index", i)
		} else {
			o.logger.Warn("Phase failed", "phase", phase.Name, "index", i, "error", result.Error)
		}
		if stopped {
			o.mu.Lock()
			return o.finishLocked(job.StateCancelled, nil)
		}
	}

	o.mu.Lock()
	return o.finishLocked(job.StateCompleted, nil)
}

func (o *Orchestrator) resolveUnits(ctx context.Context) ([]string, error) {
	units, err := o.resolver.ResolveUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symbols: %w", err)
	}
	if len(units) == 0 {
		return nil, &job.ValidationError{Field: "units", Message: "symbol resolution returned no symbols"}
	}
	if len(units) > o.maxUnits {
		return nil, &job.ValidationError{
			Field:   "units",
			Message: fmt.Sprintf("resolved %d symbols, at most %d allowed", len(units), o.maxUnits),
		}
	}
	return units, nil
}

// runPhase runs one phase tracker to a terminal state. It reports false when
// the phase was cancelled by Stop or by ctx, in which case no result is
// recorded.
func (o *Orchestrator) runPhase(ctx context.Context, i int, phase Phase, units []string) (PhaseResult, bool) {
	o.mu.Lock()
	if o.stopRequested {
		o.mu.Unlock()
		return PhaseResult{}, false
	}
	tr := o.factory(phase, i)
	o.current = tr
	o.write(map[string]any{
		KeyCurrentPhase:      phase.Name,
		KeyCurrentPhaseIndex: i,
	})
	o.mu.Unlock()

	o.logger.Info("Starting phase", "phase", phase.Name, "index", i, "interval", phase.Interval, "period", phase.Period)

	result := PhaseResult{Name: phase.Name, Interval: phase.Interval, Period: phase.Period}
	err := tr.Start(ctx, job.StartRequest{Units: units, Interval: phase.Interval, Period: phase.Period})
	if errors.Is(err, job.ErrStopped) {
		return result, false
	}

	// Stop may have found the tracker still idle.
	o.mu.Lock()
	stopped := o.stopRequested
	o.mu.Unlock()
	if stopped {
		o.stopTracker(tr)
		return result, false
	}

	var h job.Handle
	if err == nil {
		h, err = tr.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			o.stopTracker(tr)
			return result, false
		}
	} else {
		h = tr.Handle()
	}

	o.mu.Lock()
	stopped = o.stopRequested
	o.mu.Unlock()
	if stopped && h.State == job.StateCancelled {
		return result, false
	}

	result.JobID = h.JobID
	result.Summary = tr.Summary()
	result.Success = err == nil && h.State == job.StateCompleted
	if !result.Success {
		switch {
		case err != nil:
			result.Error = err.Error()
		default:
			result.Error = fmt.Sprintf("phase ended %s", h.State)
		}
	}
	return result, true
}

func (o *Orchestrator) stopTracker(tr PhaseTracker) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		o.logger.Warn("Failed to stop phase", "error", err)
	}
}

// Stop stops the running phase and ends the orchestration as cancelled.
// Recorded phase results are kept. Stop waits for Run to finish or for ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.handle.State {
	case job.StateStarting, job.StateRunning:
	default:
		o.mu.Unlock()
		return nil
	}
	o.stopRequested = true
	if o.cancelResolve != nil {
		o.cancelResolve()
	}
	tr := o.current
	o.mu.Unlock()

	var err error
	if tr != nil {
		err = tr.Stop(ctx)
	}

	select {
	case <-o.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Handle returns the logical job.
func (o *Orchestrator) Handle() job.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.handle
	if o.current != nil {
		h.Transport = o.current.Handle().Transport
	}
	return h
}

// Results returns a copy of the recorded phase results.
func (o *Orchestrator) Results() []PhaseResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PhaseResult{}, o.results...)
}

// Summary recomputes the aggregate from the recorded phase results.
func (o *Orchestrator) Summary() AggregateSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Aggregate(o.totalPhases, o.results)
}

// Done is closed once the orchestration reaches a terminal state.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// finishLocked records the terminal state and unlocks o.mu.
func (o *Orchestrator) finishLocked(st job.State, cause error) (AggregateSummary, error) {
	defer o.mu.Unlock()

	o.handle.State = st
	summary := Aggregate(o.totalPhases, o.results)
	updates := map[string]any{
		KeyState:             string(st),
		KeyCurrentPhase:      nil,
		KeyCurrentPhaseIndex: -1,
		KeySummary:           summary,
	}
	if cause != nil {
		updates[KeyError] = cause.Error()
	}
	o.write(updates)
	close(o.done)

	switch st {
	case job.StateCompleted:
		o.logger.Info("Orchestration completed",
			"successful", summary.SuccessfulPhases, "failed", summary.FailedPhases)
		return summary, nil
	case job.StateCancelled:
		o.logger.Info("Orchestration cancelled", "completed", summary.CompletedPhases)
		return summary, ErrCancelled
	default:
		o.logger.Error("Orchestration failed", "error", cause)
		return summary, cause
	}
}

func (o *Orchestrator) write(updates map[string]any) {
	prefixed := make(map[string]any, len(updates))
	for k, v := range updates {
		prefixed[o.namespace+"."+k] = v
	}
	if err := o.store.SetMultiple(prefixed, false); err != nil {
		o.logger.Warn("Failed to write orchestration state", "error", err)
	}
}
