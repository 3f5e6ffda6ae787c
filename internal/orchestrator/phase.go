package orchestrator

import (
	"context"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/state"
)

// Phase is one granularity of a sequential fetch.
type Phase struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Period   string `json:"period"`
}

// DefaultPhases returns the eight granularities fetched for the full
// symbol master, finest first.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "1-minute bars, 5 days", Interval: "1m", Period: "5d"},
		{Name: "5-minute bars, 1 month", Interval: "5m", Period: "1mo"},
		{Name: "15-minute bars, 1 month", Interval: "15m", Period: "1mo"},
		{Name: "30-minute bars, 1 month", Interval: "30m", Period: "1mo"},
		{Name: "hourly bars, 2 years", Interval: "1h", Period: "2y"},
		{Name: "daily bars, full history", Interval: "1d", Period: "max"},
		{Name: "weekly bars, full history", Interval: "1wk", Period: "max"},
		{Name: "monthly bars, full history", Interval: "1mo", Period: "max"},
	}
}

// UnitResolver produces the symbol set shared by every phase.
type UnitResolver interface {
	ResolveUnits(ctx context.Context) ([]string, error)
}

// UnitResolverFunc adapts a function to UnitResolver.
type UnitResolverFunc func(ctx context.Context) ([]string, error)

func (f UnitResolverFunc) ResolveUnits(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// StaticUnits resolves to a fixed symbol list.
type StaticUnits []string

func (s StaticUnits) ResolveUnits(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// PhaseTracker is the part of *job.Tracker the orchestrator drives.
type PhaseTracker interface {
	Start(ctx context.Context, req job.StartRequest) error
	Stop(ctx context.Context) error
	Wait(ctx context.Context) (job.Handle, error)
	Handle() job.Handle
	Summary() *job.Summary
}

// TrackerFactory returns a fresh tracker for phase index i.
type TrackerFactory func(phase Phase, i int) PhaseTracker

// NewTrackerFactory returns a factory creating job trackers whose keys live
// under "<namespace>.phase". Each phase overwrites the previous phase's keys.
func NewTrackerFactory(client job.Client, namespace string, store *state.Store, opts ...job.TrackerOption) TrackerFactory {
	return func(Phase, int) PhaseTracker {
		o := append([]job.TrackerOption{}, opts...)
		o = append(o, job.WithNamespace(namespace+".phase"))
		return job.NewTracker(client, store, o...)
	}
}
