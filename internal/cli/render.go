package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/orchestrator"
	"github.com/thruflo/bulkwatch/internal/state"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
)

func colorState(s string) string {
	switch job.State(s) {
	case job.StateCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case job.StateFailed:
		return color.New(color.FgRed).Sprint(s)
	case job.StateCancelled:
		return color.New(color.FgYellow).Sprint(s)
	case job.StateRunning:
		return color.New(color.FgCyan).Sprint(s)
	}
	return s
}

// binding is a set of store listeners that can be detached together.
type binding struct {
	store *state.Store
	keys  []string
	ls    []state.Listener
}

func (b *binding) on(key string, fn func(newValue, oldValue any, key string)) {
	l := state.OnChange(fn)
	b.store.AddListener(key, l)
	b.keys = append(b.keys, key)
	b.ls = append(b.ls, l)
}

func (b *binding) detach() {
	for i, k := range b.keys {
		b.store.RemoveListener(k, b.ls[i])
	}
	b.keys, b.ls = nil, nil
}

// jobRenderer prints a tracker's progress from the store keys it writes.
type jobRenderer struct {
	binding
	p      *printer
	ns     string
	indent string

	lastLine string
}

func renderJob(p *printer, store *state.Store, ns, indent string) *jobRenderer {
	r := &jobRenderer{binding: binding{store: store}, p: p, ns: ns, indent: indent}
	r.on(job.Key(ns, job.KeyState), r.onState)
	r.on(job.Key(ns, job.KeyTransport), r.onTransport)
	r.on(job.Key(ns, job.KeyPercentage), r.onProgress)
	r.on(job.Key(ns, job.KeyRate), r.onProgress)
	return r
}

func (r *jobRenderer) get(suffix string) int {
	return state.Value(r.store, job.Key(r.ns, suffix), 0)
}

func (r *jobRenderer) onState(newValue, _ any, _ string) {
	s, _ := newValue.(string)
	switch job.State(s) {
	case job.StateIdle, job.StateStarting, job.StateRunning, "":
		// Running is reported once the transport is known.
		return
	case job.StateFailed:
		msg := state.Value(r.store, job.Key(r.ns, job.KeyError), "")
		r.p.Printf("%sjob %s: %s\n", r.indent, colorState(s), msg)
	default:
		r.p.Printf("%sjob %s\n", r.indent, colorState(s))
	}
}

func (r *jobRenderer) onTransport(newValue, _ any, _ string) {
	transport, _ := newValue.(string)
	if transport == "" || job.Transport(transport) == job.TransportNone {
		return
	}
	id := state.Value(r.store, job.Key(r.ns, job.KeyJobID), "")
	r.p.Printf("%sjob %s %s (%s)\n", r.indent, id, colorState(string(job.StateRunning)), transport)
}

func (r *jobRenderer) onProgress(_, _ any, _ string) {
	line := fmt.Sprintf("%s[%3d%%] %d/%d processed, %d ok, %d failed",
		r.indent,
		r.get(job.KeyPercentage),
		r.get(job.KeyProcessed),
		r.get(job.KeyTotal),
		r.get(job.KeySuccessful),
		r.get(job.KeyFailed),
	)
	if rate := state.Value(r.store, job.Key(r.ns, job.KeyRate), 0.0); rate > 0 {
		line += fmt.Sprintf("  %.1f/s", rate)
		eta := state.Value(r.store, job.Key(r.ns, job.KeyETA), "")
		if t, ok := job.ParseETA(eta, time.Local); ok {
			line += " eta " + t.Local().Format("15:04:05")
		}
	}
	if item := state.Value(r.store, job.Key(r.ns, job.KeyCurrentItem), ""); item != "" {
		line += "  " + item
	}

	// Tracker writes are serialized, so lastLine needs no lock.
	if line == r.lastLine {
		return
	}
	r.lastLine = line
	r.p.Progress(line)
}

// phaseRenderer prints phase transitions and results of an orchestration.
type phaseRenderer struct {
	binding
	p  *printer
	ns string
}

func renderPhases(p *printer, store *state.Store, ns string) *phaseRenderer {
	r := &phaseRenderer{binding: binding{store: store}, p: p, ns: ns}
	r.on(ns+"."+orchestrator.KeyCurrentPhase, r.onPhase)
	r.on(ns+"."+orchestrator.KeyPhaseResults, r.onResults)
	r.on(ns+"."+orchestrator.KeyUnitCount, r.onUnits)
	return r
}

func (r *phaseRenderer) onUnits(newValue, _ any, _ string) {
	if n, ok := newValue.(int); ok && n > 0 {
		r.p.Printf("Resolved %d symbols\n", n)
	}
}

func (r *phaseRenderer) onPhase(newValue, _ any, _ string) {
	name, ok := newValue.(string)
	if !ok {
		return
	}
	i := state.Value(r.store, r.ns+"."+orchestrator.KeyCurrentPhaseIndex, 0)
	total := state.Value(r.store, r.ns+"."+orchestrator.KeyTotalPhases, 0)
	r.p.Printf("Phase %d/%d: %s\n", i+1, total, color.New(color.Bold).Sprint(name))
}

func (r *phaseRenderer) onResults(newValue, _ any, _ string) {
	results, _ := newValue.([]orchestrator.PhaseResult)
	if len(results) == 0 {
		return
	}
	r.p.Printf("%s\n", phaseResultLine(results[len(results)-1]))
}

func phaseResultLine(res orchestrator.PhaseResult) string {
	mark := okMark
	if !res.Success {
		mark = failMark
	}
	line := fmt.Sprintf("  %s %s (%s/%s)", mark, res.Name, res.Interval, res.Period)
	if res.Summary != nil {
		line += fmt.Sprintf(" %d ok, %d failed", res.Summary.Successful, res.Summary.Failed)
	}
	if res.Error != "" {
		line += ": " + res.Error
	}
	return line
}

func printJobSummary(p *printer, h job.Handle, s *job.Summary) {
	p.Printf("Job %s %s\n", h.JobID, colorState(string(h.State)))
	if s == nil {
		return
	}
	p.Printf("  symbols:    %d\n", s.TotalSymbols)
	p.Printf("  successful: %d\n", s.Successful)
	p.Printf("  failed:     %d\n", s.Failed)
	if s.DurationSeconds > 0 {
		p.Printf("  duration:   %.1fs\n", s.DurationSeconds)
	}
}

func printAggregate(p *printer, h job.Handle, a orchestrator.AggregateSummary) {
	p.Printf("Sequential fetch %s %s: %d/%d phases, %d succeeded, %d failed\n",
		h.JobID, colorState(string(h.State)),
		a.CompletedPhases, a.TotalPhases, a.SuccessfulPhases, a.FailedPhases)
}
