package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thruflo/bulkwatch/internal/api"
	"github.com/thruflo/bulkwatch/internal/config"
	"github.com/thruflo/bulkwatch/internal/orchestrator"
)

func newSequentialCmd() *cobra.Command {
	var limit int
	var market string
	var symbols []string

	cmd := &cobra.Command{
		Use:     "sequential",
		Aliases: []string{"seq"},
		Short:   "Fetch every granularity for the symbol master, one phase at a time",
		Long: `Resolve the symbol set once, then run one bulk job per granularity in
order (1m, 5m, 15m, 30m, 1h, 1d, 1wk, 1mo unless sequential.phases is set).
A failed phase is reported and the next phase starts anyway.

Interrupting (Ctrl-C) stops the running phase and skips the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequential(cmd, limit, market, symbols)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of symbols (default: sequential.symbol_limit)")
	cmd.Flags().StringVar(&market, "market", "", "market category filter (default: sequential.market)")
	cmd.Flags().StringSliceVarP(&symbols, "symbols", "s", nil, "fetch these symbols instead of the symbol master")
	return cmd
}

func phasesFromConfig(phases []config.Phase) []orchestrator.Phase {
	if len(phases) == 0 {
		return orchestrator.DefaultPhases()
	}
	out := make([]orchestrator.Phase, len(phases))
	for i, p := range phases {
		name := p.Name
		if name == "" {
			name = p.Interval + "/" + p.Period
		}
		out[i] = orchestrator.Phase{Name: name, Interval: p.Interval, Period: p.Period}
	}
	return out
}

func runSequential(cmd *cobra.Command, limit int, market string, symbols []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if limit <= 0 {
		limit = a.cfg.Sequential.SymbolLimit
	}
	if market == "" {
		market = a.cfg.Sequential.Market
	}

	var resolver orchestrator.UnitResolver = api.SymbolResolver{Client: a.client, Limit: limit, Market: market}
	if len(symbols) > 0 {
		resolver = orchestrator.StaticUnits(symbols)
	}

	opts, err := a.trackerOptions()
	if err != nil {
		return err
	}
	factory := orchestrator.NewTrackerFactory(a.client, orchestrator.DefaultNamespace, a.store, opts...)
	orch := orchestrator.New(resolver, factory, a.store,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithMaxUnits(a.cfg.Jobs.MaxUnits),
	)

	phases := renderPhases(a.printer, a.store, orch.Namespace())
	defer phases.detach()
	progress := renderJob(a.printer, a.store, orch.Namespace()+".phase", "    ")
	defer progress.detach()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.startExporter(sigCtx)

	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-sigCtx.Done():
		case <-runDone:
			return
		}
		a.printer.Printf("Interrupted, stopping current phase...\n")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := orch.Stop(stopCtx); err != nil {
			a.logger.Warn("Stop failed", "error", err)
		}
	}()

	// Stop, not context cancellation, ends a run so the server hears about it.
	summary, err := orch.Run(context.WithoutCancel(cmd.Context()), phasesFromConfig(a.cfg.Sequential.Phases))
	printAggregate(a.printer, orch.Handle(), summary)

	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		a.printer.Printf("Sequential fetch cancelled\n")
		return nil
	case err != nil:
		return err
	case summary.FailedPhases > 0:
		return fmt.Errorf("%d of %d phases failed", summary.FailedPhases, summary.TotalPhases)
	}
	return nil
}
