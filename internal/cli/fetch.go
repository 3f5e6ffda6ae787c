package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/bulkwatch/internal/job"
)

const stopTimeout = 10 * time.Second

func newFetchCmd() *cobra.Command {
	var symbols []string
	var interval, period string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one bulk fetch job and follow its progress",
		Long: `Start a bulk fetch for the given symbols and follow it until it completes,
fails or is interrupted. Progress arrives over the push channel configured in
server.push, or by polling the status endpoint.

Interrupting (Ctrl-C) asks the server to stop the job.

Example:
  bulkwatch fetch --symbols 7203.T,6758.T --interval 1d --period 1y`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, job.StartRequest{Units: symbols, Interval: interval, Period: period})
		},
	}
	cmd.Flags().StringSliceVarP(&symbols, "symbols", "s", nil, "symbols to fetch, comma separated")
	cmd.Flags().StringVar(&interval, "interval", "", "bar interval (default: jobs.default_interval)")
	cmd.Flags().StringVar(&period, "period", "", "history period (default: jobs.default_period)")
	_ = cmd.MarkFlagRequired("symbols")
	return cmd
}

func runFetch(cmd *cobra.Command, req job.StartRequest) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if req.Interval == "" {
		req.Interval = a.cfg.Jobs.DefaultInterval
	}
	if req.Period == "" {
		req.Period = a.cfg.Jobs.DefaultPeriod
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.startExporter(ctx)

	opts, err := a.trackerOptions()
	if err != nil {
		return err
	}
	tr := job.NewTracker(a.client, a.store, opts...)

	r := renderJob(a.printer, a.store, tr.Namespace(), "")
	defer r.detach()

	a.printer.Printf("Fetching %d symbols (%s/%s)\n", len(req.Units), req.Interval, req.Period)
	// Start errors already name the failed step.
	if err := tr.Start(ctx, req); err != nil {
		return err
	}

	h, err := tr.Wait(ctx)
	if ctx.Err() != nil && !h.State.Terminal() {
		a.printer.Printf("Interrupted, stopping job...\n")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := tr.Stop(stopCtx); err != nil {
			a.logger.Warn("Stop request failed", "job_id", h.JobID, "error", err)
		}
		h, err = tr.Handle(), nil
	}

	printJobSummary(a.printer, h, tr.Summary())
	return err
}
