package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Ask the server to stop a running job",
		Long: `Send a stop request for a job started elsewhere, for example by another
bulkwatch process or the web UI. The server finishes the symbol in flight and
reports the job as cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
	defer cancel()

	ok, err := a.client.Stop(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to stop job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("server did not acknowledge stop for job %s", jobID)
	}
	fmt.Fprintf(a.out, "Stop requested for job %s\n", jobID)
	return nil
}
