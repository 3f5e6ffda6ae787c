package testutil

import (
	"fmt"

	"github.com/thruflo/bulkwatch/internal/job"
)

// SampleConfigYAML is a complete configuration file.
const SampleConfigYAML = `server:
  base_url: "http://localhost:5000"
  push: "sse"
  requests_per_second: 10
  burst: 2
jobs:
  max_units: 100
  poll_interval: 2s
  max_poll_errors: 3
  default_interval: "1d"
  default_period: "1mo"
store:
  namespace: "bulkwatch-test"
  backend: "memory"
sequential:
  symbol_limit: 50
  market: "prime"
log_level: "debug"
`

// SampleSymbols returns n JPX-style ticker symbols ("1300.T", "1301.T", ...).
func SampleSymbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d.T", 1300+i)
	}
	return out
}

// Seq returns a pointer to a sequence number.
func Seq(n int64) *int64 {
	return &n
}

// Item returns a pointer to a current-item string.
func Item(s string) *string {
	return &s
}

// Progress builds a snapshot.
func Progress(processed, total, successful, failed int) job.Snapshot {
	return job.Snapshot{
		Processed:  processed,
		Total:      total,
		Successful: successful,
		Failed:     failed,
	}
}

// ProgressSeq builds a snapshot carrying a sequence number.
func ProgressSeq(seq int64, processed, total, successful, failed int) job.Snapshot {
	s := Progress(processed, total, successful, failed)
	s.Sequence = Seq(seq)
	return s
}

// SampleSummary returns a summary for a job over total symbols.
func SampleSummary(successful, failed int) *job.Summary {
	return &job.Summary{
		TotalSymbols:    successful + failed,
		Successful:      successful,
		Failed:          failed,
		DurationSeconds: 1.5,
	}
}
