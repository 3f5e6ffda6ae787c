package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/bulkwatch/internal/api"
	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/orchestrator"
	"github.com/thruflo/bulkwatch/internal/testutil"
)

func newClient(srv *testutil.BulkServer, opts ...api.ClientOption) *api.Client {
	opts = append([]api.ClientOption{api.WithLogger(logging.Discard())}, opts...)
	return api.NewClient(srv.URL+"/", opts...)
}

func TestStartAndStatus(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-42",
		testutil.JobStatus("running", map[string]any{
			"total": 3, "processed": 1, "successful": 1, "failed": 0,
			"progress_percentage": 33.3, "current_symbol": "1301.T",
		}, nil, ""),
		testutil.JobStatus("completed", map[string]any{
			"total": 3, "processed": 3, "successful": 2, "failed": 1,
		}, map[string]any{
			"total_symbols": 3, "successful": 2, "failed": 1, "duration_seconds": 4.2,
		}, ""),
	)
	client := newClient(srv)
	ctx := context.Background()

	id, err := client.Start(ctx, job.StartRequest{Units: testutil.SampleSymbols(3), Interval: "1d", Period: "1mo"})
	require.NoError(t, err)
	assert.Equal(t, "job-42", id)

	starts := srv.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, testutil.SampleSymbols(3), starts[0].Symbols)
	assert.Equal(t, "1d", starts[0].Interval)
	assert.Equal(t, "1mo", starts[0].Period)

	st, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, st.State)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 1, st.Progress.Processed)
	require.NotNil(t, st.Progress.CurrentItem)
	assert.Equal(t, "1301.T", *st.Progress.CurrentItem)
	assert.Nil(t, st.Summary)

	st, err = client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, st.State)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 3, st.Summary.TotalSymbols)
	assert.Equal(t, 1, st.Summary.Failed)
	assert.InDelta(t, 4.2, st.Summary.DurationSeconds, 0.001)
}

func TestStatusReportsServerFailure(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-1", testutil.JobStatus("failed", nil, nil, "yfinance unavailable"))
	client := newClient(srv)

	id, err := client.Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
	require.NoError(t, err)

	st, err := client.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, st.State)
	assert.Equal(t, "yfinance unavailable", st.Error)
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()

		srv := testutil.NewBulkServer(t)
		_, err := newClient(srv).Status(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, job.IsTransportError(err))

		var apiErr *api.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, "NOT_FOUND", apiErr.Code)
	})

	t.Run("unknown status value", func(t *testing.T) {
		t.Parallel()

		srv := testutil.NewBulkServer(t)
		srv.QueueJob("job-1", testutil.JobStatus("exploded", nil, nil, ""))
		client := newClient(srv)
		_, err := client.Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
		require.NoError(t, err)

		_, err = client.Status(context.Background(), "job-1")
		assert.True(t, job.IsTransportError(err))
	})

	t.Run("server unreachable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := api.NewClient(url, api.WithLogger(logging.Discard())).Status(context.Background(), "job-1")
		assert.True(t, job.IsTransportError(err))
	})
}

func TestStartRejections(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	client := newClient(srv)

	_, err := client.Start(context.Background(), job.StartRequest{})
	require.Error(t, err)
	assert.True(t, job.IsValidationError(err))
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")

	units := make([]string, 5001)
	for i := range units {
		units[i] = "x"
	}
	_, err = client.Start(context.Background(), job.StartRequest{Units: units})
	require.Error(t, err)
	assert.True(t, job.IsValidationError(err))
	assert.Contains(t, err.Error(), "REQUEST_TOO_LARGE")

	assert.Empty(t, srv.Starts())
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.APIKey = "secret"

	_, err := newClient(srv).Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	id, err := newClient(srv, api.WithAPIKey("secret")).Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStop(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-9")
	client := newClient(srv)

	id, err := client.Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
	require.NoError(t, err)

	ok, err := client.Stop(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"job-9"}, srv.Stops())

	// cancel_requested is still a running job.
	srv.QueueJob("job-10", testutil.JobStatus("cancel_requested", nil, nil, ""))
	id, err = client.Start(context.Background(), job.StartRequest{Units: []string{"7203.T"}})
	require.NoError(t, err)
	st, err := client.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, st.State)

	ok, err = client.Stop(context.Background(), "missing")
	assert.False(t, ok)
	assert.True(t, job.IsTransportError(err))
}

func TestSymbolResolver(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.SetSymbols(testutil.SampleSymbols(10))
	client := newClient(srv)

	var resolver orchestrator.UnitResolver = api.SymbolResolver{Client: client, Limit: 4, Market: "prime"}
	units, err := resolver.ResolveUnits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.SampleSymbols(4), units)
	assert.Equal(t, []string{"prime"}, srv.Markets())

	all, err := client.Symbols(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"job":{"id":"job-1","status":"running"}}`))
	}))
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, api.WithLogger(logging.Discard()), api.WithRateLimit(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Status(context.Background(), "job-1")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "three requests at 20/s with burst 1 take at least 100ms")
	assert.Equal(t, int32(3), hits.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Status(ctx, "job-1")
	assert.True(t, job.IsTransportError(err))
}
