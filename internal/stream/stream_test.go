package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/bulkwatch/internal/api"
	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/testutil"
)

var fastReconnect = ReconnectPolicy{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     20 * time.Millisecond,
	MaxElapsedTime:  2 * time.Second,
}

func progressData(jobID string, processed, total int) map[string]any {
	return map[string]any{
		"job_id":      jobID,
		"batch_db_id": 7,
		"progress": map[string]any{
			"total": total, "processed": processed, "successful": processed, "failed": 0,
			"progress_percentage": 0, "current_symbol": "1301.T",
		},
	}
}

func completeData(jobID string) map[string]any {
	return map[string]any{
		"job_id":      jobID,
		"batch_db_id": 7,
		"summary":     map[string]any{"total_symbols": 3, "successful": 3, "failed": 0, "duration_seconds": 2.5},
	}
}

func next(t *testing.T, ch <-chan job.Event) job.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return job.Event{}
	}
}

func waitClosed(t *testing.T, ch <-chan job.Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("channel was not closed")
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   string
		data    string
		want    job.Event
		wantErr bool
	}{
		{
			name:  "progress",
			event: EventBulkProgress,
			data:  `{"job_id":"job-1","batch_db_id":3,"progress":{"total":4,"processed":2,"successful":1,"failed":1,"progress_percentage":50.0,"current_symbol":null}}`,
			want: job.Event{Kind: job.EventProgress, JobID: "job-1", Progress: &job.Snapshot{
				Processed: 2, Total: 4, Successful: 1, Failed: 1,
			}},
		},
		{
			name:  "complete",
			event: EventBulkComplete,
			data:  `{"job_id":"job-1","summary":{"total_symbols":4,"successful":3,"failed":1,"duration_seconds":1.0}}`,
			want: job.Event{Kind: job.EventComplete, JobID: "job-1", Summary: &job.Summary{
				TotalSymbols: 4, Successful: 3, Failed: 1, DurationSeconds: 1,
			}},
		},
		{
			name:  "complete without summary",
			event: EventBulkComplete,
			data:  `{"job_id":"job-1"}`,
			want:  job.Event{Kind: job.EventComplete, JobID: "job-1"},
		},
		{
			name:  "failed",
			event: EventBulkFailed,
			data:  `{"job_id":"job-1","error":"database unavailable"}`,
			want:  job.Event{Kind: job.EventFailed, JobID: "job-1", Error: "database unavailable"},
		},
		{name: "progress without job", event: EventBulkProgress, data: `{"progress":{"total":1,"processed":0}}`, wantErr: true},
		{name: "progress without body", event: EventBulkProgress, data: `{"job_id":"job-1"}`, wantErr: true},
		{name: "negative counters", event: EventBulkProgress, data: `{"job_id":"job-1","progress":{"total":1,"processed":-1}}`, wantErr: true},
		{name: "complete without job", event: EventBulkComplete, data: `{}`, wantErr: true},
		{name: "not json", event: EventBulkFailed, data: `not json`, wantErr: true},
		{name: "unknown event", event: "bulk_heartbeat", data: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeEvent(tt.event, []byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventUnknown(t *testing.T) {
	t.Parallel()

	_, err := DecodeEvent("heartbeat", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	ev, err := DecodeFrame([]byte(`{"event":"bulk_failed","data":{"job_id":"job-2","error":"boom"}}`))
	require.NoError(t, err)
	assert.Equal(t, job.Event{Kind: job.EventFailed, JobID: "job-2", Error: "boom"}, ev)

	_, err = DecodeFrame([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`[`))
	assert.Error(t, err)
}

func TestWebSocketURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"http://localhost:5000":        "ws://localhost:5000/ws",
		"https://api.example.com/":     "wss://api.example.com/ws",
		"ws://localhost:5000/socket":   "ws://localhost:5000/socket",
		"wss://api.example.com/ws?x=1": "wss://api.example.com/ws?x=1",
	}
	for in, want := range tests {
		got, err := WebSocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := WebSocketURL("ftp://example.com")
	assert.Error(t, err)
}

func TestReconnectPolicyBackOff(t *testing.T) {
	t.Parallel()

	b := ReconnectPolicy{InitialInterval: time.Second, MaxInterval: 3 * time.Second, MaxElapsedTime: time.Minute}.backOff()
	assert.Equal(t, time.Second, b.InitialInterval)
	assert.Equal(t, 3*time.Second, b.MaxInterval)
	assert.Equal(t, time.Minute, b.MaxElapsedTime)

	d := DefaultReconnectPolicy().backOff()
	assert.Equal(t, DefaultMaxReconnectTime, d.MaxElapsedTime)
}

func TestSSESourceDeliversEvents(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	src := NewSSESource(srv.URL+"/", WithLogger(logging.Discard()), WithReconnectPolicy(fastReconnect))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)

	srv.Emit(EventBulkProgress, progressData("job-1", 1, 3))
	srv.Emit(EventBulkProgress, map[string]any{"job_id": ""})
	srv.Emit("bulk_heartbeat", map[string]any{})
	srv.Emit(EventBulkComplete, completeData("job-1"))

	ev := next(t, ch)
	assert.Equal(t, job.EventProgress, ev.Kind)
	assert.Equal(t, "job-1", ev.JobID)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 1, ev.Progress.Processed)
	require.NotNil(t, ev.Progress.CurrentItem)
	assert.Equal(t, "1301.T", *ev.Progress.CurrentItem)

	ev = next(t, ch)
	assert.Equal(t, job.EventComplete, ev.Kind, "malformed and unknown events are skipped")
	require.NotNil(t, ev.Summary)
	assert.Equal(t, 3, ev.Summary.Successful)

	srv.Emit(EventBulkFailed, map[string]any{"job_id": "job-2", "error": "boom"})
	ev = next(t, ch)
	assert.Equal(t, job.Event{Kind: job.EventFailed, JobID: "job-2", Error: "boom"}, ev)

	cancel()
	waitClosed(t, ch)
}

func TestSSESourceFirstConnect(t *testing.T) {
	t.Parallel()

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewSSESource(url, WithLogger(logging.Discard())).Subscribe(context.Background())
		require.Error(t, err)
		assert.True(t, job.IsTransportError(err))
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		srv := testutil.NewBulkServer(t)
		srv.APIKey = "secret"

		_, err := NewSSESource(srv.URL, WithLogger(logging.Discard())).Subscribe(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err = NewSSESource(srv.URL, WithLogger(logging.Discard()), WithAPIKey("secret")).Subscribe(ctx)
		assert.NoError(t, err)
	})
}

// connLog records connection state changes.
type connLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *connLog) record(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, connected)
}

func (l *connLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

// nextOfKind skips events until one of kind arrives.
func nextOfKind(t *testing.T, ch <-chan job.Event, kind job.EventKind) job.Event {
	t.Helper()
	for {
		if ev := next(t, ch); ev.Kind == kind {
			return ev
		}
	}
}

func TestSSESourceReconnects(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	states := &connLog{}
	src := NewSSESource(srv.URL,
		WithLogger(logging.Discard()), WithReconnectPolicy(fastReconnect), WithConnectionState(states.record))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, states.get())

	srv.Emit(EventBulkProgress, progressData("job-1", 1, 3))
	assert.Equal(t, "job-1", next(t, ch).JobID)

	srv.Disconnect()
	ev := next(t, ch)
	assert.Equal(t, job.Event{Kind: job.EventReconnected}, ev)
	assert.Equal(t, []bool{true, false, true}, states.get())

	srv.Emit(EventBulkComplete, completeData("job-2"))
	ev = next(t, ch)
	assert.Equal(t, job.EventComplete, ev.Kind)
	assert.Equal(t, "job-2", ev.JobID)

	cancel()
	waitClosed(t, ch)
	assert.Equal(t, []bool{true, false, true, false}, states.get())
}

func TestSSESourceReplayedBacklog(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.ReplayBacklog = true
	srv.Emit(EventBulkProgress, progressData("job-1", 1, 3))
	srv.Emit(EventBulkComplete, completeData("job-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewSSESource(srv.URL, WithLogger(logging.Discard())).Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, job.EventProgress, next(t, ch).Kind)
	assert.Equal(t, job.EventComplete, next(t, ch).Kind)
}

func TestSSESourceGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: bulk_failed\ndata: {\"job_id\":\"job-1\",\"error\":\"boom\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	policy := ReconnectPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond}
	states := &connLog{}
	src := NewSSESource(srv.URL,
		WithLogger(logging.Discard()), WithReconnectPolicy(policy), WithConnectionState(states.record))

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.EventFailed, next(t, ch).Kind)

	waitClosed(t, ch)
	assert.Equal(t, []bool{true, false}, states.get())
	assert.Greater(t, calls.Load(), int32(1), "reconnect was attempted")
}

func TestSSEEnvelopeWithoutEventLine(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"bulk_progress\",\n")
		fmt.Fprint(w, "data: \"data\":{\"job_id\":\"job-1\",\"progress\":{\"total\":2,\"processed\":1}}}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewSSESource(srv.URL, WithLogger(logging.Discard())).Subscribe(ctx)
	require.NoError(t, err)

	ev := next(t, ch)
	assert.Equal(t, job.EventProgress, ev.Kind)
	assert.Equal(t, 1, ev.Progress.Processed)

	cancel()
	waitClosed(t, ch)
}

func TestWebSocketSource(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.APIKey = "secret"

	states := &connLog{}
	src, err := NewWebSocketSource(srv.URL,
		WithLogger(logging.Discard()), WithAPIKey("secret"), WithReconnectPolicy(fastReconnect),
		WithConnectionState(states.record))
	require.NoError(t, err)
	assert.Equal(t, "ws"+srv.URL[len("http"):]+"/ws", src.URL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)

	srv.Emit(EventBulkProgress, progressData("job-1", 2, 3))
	srv.Emit(EventBulkProgress, map[string]any{"progress": nil})

	ev := next(t, ch)
	assert.Equal(t, job.EventProgress, ev.Kind)
	assert.Equal(t, 2, ev.Progress.Processed)

	srv.Emit(EventBulkComplete, completeData("job-1"))
	ev = next(t, ch)
	assert.Equal(t, job.EventComplete, ev.Kind, "malformed frame is skipped")

	srv.Disconnect()
	nextOfKind(t, ch, job.EventReconnected)
	srv.Emit(EventBulkFailed, map[string]any{"job_id": "job-3", "error": "boom"})
	assert.Equal(t, "job-3", next(t, ch).JobID)

	cancel()
	waitClosed(t, ch)
	assert.Equal(t, []bool{true, false, true, false}, states.get())
}

func TestWebSocketSourceRejected(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.APIKey = "secret"

	src, err := NewWebSocketSource(srv.URL, WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = src.Subscribe(context.Background())
	require.Error(t, err)
	assert.True(t, job.IsTransportError(err))
}

func TestTrackerOverSSE(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-1")
	store, _ := testutil.NewMemoryStore(t, "test")

	client := api.NewClient(srv.URL, api.WithLogger(logging.Discard()))
	src := NewSSESource(srv.URL, WithLogger(logging.Discard()), WithReconnectPolicy(fastReconnect))
	tr := job.NewTracker(client, store, job.WithEventSource(src), job.WithLogger(logging.Discard()))

	require.NoError(t, tr.Start(context.Background(), job.StartRequest{Units: testutil.SampleSymbols(3)}))
	assert.Equal(t, job.TransportPush, tr.Handle().Transport)

	srv.Emit(EventBulkProgress, progressData("other-job", 1, 9))
	srv.Emit(EventBulkProgress, progressData("job-1", 2, 3))
	srv.Emit(EventBulkComplete, completeData("job-1"))

	ctx, cancel := testutil.JobContext(t)
	defer cancel()
	h, err := tr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, h.State)
	testutil.AssertProgress(t, store, job.DefaultNamespace, 3, 3, 3, 0)
	assert.Equal(t, 0, srv.StatusCalls("job-1"), "push transport never polls")
}

func TestTrackerSeesCompletionSentBeforeStartReturns(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-1")
	srv.OnStart = func(id string) {
		srv.Emit(EventBulkProgress, progressData(id, 3, 3))
		srv.Emit(EventBulkComplete, completeData(id))
	}
	store, _ := testutil.NewMemoryStore(t, "test")

	client := api.NewClient(srv.URL, api.WithLogger(logging.Discard()))
	src := NewSSESource(srv.URL, WithLogger(logging.Discard()), WithReconnectPolicy(fastReconnect))
	tr := job.NewTracker(client, store, job.WithEventSource(src), job.WithLogger(logging.Discard()))

	require.NoError(t, tr.Start(context.Background(), job.StartRequest{Units: testutil.SampleSymbols(3)}))

	ctx, cancel := testutil.JobContext(t)
	defer cancel()
	h, err := tr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Handle{JobID: "job-1", State: job.StateCompleted, Transport: job.TransportPush}, h)
	assert.Equal(t, 0, srv.StatusCalls("job-1"))
}

func TestTrackerCatchesUpAfterReconnect(t *testing.T) {
	t.Parallel()

	srv := testutil.NewBulkServer(t)
	srv.QueueJob("job-1", testutil.JobStatus("completed",
		map[string]any{"total": 3, "processed": 3, "successful": 2, "failed": 1},
		map[string]any{"total_symbols": 3, "successful": 2, "failed": 1},
		""))
	store, _ := testutil.NewMemoryStore(t, "test")

	client := api.NewClient(srv.URL, api.WithLogger(logging.Discard()))
	src := NewSSESource(srv.URL, WithLogger(logging.Discard()), WithReconnectPolicy(fastReconnect))
	tr := job.NewTracker(client, store, job.WithEventSource(src), job.WithLogger(logging.Discard()))

	require.NoError(t, tr.Start(context.Background(), job.StartRequest{Units: testutil.SampleSymbols(3)}))
	srv.Emit(EventBulkProgress, progressData("job-1", 1, 3))

	// The completion went out while the stream was down.
	srv.Disconnect()

	ctx, cancel := testutil.JobContext(t)
	defer cancel()
	h, err := tr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, h.State)
	assert.Equal(t, job.TransportPush, h.Transport)
	assert.Equal(t, 1, srv.StatusCalls("job-1"))
	testutil.AssertProgress(t, store, job.DefaultNamespace, 3, 3, 2, 1)
}
