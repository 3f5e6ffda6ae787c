package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// StartBody is a decoded POST /api/bulk/start request.
type StartBody struct {
	Symbols  []string `json:"symbols"`
	Interval string   `json:"interval"`
	Period   string   `json:"period"`
}

// BulkServer is an httptest server speaking the bulk API: start, status,
// stop, symbol listing, and push events over SSE (/api/bulk/events) and
// WebSocket (/ws).
type BulkServer struct {
	*httptest.Server

	// APIKey, when set, is required in the X-API-KEY header.
	APIKey string
	// ReplayBacklog makes every new push stream begin with all events
	// emitted so far. By default streams only see live events.
	ReplayBacklog bool
	// OnStart, when set, runs after a job is created and before the start
	// response is written.
	OnStart func(jobID string)

	mu          sync.Mutex
	queue       []string
	statuses    map[string][]map[string]any
	statusCalls map[string]int
	starts      []StartBody
	stops       []string
	symbols     []string
	markets     []string
	backlog     []pushFrame
	subs        map[chan pushFrame]struct{}
	next        int

	upgrader websocket.Upgrader
}

type pushFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewBulkServer starts a server that is closed when the test ends.
func NewBulkServer(t *testing.T) *BulkServer {
	t.Helper()

	s := &BulkServer{
		statuses:    make(map[string][]map[string]any),
		statusCalls: make(map[string]int),
		subs:        make(map[chan pushFrame]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/bulk/start", s.handleStart)
	mux.HandleFunc("GET /api/bulk/status/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/bulk/stop/{id}", s.handleStop)
	mux.HandleFunc("GET /api/bulk/jpx-sequential/get-symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/bulk/events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Disconnect()
		s.Server.Close()
	})
	return s
}

// JobStatus builds the "job" object of a status response.
func JobStatus(status string, progress, summary map[string]any, errMsg string) map[string]any {
	job := map[string]any{"status": status}
	if progress != nil {
		job["progress"] = progress
	}
	if summary != nil {
		job["summary"] = summary
	}
	if errMsg != "" {
		job["error"] = errMsg
	}
	return job
}

// QueueJob schedules the next job identifier handed out by start and the
// status objects returned for it, in order; the last one repeats.
func (s *BulkServer) QueueJob(id string, statuses ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, id)
	s.statuses[id] = statuses
}

// SetSymbols sets the symbol master returned by get-symbols.
func (s *BulkServer) SetSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = symbols
}

// Emit publishes a push event to current subscribers. It is kept for later
// subscribers when ReplayBacklog is set.
func (s *BulkServer) Emit(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("testutil: cannot marshal event data: %v", err))
	}
	f := pushFrame{Event: event, Data: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, f)
	for ch := range s.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Disconnect ends every open push stream.
func (s *BulkServer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

// Starts returns the decoded start requests.
func (s *BulkServer) Starts() []StartBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartBody(nil), s.starts...)
}

// Stops returns the job identifiers stop was called with.
func (s *BulkServer) Stops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stops...)
}

// StatusCalls returns how often status was requested for id.
func (s *BulkServer) StatusCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[id]
}

// Markets returns the market_category values get-symbols received.
func (s *BulkServer) Markets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.markets...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": kind, "message": msg})
}

func (s *BulkServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.APIKey == "" || r.Header.Get("X-API-KEY") == s.APIKey {
		return true
	}
	apiError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
	return false
}

func (s *BulkServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	var body StartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Symbols) == 0 {
		apiError(w, http.StatusBadRequest, "VALIDATION_ERROR", "'symbols' must be a list of strings")
		return
	}
	if len(body.Symbols) > 5000 {
		apiError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
			fmt.Sprintf("at most 5000 symbols per request, got %d", len(body.Symbols)))
		return
	}

	s.mu.Lock()
	s.starts = append(s.starts, body)
	var id string
	if len(s.queue) > 0 {
		id = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		s.next++
		id = fmt.Sprintf("job-%d", s.next)
		s.statuses[id] = nil
	}
	hook := s.OnStart
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": id, "status": "accepted"})
}

func (s *BulkServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	statuses, ok := s.statuses[id]
	i := s.statusCalls[id]
	s.statusCalls[id] = i + 1
	s.mu.Unlock()

	if !ok {
		apiError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}

	job := map[string]any{"status": "running"}
	if len(statuses) > 0 {
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		job = statuses[i]
	}
	out := map[string]any{"id": id}
	for k, v := range job {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": out})
}

func (s *BulkServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	_, ok := s.statuses[id]
	if ok {
		s.stops = append(s.stops, id)
	}
	s.mu.Unlock()

	if !ok {
		apiError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "cancel accepted",
		"job":     map[string]any{"id": id, "status": "cancel_requested"},
	})
}

func (s *BulkServer) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	limit := 5000
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 5000 {
			apiError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 5000")
			return
		}
		limit = n
	}
	market := r.URL.Query().Get("market_category")

	s.mu.Lock()
	s.markets = append(s.markets, market)
	symbols := s.symbols
	s.mu.Unlock()

	if len(symbols) > limit {
		symbols = symbols[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"symbols":         symbols,
		"total":           len(symbols),
		"market_category": market,
	})
}

func (s *BulkServer) subscribe() (chan pushFrame, []pushFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan pushFrame, 64)
	s.subs[ch] = struct{}{}
	if !s.ReplayBacklog {
		return ch, nil
	}
	return ch, append([]pushFrame(nil), s.backlog...)
}

// Subscribers returns the number of open push streams.
func (s *BulkServer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *BulkServer) unsubscribe(ch chan pushFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *BulkServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, backlog := s.subscribe()
	defer s.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(f pushFrame) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
		flusher.Flush()
	}
	for _, f := range backlog {
		write(f)
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			write(f)
		}
	}
}

func (s *BulkServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	// Subscribed before the upgrade so that events emitted once the client
	// is connected are not lost.
	ch, backlog := s.subscribe()
	defer s.unsubscribe(ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The read side only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, f := range backlog {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case f, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server disconnect"))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}
