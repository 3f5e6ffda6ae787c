package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
)

// EventsPath is the server-sent events endpoint of the bulk API.
const EventsPath = "/api/bulk/events"

// SSESource subscribes to the bulk API's server-sent events.
type SSESource struct {
	// baseURL is the API root, e.g. "http://localhost:5000"
	baseURL string

	httpClient *http.Client
	apiKey     string
	policy     ReconnectPolicy
	onState    func(connected bool)
	logger     *logging.Logger
}

var _ job.EventSource = (*SSESource)(nil)

// Option configures a push source.
type Option func(*options)

type options struct {
	httpClient *http.Client
	apiKey     string
	policy     ReconnectPolicy
	onState    func(connected bool)
	logger     *logging.Logger
}

// WithAPIKey sends key in the X-API-KEY header.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithHTTPClient sets the HTTP client used for SSE connections. It must not
// set a timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithReconnectPolicy sets how lost connections are re-established.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithConnectionState calls fn whenever a subscription's connection goes up
// or down. It is called from the subscription's goroutine.
func WithConnectionState(fn func(connected bool)) Option {
	return func(o *options) {
		o.onState = fn
	}
}

// WithLogger sets the source's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{Timeout: 0}, // streaming
		policy:     DefaultReconnectPolicy(),
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSSESource creates a source for the API at baseURL.
func NewSSESource(baseURL string, opts ...Option) *SSESource {
	o := buildOptions(opts)
	return &SSESource{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: o.httpClient,
		apiKey:     o.apiKey,
		policy:     o.policy,
		onState:    o.onState,
		logger:     o.logger.With("push", "sse"),
	}
}

// Subscribe connects to the event stream. It fails if the first connection
// attempt fails.
func (s *SSESource) Subscribe(ctx context.Context) (<-chan job.Event, error) {
	return subscribe(ctx, s.dial, s.policy, s.onState, s.logger)
}

func (s *SSESource) dial(ctx context.Context) (conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+EventsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.apiKey != "" {
		req.Header.Set("X-API-KEY", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Increase buffer for potentially large events
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseConn{body: resp.Body, scanner: scanner}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next reads lines up to the next blank line that ends an event with data.
// Events without an event: line are expected to carry a Frame envelope.
func (c *sseConn) Next() (job.Event, error) {
	var name string
	var dataLines []string

	for c.scanner.Scan() {
		line := c.scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) == 0 {
				name = ""
				continue
			}
			data := []byte(strings.Join(dataLines, "\n"))
			var ev job.Event
			var err error
			if name == "" {
				ev, err = DecodeFrame(data)
			} else {
				ev, err = DecodeEvent(name, data)
			}
			if err != nil {
				return job.Event{}, errMalformed{err}
			}
			return ev, nil
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		}
		// id: and retry: are not used
	}

	if err := c.scanner.Err(); err != nil {
		return job.Event{}, fmt.Errorf("error reading stream: %w", err)
	}
	return job.Event{}, io.EOF
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
