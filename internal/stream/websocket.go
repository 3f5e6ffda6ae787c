package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
)

// WebSocketPath is the default WebSocket endpoint of the bulk API.
const WebSocketPath = "/ws"

// WebSocketSource subscribes to bulk events over a WebSocket carrying JSON
// Frame messages.
type WebSocketSource struct {
	url     string
	apiKey  string
	dialer  *websocket.Dialer
	policy  ReconnectPolicy
	onState func(connected bool)
	logger  *logging.Logger
}

var _ job.EventSource = (*WebSocketSource)(nil)

// NewWebSocketSource creates a source for the WebSocket at rawURL. An http
// or https URL without a path is mapped to ws or wss with WebSocketPath.
func NewWebSocketSource(rawURL string, opts ...Option) (*WebSocketSource, error) {
	u, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &WebSocketSource{
		url:     u,
		apiKey:  o.apiKey,
		dialer:  websocket.DefaultDialer,
		policy:  o.policy,
		onState: o.onState,
		logger:  o.logger.With("push", "websocket"),
	}, nil
}

// WebSocketURL normalizes rawURL into a ws:// or wss:// endpoint.
func WebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid websocket url %q: unsupported scheme", rawURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = WebSocketPath
	}
	return u.String(), nil
}

// URL returns the endpoint the source connects to.
func (s *WebSocketSource) URL() string {
	return s.url
}

// Subscribe connects to the WebSocket. It fails if the first connection
// attempt fails.
func (s *WebSocketSource) Subscribe(ctx context.Context) (<-chan job.Event, error) {
	return subscribe(ctx, s.dial, s.policy, s.onState, s.logger)
}

func (s *WebSocketSource) dial(ctx context.Context) (conn, error) {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("X-API-KEY", s.apiKey)
	}

	c, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next() (job.Event, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return job.Event{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		ev, err := DecodeFrame(data)
		if err != nil {
			return job.Event{}, errMalformed{err}
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
