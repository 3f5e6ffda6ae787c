// Package api is the HTTP client for the bulk fetch API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the bulk API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the bulk API. It implements job.Client.
type Client struct {
	// baseURL is the API root, e.g. "http://localhost:5000"
	baseURL string

	httpClient *http.Client
	apiKey     string
	limiter    *rate.Limiter
	logger     *logging.Logger
}

var _ job.Client = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends key in the X-API-KEY header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit paces requests to rps with the given burst. A non-positive
// rps disables pacing.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 0),
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type startResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
}

type statusResponse struct {
	Success bool `json:"success"`
	Job     struct {
		ID       string        `json:"id"`
		Status   string        `json:"status"`
		Progress *job.Snapshot `json:"progress"`
		Summary  *job.Summary  `json:"summary"`
		Error    string        `json:"error"`
	} `json:"job"`
}

type stopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type symbolsResponse struct {
	Success        bool     `json:"success"`
	Symbols        []string `json:"symbols"`
	Total          int      `json:"total"`
	MarketCategory string   `json:"market_category"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Start submits a bulk fetch job and returns its identifier. Requests the
// server rejects as invalid or too large come back as *job.ValidationError.
func (c *Client) Start(ctx context.Context, req job.StartRequest) (string, error) {
	var resp startResponse
	if err := c.do(ctx, "start", http.MethodPost, "/api/bulk/start", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &job.ServerError{Message: "start response carried no job_id"}
	}
	c.logger.Debug("Job accepted", "job_id", resp.JobID, "symbols", len(req.Units))
	return resp.JobID, nil
}

// Status fetches the status of jobID.
func (c *Client) Status(ctx context.Context, jobID string) (*job.Status, error) {
	var resp statusResponse
	path := "/api/bulk/status/" + url.PathEscape(jobID)
	if err := c.do(ctx, "status", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	st, err := job.ParseServerStatus(resp.Job.Status)
	if err != nil {
		return nil, &job.TransportError{Op: "status", Err: err}
	}
	return &job.Status{
		State:    st,
		Progress: resp.Job.Progress,
		Summary:  resp.Job.Summary,
		Error:    resp.Job.Error,
	}, nil
}

// Stop asks the server to cancel jobID and reports whether it accepted.
func (c *Client) Stop(ctx context.Context, jobID string) (bool, error) {
	var resp stopResponse
	path := "/api/bulk/stop/" + url.PathEscape(jobID)
	if err := c.do(ctx, "stop", http.MethodPost, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Symbols lists up to limit symbols from the symbol master, optionally
// restricted to one market category.
func (c *Client) Symbols(ctx context.Context, limit int, market string) ([]string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if market != "" {
		q.Set("market_category", market)
	}
	path := "/api/bulk/jpx-sequential/get-symbols"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp symbolsResponse
	if err := c.do(ctx, "symbols", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// do performs one JSON request. Rejections of the request itself become
// *job.ValidationError; everything else that fails is a *job.TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &job.TransportError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &job.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &job.TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	c.logger.Debug("API request", "op", op, "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && (e.Error != "" || e.Message != "") {
			apiErr.Code = e.Error
			apiErr.Message = e.Message
		}
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			return &job.ValidationError{Field: "request", Message: apiErr.Error()}
		}
		return &job.TransportError{Op: op, Err: apiErr}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &job.TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
