// Package client talks to the ingestion service over HTTP. Every call runs
// through the retry policy and a circuit breaker; Deliver adds the buffer
// fallback producers use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/metrics"
	"github.com/kalambet/runledger/internal/retry"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxAttempts      = 3
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second

	maxResponseSize = 8 << 20
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds a single attempt.
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// FailureThreshold consecutive failed attempts open the breaker for
	// OpenTimeout. Failures count across calls, and an open breaker ends
	// the current call even with attempts left, so MaxAttempts above the
	// threshold is never reached.
	FailureThreshold int
	OpenTimeout      time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     retry.Policy
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// New returns a client for the service at opts.BaseURL, which must be an
// absolute http or https URL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q needs an http:// or https:// scheme and a host", ErrInvalidURL, opts.BaseURL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: httpClient,
		logger:     logger,
	}
	c.policy = retry.Policy{
		MaxAttempts: opts.MaxAttempts,
		Backoff:     retry.Exponential(opts.BaseBackoff, opts.MaxBackoff),
		Retryable:   IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Debug("retrying request", "attempt", attempt, "delay", delay, "error", err)
		},
	}

	name := "ingest"
	threshold := uint32(opts.FailureThreshold)
	metrics.BreakerState.WithLabelValues(name).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// BaseURL returns the service root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// PostEvent submits one event. A validation failure comes back as a terminal
// *StatusError with Code 400.
func (c *Client) PostEvent(ctx context.Context, e *event.Event) (event.CreateResponse, error) {
	var out event.CreateResponse
	err := c.call(ctx, http.MethodPost, "/runs", e, &out)
	return out, err
}

// PostBatch submits already-encoded events in one request.
func (c *Client) PostBatch(ctx context.Context, records []json.RawMessage) (event.BatchResponse, error) {
	var out event.BatchResponse
	if records == nil {
		records = []json.RawMessage{}
	}
	err := c.call(ctx, http.MethodPost, "/runs/batch", records, &out)
	return out, err
}

// PatchEvent applies p to one event.
func (c *Client) PatchEvent(ctx context.Context, eventID string, p *event.Patch) (event.PatchResponse, error) {
	var out event.PatchResponse
	err := c.call(ctx, http.MethodPatch, "/runs/"+url.PathEscape(eventID), p, &out)
	return out, err
}

// PatchRun applies p to the latest event of a run.
func (c *Client) PatchRun(ctx context.Context, runID string, p *event.Patch) (event.PatchResponse, error) {
	var out event.PatchResponse
	err := c.call(ctx, http.MethodPatch, "/runs/by-run/"+url.PathEscape(runID), p, &out)
	return out, err
}

// RunState fetches the folded state of a run.
func (c *Client) RunState(ctx context.Context, runID string) (event.RunState, error) {
	var out event.RunState
	err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

// Metrics fetches aggregate counts. An empty window uses the service default.
func (c *Client) Metrics(ctx context.Context, window string) (event.Metrics, error) {
	path := "/metrics"
	if window != "" {
		path += "?window=" + url.QueryEscape(window)
	}
	var out event.Metrics
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Health is the body of GET /health.
type Health struct {
	Status       string `json:"status"`
	AuthRequired bool   `json:"auth_required"`
	event.HealthInfo
}

// Health makes a single attempt, bypassing retries and the breaker, so it
// reports the service as it is right now. A degraded service returns its
// body together with a *StatusError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	body, err := c.send(ctx, http.MethodGet, "/health", nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		_ = json.Unmarshal([]byte(se.Body), &h)
		return h, err
	}
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("decoding health: %w", err)
	}
	return h, nil
}

// call runs one logical request: retries around breaker-guarded attempts.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		payload = data
	}

	body, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		b, err := c.breaker.Execute(func() ([]byte, error) {
			return c.send(ctx, method, path, payload)
		})
		c.recordAttempt(err)
		return b, err
	})
	if err != nil {
		switch {
		case errors.Is(err, retry.ErrExhausted), breakerRejected(err):
			return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
		}
		return err
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send makes exactly one HTTP attempt and returns the body of a 2xx.
func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) recordAttempt(err error) {
	result := "ok"
	switch {
	case err == nil:
	case breakerRejected(err):
		result = "breaker_open"
	case IsRetryable(err):
		result = "retryable"
	default:
		result = "terminal"
	}
	metrics.ClientAttempts.WithLabelValues(result).Inc()
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
