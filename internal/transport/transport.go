// Package transport provides the request primitive used for both config
// fetches and event publishing. Callers see a status, body and headers for
// every response the server produced; only failures to get a response at all
// are returned as errors.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	flagz "github.com/matt-riley/flagz-sdk"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	maxResponseBytes        = 16 << 20
)

// Sender sends one request and returns the server's response.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request is an outbound call relative to the sender's base URL.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is what the server returned.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Err converts an unsuccessful status into an *APIError. 2xx and 304 are nil.
func (r *Response) Err() error {
	if r == nil {
		return nil
	}
	if (r.StatusCode >= 200 && r.StatusCode < 300) || r.StatusCode == http.StatusNotModified {
		return nil
	}
	return &APIError{StatusCode: r.StatusCode, Message: strings.TrimSpace(string(r.Body))}
}

// APIError is an HTTP error status from the flagz origin.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("flagz: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("flagz: HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is a server-side failure.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// Unwrap classifies the status as ErrRetryable or ErrNonRetryable.
func (e *APIError) Unwrap() error {
	if e.Retryable() {
		return flagz.ErrRetryable
	}
	return flagz.ErrNonRetryable
}

// Config holds configuration for a Client.
type Config struct {
	// BaseURL is the origin, e.g. "https://config.example.com".
	BaseURL string
	// SDKKey is sent verbatim in the Authorization header.
	SDKKey string
	// Timeout bounds a single request when the context carries no deadline.
	Timeout time.Duration
	// HTTPClient is optional; defaults to an otelhttp-instrumented client.
	HTTPClient *http.Client
	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit. Zero uses the default; negative disables the breaker.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit rejects requests.
	BreakerCooldown time.Duration
	// Name labels the breaker, e.g. "config" or "events".
	Name string
}

// Client is the HTTP implementation of Sender.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	c := &Client{cfg: cfg, httpClient: hc}
	if cfg.BreakerThreshold >= 0 {
		threshold := uint32(cfg.BreakerThreshold)
		if threshold == 0 {
			threshold = defaultBreakerThreshold
		}
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = defaultBreakerCooldown
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "flagz-" + cfg.Name,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}
	return c
}

// Send implements Sender. 5xx responses count against the circuit breaker
// but are still returned to the caller as a Response.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &APIError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if resp, ok := result.(*Response); ok && resp != nil {
			return resp, nil
		}
		return nil, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %w", flagz.ErrRetryable, err)
	case err != nil:
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.cfg.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("flagz: create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.cfg.SDKKey != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", c.cfg.SDKKey)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, fmt.Errorf("flagz: http: %w", err)
		}
		return nil, fmt.Errorf("%w: flagz: http: %w", flagz.ErrRetryable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: flagz: read response: %w", flagz.ErrRetryable, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       payload,
		Header:     resp.Header,
	}, nil
}
