// Package webhook implements a Registrar that POSTs registration events.
//
// Both registrations and withdrawals are sent as JSON to the configured
// URL; the Event field tells them apart. Retries with exponential backoff on
// transient failures.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/switchyard/adapter"
	"github.com/pithecene-io/switchyard/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the webhook registrar.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Registrar sends registration events via HTTP POST.
type Registrar struct {
	config Config
	client *http.Client
}

// New creates a webhook registrar from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Registrar, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook registrar requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Registrar{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Register posts r.
func (a *Registrar) Register(ctx context.Context, r *adapter.Registration) error {
	return a.post(ctx, r)
}

// Deregister posts the withdrawal of r. A registration already marked
// deregistered is sent as is.
func (a *Registrar) Deregister(ctx context.Context, r *adapter.Registration) error {
	if r.Event != adapter.EventDeregistered {
		r = r.Withdrawn(r.Reason)
	}
	return a.post(ctx, r)
}

// post sends the registration as a JSON POST request.
// Retries on 5xx responses and network errors; 4xx responses are
// non-retriable and fail immediately.
func (a *Registrar) post(ctx context.Context, r *adapter.Registration) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("webhook: marshal registration: %w", err)
	}

	attempts, err := adapter.Retry(ctx, a.config.Retries, isClientError, func(ctx context.Context) error {
		return a.doRequest(ctx, body)
	})
	switch {
	case err == nil:
		return nil
	case isClientError(err):
		return fmt.Errorf("webhook: non-retriable error: %w", err)
	default:
		return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, err)
	}
}

// StatusError is returned for non-2xx HTTP responses.
// Wrapping the status code allows callers to distinguish retriable (5xx)
// from non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func isClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (a *Registrar) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases registrar resources.
func (a *Registrar) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// Verify Registrar implements the adapter interface.
var _ adapter.Registrar = (*Registrar)(nil)
