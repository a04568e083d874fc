// Package adapter defines the boundary to external registries that track
// live channels.
//
// Some services announce a channel while it is open, the way a locator
// publishes ephemeral nodes, and must withdraw the announcement when the
// channel ends. A clean Terminal transition withdraws it from the handler;
// an abnormal end reaches the registrar through dispatch discard.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// Registration events.
const (
	EventRegistered   = "registered"
	EventDeregistered = "deregistered"
)

// Registration describes one announced channel.
type Registration struct {
	ContractVersion string `json:"contract_version"`
	Event           string `json:"event"` // registered or deregistered
	Service         string `json:"service"`
	Session         string `json:"session"`
	StreamID        uint64 `json:"stream_id"`
	Endpoint        string `json:"endpoint,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
	Reason          string `json:"reason,omitempty"` // set on deregistration after discard
	Timestamp       string `json:"timestamp"`        // RFC 3339
}

// Key identifies the registration in the external registry.
func (r *Registration) Key() string {
	return fmt.Sprintf("%s/%s/%d", r.Service, r.Session, r.StreamID)
}

// Withdrawn returns a deregistration event for r.
func (r *Registration) Withdrawn(reason string) *Registration {
	out := *r
	out.Event = EventDeregistered
	out.Reason = reason
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return &out
}

// Registrar announces and withdraws channel registrations.
type Registrar interface {
	// Register announces r. Must respect context cancellation and deadlines.
	Register(ctx context.Context, r *Registration) error

	// Deregister withdraws r. Withdrawing an unknown registration is not an
	// error.
	Deregister(ctx context.Context, r *Registration) error

	// Close releases registrar resources.
	Close() error
}

// Retry calls fn up to 1+retries times with exponential backoff between
// attempts (500ms, 1s, 2s, ...). It stops early when fn's error is
// permanent or ctx is done.
func Retry(ctx context.Context, retries int, permanent func(error) bool, fn func(ctx context.Context) error) (attempts int, err error) {
	total := 1 + retries
	for i := range total {
		if cerr := ctx.Err(); cerr != nil {
			return i, fmt.Errorf("context canceled: %w", cerr)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return i, fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err = fn(ctx)
		if err == nil {
			return i + 1, nil
		}
		if permanent != nil && permanent(err) {
			return i + 1, err
		}
	}
	return total, err
}
