// Package redis implements a Registrar backed by Redis keys with expiry.
//
// Register stores the registration as JSON under a key that expires after
// the configured TTL, then publishes the event on a pub/sub channel.
// Deregister deletes the key and publishes the withdrawal.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/switchyard/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "switchyard:channels"

// DefaultPrefix is prepended to every registration key.
const DefaultPrefix = "switchyard:channel:"

// DefaultTTL is the default expiry of a registration key.
const DefaultTTL = 60 * time.Second

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis registrar.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: switchyard:channels).
	Channel string
	// Prefix is the key prefix (default: switchyard:channel:).
	Prefix string
	// TTL is the key expiry (default 60s). Zero keeps the default.
	TTL time.Duration
	// Timeout is the per-command timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Registrar stores registrations in Redis.
type Registrar struct {
	config Config
	client *goredis.Client
}

// New creates a Redis registrar from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Registrar, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis registrar requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis registrar: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Registrar{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Key returns the Redis key holding r.
func (a *Registrar) Key(r *adapter.Registration) string {
	return a.config.Prefix + r.Key()
}

// Register stores r under its key with the configured TTL and publishes it.
func (a *Registrar) Register(ctx context.Context, r *adapter.Registration) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal registration: %w", err)
	}
	key := a.Key(r)
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.client.Set(ctx, key, body, a.config.TTL).Err(); err != nil {
			return err
		}
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	})
}

// Deregister deletes r's key and publishes the withdrawal.
func (a *Registrar) Deregister(ctx context.Context, r *adapter.Registration) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal registration: %w", err)
	}
	key := a.Key(r)
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.client.Del(ctx, key).Err(); err != nil {
			return err
		}
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	})
}

func (a *Registrar) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts, err := adapter.Retry(ctx, a.config.Retries, nil, func(ctx context.Context) error {
		cmdCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return fn(cmdCtx)
	})
	if err != nil {
		return fmt.Errorf("redis: failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// Close releases registrar resources.
func (a *Registrar) Close() error {
	return a.client.Close()
}

// Verify Registrar implements the adapter interface.
var _ adapter.Registrar = (*Registrar)(nil)
