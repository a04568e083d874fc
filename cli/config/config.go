package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/switchyard/ipc"
)

// Config represents a switchyard.yaml (or switchyard.toml) configuration
// file. All values are optional and act as defaults for switchyard serve
// flags. CLI flags always override config values.
type Config struct {
	Service string        `yaml:"service" toml:"service"`
	Listen  ListenConfig  `yaml:"listen" toml:"listen"`
	Decoder DecoderConfig `yaml:"decoder" toml:"decoder"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Adapter AdapterConfig `yaml:"adapter" toml:"adapter"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// ListenConfig holds the listener address.
type ListenConfig struct {
	Network string `yaml:"network" toml:"network"`
	Address string `yaml:"address" toml:"address"`
}

// DecoderConfig holds frame decoder limits.
type DecoderConfig struct {
	HeaderTableSize *uint32 `yaml:"header_table_size,omitempty" toml:"header_table_size,omitempty"`
	MaxFrameSize    int     `yaml:"max_frame_size" toml:"max_frame_size"`
	MaxDepth        int     `yaml:"max_depth" toml:"max_depth"`
}

// SessionConfig holds per-connection defaults.
type SessionConfig struct {
	ReadSize int `yaml:"read_size" toml:"read_size"`
}

// AdapterConfig holds registrar defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type" toml:"type"`
	URL     string            `yaml:"url" toml:"url"`
	Channel string            `yaml:"channel,omitempty" toml:"channel,omitempty"`
	Prefix  string            `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	TTL     Duration          `yaml:"ttl,omitempty" toml:"ttl,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty" toml:"retries,omitempty"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Duration wraps time.Duration for string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration string. TOML decoding goes through it.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks values that cannot be caught while decoding.
func (c *Config) Validate() error {
	var errs []error

	switch c.Listen.Network {
	case "", "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("listen.network: unsupported network %q", c.Listen.Network))
	}

	if c.Decoder.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("decoder.max_frame_size must be >= 0, got %d", c.Decoder.MaxFrameSize))
	}
	if c.Decoder.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("decoder.max_depth must be >= 0, got %d", c.Decoder.MaxDepth))
	}
	if c.Session.ReadSize < 0 {
		errs = append(errs, fmt.Errorf("session.read_size must be >= 0, got %d", c.Session.ReadSize))
	}

	switch c.Adapter.Type {
	case "":
	case "redis", "webhook":
		if c.Adapter.URL == "" {
			errs = append(errs, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown adapter %q (want redis or webhook)", c.Adapter.Type))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, fmt.Errorf("adapter.retries must be >= 0, got %d", *c.Adapter.Retries))
	}

	return errors.Join(errs...)
}

// DecoderOptions converts the decoder section into ipc options. Unset values
// keep the decoder defaults.
func (c *Config) DecoderOptions() []ipc.Option {
	var opts []ipc.Option
	if c.Decoder.HeaderTableSize != nil {
		opts = append(opts, ipc.WithHeaderTableSize(*c.Decoder.HeaderTableSize))
	}
	if c.Decoder.MaxFrameSize > 0 {
		opts = append(opts, ipc.WithMaxFrameSize(c.Decoder.MaxFrameSize))
	}
	if c.Decoder.MaxDepth > 0 {
		opts = append(opts, ipc.WithMaxDepth(c.Decoder.MaxDepth))
	}
	return opts
}
