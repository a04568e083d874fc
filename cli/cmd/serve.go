package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/switchyard/adapter"
	"github.com/pithecene-io/switchyard/adapter/redis"
	"github.com/pithecene-io/switchyard/adapter/webhook"
	"github.com/pithecene-io/switchyard/cli/config"
	"github.com/pithecene-io/switchyard/iox"
	"github.com/pithecene-io/switchyard/log"
	"github.com/pithecene-io/switchyard/metrics"
	"github.com/pithecene-io/switchyard/service/echo"
	"github.com/pithecene-io/switchyard/session"
)

// Exit codes for serve.
const (
	exitServeError  = 1
	exitConfigError = 2
)

// Defaults applied when neither the config file nor a flag sets a value.
const (
	defaultService = "echo"
	defaultNetwork = "tcp"
	defaultAddress = "127.0.0.1:10053"
	defaultLevel   = "info"
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the echo service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or TOML config file",
			},
			&cli.StringFlag{
				Name:  "service",
				Usage: "Service name used in logs and registrations",
			},
			&cli.StringFlag{
				Name:  "network",
				Usage: "Listener network: tcp or unix",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listener address",
			},
			&cli.UintFlag{
				Name:  "header-table-size",
				Usage: "Header table budget in bytes",
			},
			&cli.IntFlag{
				Name:  "max-frame-size",
				Usage: "Frame size limit in bytes (0 keeps the default)",
			},
			&cli.IntFlag{
				Name:  "read-size",
				Usage: "Size of a single connection read",
			},
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Registrar type: redis or webhook",
			},
			&cli.StringFlag{
				Name:  "adapter-url",
				Usage: "Registrar URL",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger, err := log.NewLoggerLevel(cfg.Service, cfg.Log.Level)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer iox.DiscardErr(logger.Sync)

	registrar, err := buildRegistrar(cfg.Adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("adapter: %v", err), exitConfigError)
	}
	if registrar != nil {
		defer iox.DiscardClose(registrar)
	}

	ln, err := net.Listen(cfg.Listen.Network, cfg.Listen.Address)
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen: %v", err), exitServeError)
	}

	collector := metrics.NewCollector(cfg.Service, ln.Addr().String())
	opts := []echo.Option{
		echo.WithEndpoint(ln.Addr().String()),
		echo.WithLogger(logger),
		echo.WithMetrics(collector),
	}
	if registrar != nil {
		opts = append(opts, echo.WithRegistrar(registrar))
	}
	svc := echo.New(cfg.Service, opts...)

	sessOpts := []session.Option{session.WithMetrics(collector)}
	if cfg.Session.ReadSize > 0 {
		sessOpts = append(sessOpts, session.WithReadSize(cfg.Session.ReadSize))
	}
	if decOpts := cfg.DecoderOptions(); len(decOpts) > 0 {
		sessOpts = append(sessOpts, session.WithDecoderOptions(decOpts...))
	}
	srv := session.NewServer(ln, svc.Factory(), logger, sessOpts...)

	// Set up context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("serving", map[string]any{
		"network": cfg.Listen.Network,
		"address": ln.Addr().String(),
		"adapter": cfg.Adapter.Type,
	})
	err = srv.Serve(ctx)

	snap := collector.Snapshot()
	logger.Info("stopped", map[string]any{
		"sessions":           snap.SessionsOpened,
		"frames_decoded":     snap.FramesDecoded,
		"decode_errors":      snap.DecodeErrors,
		"channels_opened":    snap.ChannelsOpened,
		"channels_discarded": snap.ChannelsDiscarded,
	})

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return cli.Exit(fmt.Sprintf("serve: %v", err), exitServeError)
	}
	return nil
}

// resolveConfig loads the config file, if any, and applies flags on top.
// CLI flags always override config values.
func resolveConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("service") {
		cfg.Service = c.String("service")
	}
	if c.IsSet("network") {
		cfg.Listen.Network = c.String("network")
	}
	if c.IsSet("listen") {
		cfg.Listen.Address = c.String("listen")
	}
	if c.IsSet("header-table-size") {
		size := uint32(c.Uint("header-table-size"))
		cfg.Decoder.HeaderTableSize = &size
	}
	if c.IsSet("max-frame-size") {
		cfg.Decoder.MaxFrameSize = c.Int("max-frame-size")
	}
	if c.IsSet("read-size") {
		cfg.Session.ReadSize = c.Int("read-size")
	}
	if c.IsSet("adapter") {
		cfg.Adapter.Type = c.String("adapter")
	}
	if c.IsSet("adapter-url") {
		cfg.Adapter.URL = c.String("adapter-url")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *config.Config) {
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if cfg.Listen.Network == "" {
		cfg.Listen.Network = defaultNetwork
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = defaultAddress
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLevel
	}
}

// buildRegistrar returns nil when no adapter is configured.
func buildRegistrar(cfg config.AdapterConfig) (adapter.Registrar, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "redis":
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		r, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Prefix:  cfg.Prefix,
			TTL:     cfg.TTL.Duration,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		w, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}
