package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/config/provider"
	"github.com/kadirpekel/kaiak/pkg/observability"
	"github.com/kadirpekel/kaiak/pkg/server"
)

// ServeCmd starts the JSON-RPC server.
type ServeCmd struct {
	// Config source options
	Provider  string   `help:"Config provider (file, consul, etcd, zookeeper)." default:"file" enum:"file,consul,etcd,zookeeper"`
	Endpoints []string `help:"Endpoints of a remote config provider." sep:","`
	Watch     bool     `help:"Watch the config source and apply approval policies and timeouts on change."`

	// Server options
	Transport      string `help:"Transport (stdio, socket)." enum:",stdio,socket" default:""`
	SocketPath     string `name:"socket-path" help:"Unix socket path for the socket transport." placeholder:"PATH"`
	MetricsAddress string `name:"metrics-address" help:"Serve /metrics and /healthz on this address, e.g. :9090." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	var srv *server.Server
	onChange := func(cfg *config.Config) {
		if srv != nil {
			srv.Reload(cfg)
		}
	}

	cfg, loader, err := c.loadConfig(ctx, cli.Config, onChange)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	c.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := initLoggerFromConfig(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	srv, err = server.New(ctx, cfg, server.WithObservability(obs))
	if err != nil {
		return err
	}
	defer srv.Close()

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	// Stdout belongs to the protocol under the stdio transport, so the
	// startup summary goes to the log.
	slog.Info("kaiak server ready",
		"transport", cfg.Server.Transport,
		"socket", cfg.Server.SocketPath,
		"namespace", cfg.Server.Namespace,
		"agent", cfg.Agent.Type,
		"disconnect_policy", cfg.Server.DisconnectPolicy,
		"persistent_sessions", cfg.Session.Database != nil,
		"tracing", cfg.Observability.Tracing.Enabled,
		"metrics", cfg.Server.MetricsAddress)

	return srv.Serve(ctx)
}

// loadConfig loads the configuration from its source, or builds it from
// defaults and the environment when no source is given.
func (c *ServeCmd) loadConfig(ctx context.Context, path string, onChange func(*config.Config)) (*config.Config, *config.Loader, error) {
	providerType, err := provider.ParseType(c.Provider)
	if err != nil {
		return nil, nil, err
	}

	if path == "" {
		if providerType != provider.TypeFile {
			return nil, nil, fmt.Errorf("--config is required for the %s provider", providerType)
		}
		cfg, err := config.LoadDefault(os.LookupEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build default config: %w", err)
		}
		slog.Info("Using zero-config mode")
		return cfg, nil, nil
	}

	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      providerType,
		Path:      path,
		Endpoints: c.Endpoints,
	}, config.WithOnChange(onChange))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "provider", providerType, "path", path)
	return cfg, loader, nil
}

// applyFlags overrides the loaded config with explicitly given flags.
func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Transport != "" {
		cfg.Server.Transport = config.TransportType(c.Transport)
	}
	if c.SocketPath != "" {
		cfg.Server.SocketPath = c.SocketPath
		if c.Transport == "" {
			cfg.Server.Transport = config.TransportSocket
		}
	}
	if c.MetricsAddress != "" {
		cfg.Server.MetricsAddress = c.MetricsAddress
	}
}
