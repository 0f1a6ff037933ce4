// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/kaiak/pkg/agent"
	"github.com/kadirpekel/kaiak/pkg/approval"
	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/observability"
	"github.com/kadirpekel/kaiak/pkg/session"
	"github.com/kadirpekel/kaiak/pkg/stream"
	"github.com/kadirpekel/kaiak/pkg/transport"
)

// Server owns the state shared by every connection: the session registry,
// the agent bridge, the running operations and the concurrency limit.
type Server struct {
	cfg       *config.Config
	namespace string

	registry *session.Registry
	bridge   *agent.Bridge
	policies *approval.PolicyTable
	ops      *operations
	sem      *semaphore.Weighted
	obs      *observability.Manager
	tracer   trace.Tracer

	opTimeout atomic.Int64

	// running tracks operation goroutines so shutdown can wait for their
	// terminal responses.
	running sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server) error

// WithRegistry replaces the registry built from the session config.
func WithRegistry(r *session.Registry) Option {
	return func(s *Server) error {
		s.registry = r
		return nil
	}
}

// WithAgentService replaces the agent built from the agent config.
func WithAgentService(svc agent.Service) Option {
	return func(s *Server) error {
		s.bridge = agent.NewBridge(svc)
		return nil
	}
}

// WithObservability attaches tracing and metrics.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) error {
		s.obs = m
		return nil
	}
}

// New creates a server for cfg. Defaults are applied to cfg and it is
// validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		namespace: cfg.Server.Namespace,
		ops:       newOperations(),
		sem:       semaphore.NewWeighted(int64(cfg.Server.MaxConcurrentOperations)),
	}
	policies := cfg.Approval.Build()
	s.policies = approval.NewPolicyTable(policies)
	s.opTimeout.Store(int64(cfg.Server.OperationTimeout))

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.obs == nil {
		s.obs = observability.NoopManager()
	}
	s.tracer = s.obs.Tracer("kaiak/server")

	if s.bridge == nil {
		svc, err := agent.NewService(cfg.Agent)
		if err != nil {
			return nil, fmt.Errorf("failed to create agent: %w", err)
		}
		s.bridge = agent.NewBridge(svc)
	}

	if s.registry == nil {
		registry, err := newRegistry(ctx, cfg.Session)
		if err != nil {
			return nil, err
		}
		s.registry = registry
	}
	return s, nil
}

func newRegistry(ctx context.Context, cfg config.SessionConfig) (*session.Registry, error) {
	opts := []session.Option{session.WithMaxSessions(cfg.MaxSessions)}
	if cfg.Database == nil {
		return session.NewRegistry(opts...), nil
	}

	db, err := cfg.Database.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	store, err := session.NewSQLStore(db, cfg.Database.Dialect())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}

	registry := session.NewRegistry(append(opts, session.WithStore(store))...)
	n, err := registry.Restore(ctx)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}
	slog.Info("Session store ready", "driver", cfg.Database.Driver, "restored", n)
	return registry, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve runs the configured transport until ctx ends or, for stdio, until
// the client closes the stream. It waits for running operations to send
// their terminal responses before returning.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		switch s.cfg.Server.Transport {
		case config.TransportSocket:
			return transport.NewSocketListener(s.cfg.Server.SocketPath).Serve(gctx, s.ServeConn)
		default:
			return transport.ServeStdio(gctx, s.ServeConn)
		}
	})

	if s.cfg.Session.IdleTimeout > 0 {
		g.Go(func() error {
			s.reap(gctx)
			return nil
		})
	}

	if addr := s.cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error {
			return s.obs.Serve(gctx, addr, s.health)
		})
	}

	err := g.Wait()
	s.running.Wait()
	return err
}

// ServeConn serves one client until it disconnects or ctx ends. It matches
// transport.ConnHandler.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) {
	c := newClient(s, ctx, rwc)
	c.serve()
}

// Reload applies the settings that can change without a restart: approval
// policies and the operation timeout. Running operations keep the timeout
// they started with.
func (s *Server) Reload(cfg *config.Config) {
	s.policies.Replace(cfg.Approval.Build())
	if cfg.Server.OperationTimeout > 0 {
		s.opTimeout.Store(int64(cfg.Server.OperationTimeout))
	}
	slog.Info("Configuration reloaded",
		"operation_timeout", cfg.Server.OperationTimeout,
		"tool_policies", len(cfg.Approval.Policies))
}

// Close releases the registry and its store.
func (s *Server) Close() error {
	return s.registry.Close()
}

func (s *Server) streamConfig() stream.Config {
	return stream.Config{
		Namespace:   s.namespace,
		Timeout:     time.Duration(s.opTimeout.Load()),
		CancelGrace: s.cfg.Server.CancelGrace,
		Policies:    s.policies,
		Metrics:     s.obs.Metrics(),
		Tracer:      s.tracer,
		OnFinish:    s.ops.remove,
	}
}

func (s *Server) reap(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.ReapIdle(s.cfg.Session.IdleTimeout); n > 0 {
				slog.Info("Removed idle sessions", "count", n, "idle_timeout", s.cfg.Session.IdleTimeout)
			}
		}
	}
}

func (s *Server) health() (map[string]any, error) {
	return map[string]any{
		"sessions":   s.registry.Len(),
		"operations": s.ops.len(),
		"transport":  string(s.cfg.Server.Transport),
	}, nil
}
