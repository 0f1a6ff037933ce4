package observability

import (
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider, the metrics and the debug span store.
type Manager struct {
	config         Config
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	debug          *DebugExporter
	mu             sync.RWMutex
}

// NewManager creates a manager. Nothing is started until Initialize.
func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{
		config:         cfg,
		tracerProvider: noop.NewTracerProvider(),
	}
}

// NoopManager returns a manager with tracing and metrics disabled.
func NoopManager() *Manager {
	return NewManager(Config{})
}

// Initialize builds the tracer provider and the metrics instruments.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Tracing.Enabled && m.config.Tracing.DebugExporter {
		m.debug = NewDebugExporter(DefaultDebugSpans)
	}

	tp, err := NewTracerProvider(ctx, m.config.Tracing, m.debug)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := NewMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	return nil
}

// Tracer returns a named tracer. It never returns nil.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the metrics, nil when disabled.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Debug returns the in-memory span store, nil when disabled.
func (m *Manager) Debug() *DebugExporter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.debug
}

// Shutdown flushes pending spans and stops the providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if tp, ok := m.tracerProvider.(*sdktrace.TracerProvider); ok {
		errs = append(errs, tp.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}
