package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.Equal(t, ExporterOTLP, cfg.Tracing.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "kaiak", cfg.Metrics.Namespace)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "invalid exporter"},
		{"bad sampling", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SamplingRate = 2 }, "sampling_rate"},
		{"disabled tracing ignores exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, ""},
		{"relative metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Endpoint = "metrics" }, "absolute path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	m.RecordRequest(ctx, "kaiak/generate_fix", 0)
	m.OperationStarted(ctx)
	m.OperationFinished(ctx, "completed", time.Second)
	m.RecordEvent(ctx, "progress")
	m.RecordInteraction(ctx, "client", false)
	m.ConnectionOpened(ctx)
	m.ConnectionClosed(ctx)
	require.NoError(t, m.Shutdown(ctx))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMetrics_Exposition(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Endpoint: "/metrics", Namespace: "kaiak"})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	m.RecordRequest(ctx, "kaiak/generate_fix", 0)
	m.OperationStarted(ctx)
	m.OperationFinished(ctx, "completed", 250*time.Millisecond)
	m.RecordEvent(ctx, "progress")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "kaiak_requests_total")
	assert.Contains(t, body, "kaiak_operations_total")
	assert.Contains(t, body, `outcome="completed"`)
	assert.Contains(t, body, "kaiak_stream_events_total")
}

func TestManager_Router(t *testing.T) {
	m := NewManager(Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	srv := httptest.NewServer(m.Router(func() (map[string]any, error) {
		return map[string]any{"sessions": 2}, nil
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 2, health["sessions"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kaiak_http_requests_total")

	resp, err = http.Get(srv.URL + "/debug/spans")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManager_Unhealthy(t *testing.T) {
	m := NoopManager()
	h := m.Router(func() (map[string]any, error) { return nil, errors.New("registry closed") })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "registry closed")
}

func TestNoopManager(t *testing.T) {
	m := NoopManager()
	_, span := m.Tracer("test").Start(context.Background(), SpanOperation)
	span.End()
	assert.Nil(t, m.Metrics())
	assert.Nil(t, m.Debug())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestDebugExporter(t *testing.T) {
	debug := NewDebugExporter(2)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(debug))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")

	for _, id := range []string{"r1", "r2", "r3"} {
		_, span := tracer.Start(context.Background(), SpanOperation)
		span.SetAttributes(attribute.String(AttrRequestID, id))
		span.End()
	}
	_, ignored := tracer.Start(context.Background(), "unrelated")
	ignored.End()

	assert.Equal(t, 2, debug.Count())
	assert.Empty(t, debug.ByRequest("r1"), "oldest span is evicted")
	require.Len(t, debug.ByRequest("r3"), 1)
	assert.Equal(t, SpanOperation, debug.ByRequest("r3")[0].Name)

	rec := httptest.NewRecorder()
	debug.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/spans?request_id=r2", nil))
	var out struct {
		Count int          `json:"count"`
		Spans []*DebugSpan `json:"spans"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "r2", out.Spans[0].Attributes[AttrRequestID])

	debug.Clear()
	assert.Zero(t, debug.Count())
}
