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

package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthFunc reports server health for /healthz. Details are included in
// the response body.
type HealthFunc func() (map[string]any, error)

// Router builds the operational HTTP surface: /healthz, the metrics
// endpoint, and /debug/spans when the debug exporter is on.
func (m *Manager) Router(health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware(m.Tracer("kaiak.http"), m.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		status := http.StatusOK
		if health != nil {
			details, err := health()
			for k, v := range details {
				body[k] = v
			}
			if err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	if m.metrics != nil {
		r.Handle(m.config.Metrics.Endpoint, m.metrics.Handler())
	}
	if m.debug != nil {
		r.Get("/debug/spans", m.debug.ServeHTTP)
	}
	return r
}

// Serve runs the operational HTTP server on addr until ctx is done.
func (m *Manager) Serve(ctx context.Context, addr string, health HealthFunc) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           m.Router(health),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Operational endpoints listening", "address", ln.Addr().String(), "metrics", m.metrics != nil)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("operational server failed: %w", err)
	}
	return nil
}
