// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"net/http"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter is a SpanExporter that keeps the most recent dispatch and
// operation spans in memory, indexed by request id.
//
// Thread-safe for concurrent reads and writes.
type DebugExporter struct {
	mu        sync.RWMutex
	spans     map[string]*DebugSpan // keyed by span ID
	order     []string              // span IDs, oldest first
	byRequest map[string][]*DebugSpan
	maxSize   int
}

// DebugSpan contains captured span information for debugging.
type DebugSpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes"`
	Events       []SpanEvent       `json:"events,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// SpanEvent represents an event recorded on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	TimeUnix   int64             `json:"time_unix_nano"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewDebugExporter creates a DebugExporter retaining up to maxSize spans.
func NewDebugExporter(maxSize int) *DebugExporter {
	if maxSize <= 0 {
		maxSize = DefaultDebugSpans
	}
	return &DebugExporter{
		spans:     make(map[string]*DebugSpan),
		byRequest: make(map[string][]*DebugSpan),
		maxSize:   maxSize,
	}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *DebugExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		if !shouldCapture(span.Name()) {
			continue
		}

		ds := convertSpan(span)
		if _, seen := e.spans[ds.SpanID]; seen {
			continue
		}
		e.spans[ds.SpanID] = ds
		e.order = append(e.order, ds.SpanID)
		if id := ds.Attributes[AttrRequestID]; id != "" {
			e.byRequest[id] = append(e.byRequest[id], ds)
		}
		e.evictOldest()
	}
	return nil
}

func shouldCapture(name string) bool {
	switch name {
	case SpanDispatch, SpanOperation:
		return true
	default:
		return false
	}
}

func convertSpan(span sdktrace.ReadOnlySpan) *DebugSpan {
	startTime := span.StartTime().UnixNano()
	endTime := span.EndTime().UnixNano()

	ds := &DebugSpan{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  startTime,
		EndTime:    endTime,
		DurationMs: float64(endTime-startTime) / 1e6,
		Attributes: make(map[string]string),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}
	if span.Parent().HasSpanID() {
		ds.ParentSpanID = span.Parent().SpanID().String()
	}
	for _, attr := range span.Attributes() {
		ds.Attributes[string(attr.Key)] = attr.Value.Emit()
	}
	for _, event := range span.Events() {
		se := SpanEvent{
			Name:       event.Name,
			TimeUnix:   event.Time.UnixNano(),
			Attributes: make(map[string]string),
		}
		for _, attr := range event.Attributes {
			se.Attributes[string(attr.Key)] = attr.Value.Emit()
		}
		ds.Events = append(ds.Events, se)
	}
	return ds
}

// Caller must hold the write lock.
func (e *DebugExporter) evictOldest() {
	for len(e.order) > e.maxSize {
		id := e.order[0]
		e.order = e.order[1:]
		ds := e.spans[id]
		delete(e.spans, id)
		if ds == nil {
			continue
		}
		reqID := ds.Attributes[AttrRequestID]
		kept := e.byRequest[reqID][:0]
		for _, s := range e.byRequest[reqID] {
			if s.SpanID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(e.byRequest, reqID)
		} else {
			e.byRequest[reqID] = kept
		}
	}
}

// Shutdown implements sdktrace.SpanExporter.
func (e *DebugExporter) Shutdown(context.Context) error {
	e.Clear()
	return nil
}

// ByRequest returns the spans recorded for a request id.
func (e *DebugExporter) ByRequest(requestID string) []*DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*DebugSpan(nil), e.byRequest[requestID]...)
}

// All returns every captured span, oldest first.
func (e *DebugExporter) All() []*DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DebugSpan, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.spans[id])
	}
	return out
}

// Clear removes all captured spans.
func (e *DebugExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = make(map[string]*DebugSpan)
	e.byRequest = make(map[string][]*DebugSpan)
	e.order = nil
}

// Count returns the number of captured spans.
func (e *DebugExporter) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.spans)
}

// ServeHTTP lists captured spans as JSON, filtered by the request_id query
// parameter when present.
func (e *DebugExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var spans []*DebugSpan
	if id := r.URL.Query().Get("request_id"); id != "" {
		spans = e.ByRequest(id)
	} else {
		spans = e.All()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"spans": spans, "count": len(spans)})
}

var _ sdktrace.SpanExporter = (*DebugExporter)(nil)
