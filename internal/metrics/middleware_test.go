package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter_DefaultsTo200(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	_, _ = sw.Write([]byte("hello"))
	if sw.status != http.StatusOK || sw.n != 5 {
		t.Fatalf("status = %d n = %d", sw.status, sw.n)
	}
}

func TestStatusWriter_KeepsFirstStatus(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw.WriteHeader(http.StatusBadGateway)
	sw.WriteHeader(http.StatusOK)
	if sw.status != http.StatusBadGateway {
		t.Fatalf("status = %d", sw.status)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/stores/{slug}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stores/indiranagar", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/api/stores/{slug}", "404")); got != 1 {
		t.Fatalf("http_requests_total{route=/api/stores/{slug}} = %v", got)
	}
}

func TestMiddleware_FallsBackToUnmatched(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/custom/path", http.NoBody))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "unmatched", "200")); got != 1 {
		t.Fatalf("unmatched counter = %v", got)
	}
}

func TestMiddleware_CountsServerErrors(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/places", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/places", nil))

	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("GET", "unmatched")); got != 2 {
		t.Fatalf("http_errors_total = %v, want 2", got)
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inflight)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %v", during)
	}
	if after := testutil.ToFloat64(m.inflight); after != 0 {
		t.Fatalf("inflight after request = %v", after)
	}
}

func TestMiddleware_ResponseSize(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1000))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != 1000 {
		t.Fatalf("size sum = %v", got)
	}
}

func TestTraceExemplar(t *testing.T) {
	if traceExemplar(context.Background()) != nil {
		t.Fatal("no span should give no exemplar")
	}

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	unsampled := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}))
	if traceExemplar(unsampled) != nil {
		t.Fatal("unsampled span should give no exemplar")
	}

	sampled := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled}))
	if ex := traceExemplar(sampled); ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}
}
