package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs in-memory metric and trace pipelines plus the W3C
// propagator. Tests using it must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP, origProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})
	return m, reader, exp
}

// probeMux mimics the observability server's routes.
func probeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	return mux
}

func httpDurationAttrs(t *testing.T, reader *sdkmetric.ManualReader) []map[string]string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callscribe.http.request.duration")
	if met == nil {
		t.Fatal("callscribe.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want Histogram[float64]", met.Data)
	}
	var out []map[string]string
	for _, dp := range hist.DataPoints {
		attrs := make(map[string]string)
		for _, kv := range dp.Attributes.ToSlice() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		out = append(out, attrs)
	}
	return out
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var inner string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if len(inner) != 32 {
		t.Fatalf("correlation ID %q, want 32 hex chars", inner)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inner {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inner)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("traceparent not injected into the response")
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, exp := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inner string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if inner != traceID {
		t.Errorf("correlation ID = %q, want %q", inner, traceID)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s, want the incoming span", got)
	}
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	tests := []struct {
		path      string
		wantRoute string
		wantCode  string
	}{
		{"/healthz", "GET /healthz", "200"},
		{"/readyz", "GET /readyz", "503"},
		{"/does-not-exist", "unmatched", "404"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			m, reader, exp := testSetup(t)
			rec := httptest.NewRecorder()
			Middleware(m)(probeMux()).ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))

			if got := strconv.Itoa(rec.Code); got != tc.wantCode {
				t.Errorf("response code = %s, want %s", got, tc.wantCode)
			}
			points := httpDurationAttrs(t, reader)
			if len(points) != 1 {
				t.Fatalf("got %d data points, want 1", len(points))
			}
			attrs := points[0]
			if attrs["method"] != "GET" || attrs["route"] != tc.wantRoute || attrs["status"] != tc.wantCode {
				t.Errorf("attributes = %v, want route %q status %s", attrs, tc.wantRoute, tc.wantCode)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if want := "HTTP GET " + tc.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			var sawStatus bool
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" && a.Value.AsInt64() == int64(rec.Code) {
					sawStatus = true
				}
			}
			if !sawStatus {
				t.Error("span missing http.response.status_code")
			}
		})
	}
}

func TestMiddleware_ProbeLogLevel(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := Middleware(m)(probeMux())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("successful probe logged at info: %s", buf.String())
	}

	// A failing readiness probe is worth seeing.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
	if !strings.Contains(buf.String(), "status=503") {
		t.Errorf("failing probe not logged, got: %s", buf.String())
	}
}
