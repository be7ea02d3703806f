package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tangible-labs/assetcycle/internal/config"
)

func setupTestTracing(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "assetcycle", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Exporter: "jaeger",
	}, "assetcycle", "test")
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_and_TraceID(t *testing.T) {
	setupTestTracing(t)

	ctx, span := StartSpan(context.Background(), "lifecycle.request_transition",
		AttrAssetID.String("asset-1"),
		AttrToState.String("approved"),
	)
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		t.Error("expected non-empty trace ID inside span")
	}
}

func TestTraceIDFromContext_noSpan(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext() = %q, want empty", got)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracing(t)

	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)

	if headers.Get("traceparent") == "" {
		t.Error("expected traceparent header to be injected")
	}
}

func TestTracingMiddleware_propagatesContext(t *testing.T) {
	setupTestTracing(t)

	var gotTraceID string
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/assets/asset-1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotTraceID == "" {
		t.Error("handler should see an active trace")
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response should carry trace context")
	}
}

func TestTracingMiddleware_extractsInboundTraceparent(t *testing.T) {
	setupTestTracing(t)

	const inboundTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var gotTraceID string
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	req.Header.Set("traceparent", "00-"+inboundTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotTraceID != inboundTraceID {
		t.Errorf("trace ID = %q, want %q (inbound trace continued)", gotTraceID, inboundTraceID)
	}
}
