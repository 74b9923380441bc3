package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	info, spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if info.TraceID != "105445aa7843bc8bf206b12000100000" || !info.Sampled {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if !spanCtx.IsRemote() || !spanCtx.IsValid() {
		t.Fatalf("expected a valid remote span context")
	}

	for _, header := range []string{"", "abc", "short/1", "105445aa7843bc8bf206b12000100000/zz"} {
		if _, _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var seen requestctx.TraceInfo
	handler := TraceMiddleware("mereal-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen.ProjectID != "mereal-prod" {
		t.Fatalf("expected project id on trace info, got %+v", seen)
	}
	if seen.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected incoming trace id to be continued, got %s", seen.TraceID)
	}
}

func TestRequestLoggerLogsRouteStatusAndUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UID: "user-42"})))
		})
	}, CaptureIdentity).Get("/api/v1/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_123", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 404, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["route"] != "/api/v1/orders/{orderID}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["user_id"] != "user-42" {
		t.Fatalf("expected user id to be captured, got %v", fields["user_id"])
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Fatalf("expected status 404, got %v", fields["status"])
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Kind != "internal" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestHTTPMetricsMiddlewarePassesThrough(t *testing.T) {
	metrics, err := NewHTTPMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewHTTPMetrics: %v", err)
	}
	router := chi.NewRouter()
	router.Use(metrics.Middleware)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected handler status to pass through, got %d", rr.Code)
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logEvent := NewEventLogger(zap.New(core), "orders")

	logEvent(context.Background(), "order.created", map[string]any{"order": "ord_1"})
	logEvent(context.Background(), "order.event.publish.failed", map[string]any{"order": "ord_1"})
	logEvent(context.Background(), "payment.verify", map[string]any{"error": "gateway timeout"})

	all := logs.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Level != zapcore.InfoLevel || all[0].LoggerName != "orders" {
		t.Fatalf("unexpected first entry %+v", all[0].Entry)
	}
	if all[1].Level != zapcore.WarnLevel || all[2].Level != zapcore.WarnLevel {
		t.Fatalf("expected failures at warn level")
	}
	if all[0].ContextMap()["order"] != "ord_1" {
		t.Fatalf("expected fields to be attached")
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	logEvent := NewEventLogger(zap.New(baseCore), "payments")

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore).With(zap.String("request_id", "req-1")))
	logEvent(ctx, "payment.verified", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected the request logger to be used, base=%d req=%d", baseLogs.Len(), reqLogs.Len())
	}
	if reqLogs.All()[0].ContextMap()["request_id"] != "req-1" {
		t.Fatalf("expected request fields to ride along")
	}
}
