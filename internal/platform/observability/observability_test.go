package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/grocery-backoffice/api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	require.True(t, ok)
	assert.Equal(t, "105445aa7843bc8bf206b12000100000", sc.TraceID().String())
	assert.Equal(t, "0000000000000001", sc.SpanID().String())
	assert.True(t, sc.IsSampled())
	assert.True(t, sc.IsRemote())

	for _, header := range []string{"", "nothex/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/0"} {
		_, ok := parseCloudTraceContext(header)
		assert.False(t, ok, header)
	}
}

func TestFormatCloudTraceHeader(t *testing.T) {
	info := requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "000000000000000a", Sampled: true}
	assert.Equal(t, "105445aa7843bc8bf206b12000100000/10;o=1", formatCloudTraceHeader(info))
	assert.Empty(t, formatCloudTraceHeader(requestctx.TraceInfo{}))
}

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := EventLogger(zap.New(core), "orders")

	log(context.Background(), "order.created", map[string]any{"orderId": "ord_1", "items": 2})
	log(context.Background(), "order.notify.failed", map[string]any{"error": errors.New("fcm down")})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "order.created", entries[0].Message)
	assert.Equal(t, "orders", entries[0].LoggerName)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "ord_1", entries[0].ContextMap()["orderId"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "fcm down", entries[1].ContextMap()["error"])
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(baseCore), "catalog")

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore).With(zap.String("request_id", "r-1")))
	log(ctx, "catalog.product.created", nil)

	assert.Zero(t, baseLogs.Len())
	require.Equal(t, 1, reqLogs.Len())
	assert.Equal(t, "r-1", reqLogs.All()[0].ContextMap()["request_id"])
}

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)), TraceMiddleware("grocery"), RequestLoggerMiddleware())
	router.Get("/orders/{orderId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736/67667974448284343;o=1", rr.Header().Get(cloudTraceHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "/orders/{orderId}", entry.ContextMap()["route"])
	assert.EqualValues(t, http.StatusNotFound, entry.ContextMap()["status"])
	assert.Equal(t, "projects/grocery/traces/4bf92f3577b34da6a3ce929d0e0e4736", entry.ContextMap()["logging.googleapis.com/trace"])
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "internal_server_error")
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestClean(t *testing.T) {
	assert.Equal(t, "abc", clean("a\nb\x00c", 10))
	assert.Equal(t, "ab", clean("abcdef", 2))
}
