package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocery-backoffice/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("rate_limited", "too many\nrequests", http.StatusTooManyRequests).
		WithDetails(map[string]any{"retryAfterSeconds": 30}))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "too many requests", body["message"])
	assert.EqualValues(t, 429, body["status"])
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "abc", body["traceId"])
	assert.EqualValues(t, 30, body["retryAfterSeconds"])
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"rice"}`))
	require.NoError(t, DecodeJSON(req, &dst, true))
	assert.Equal(t, "rice", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"rice","extra":1}`))
	assert.Error(t, DecodeJSON(req, &dst, true))
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"rice","extra":1}`))
	assert.NoError(t, DecodeJSON(req, &dst, false))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, DecodeJSON(req, &dst, false), "request body is required")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{} {}`))
	assert.Error(t, DecodeJSON(req, &dst, false))
}
