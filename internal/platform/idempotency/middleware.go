package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grocery-backoffice/api/internal/platform/auth"
	"github.com/grocery-backoffice/api/internal/platform/httpx"
	"github.com/grocery-backoffice/api/internal/platform/requestctx"
)

const (
	// DefaultHeader carries the client-chosen key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "X-Idempotent-Replay"

	maxKeyLength = 255
	persistWait  = 5 * time.Second
)

// ScopeFunc names the caller a key belongs to. The same key sent by two scopes never collides.
type ScopeFunc func(r *http.Request, body []byte) string

type options struct {
	header string
	ttl    time.Duration
	scope  ScopeFunc
	clock  func() time.Time
	logger *zap.Logger
}

// Option customises Middleware.
type Option func(*options)

// WithHeader overrides the header the key is read from.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithScope sets how the caller scope is derived.
func WithScope(scope ScopeFunc) Option {
	return func(o *options) {
		if scope != nil {
			o.scope = scope
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the fallback logger used when the request carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// DeviceScope scopes keys by the device_id field of a JSON body, then the X-Device-ID header,
// then the authenticated staff uid.
func DeviceScope(r *http.Request, body []byte) string {
	var payload struct {
		DeviceID string `json:"device_id"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if id := strings.TrimSpace(payload.DeviceID); id != "" {
			return "device:" + id
		}
	}
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return "device:" + id
	}
	return IdentityScope(r, body)
}

// IdentityScope scopes keys by the authenticated uid, or "anonymous".
func IdentityScope(r *http.Request, _ []byte) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return "user:" + identity.UID
	}
	return "anonymous"
}

// Middleware replays stored responses for repeated keys. Requests without a key pass through.
// Only non-5xx responses are stored so a failed attempt can be retried with the same key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		scope:  IdentityScope,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key must be at most 255 characters", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			scopedKey := cfg.scope(r, body) + "|" + key
			fingerprint := requestFingerprint(r, body)
			now := cfg.clock().UTC()
			logger := loggerFor(ctx, cfg.logger)

			reservation, err := store.Reserve(ctx, scopedKey, fingerprint, now, cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Warn("idempotency.reserve.failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to reserve idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still in progress", http.StatusConflict))
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// Panics and 5xx leave the key free for a retry.
				bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistWait)
				defer cancel()
				if err := store.Release(bg, scopedKey, fingerprint); err != nil {
					logger.Warn("idempotency.release.failed", zap.Error(err))
				}
			}()

			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistWait)
			defer cancel()
			resp := Response{Status: rec.status, Headers: w.Header().Clone(), Body: rec.body.Bytes()}
			if err := store.SaveResponse(bg, scopedKey, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Warn("idempotency.save.failed", zap.Error(err))
				return
			}
			completed = true
		})
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	return sha256Hex([]byte(r.Method + "\n" + r.URL.Path + "\n" + sha256Hex(body)))
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func loggerFor(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger := requestctx.Logger(ctx); logger != requestctx.NoopLogger() {
		return logger
	}
	return fallback
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
