package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grocery-backoffice/api/internal/platform/httpx"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = httpx.MaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// money renders a decimal as a JSON number. Firestore and the mobile clients both use doubles.
func money(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func deviceIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("deviceId")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}
