package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/platform/idempotency"
	"github.com/grocery-backoffice/api/internal/services"
)

var orderTime = time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)

func sampleOrder() services.Order {
	return services.Order{
		ID:         "ord_01HRT",
		Code:       "ORD123456",
		Name:       "Ana",
		Payment:    domain.PaymentMethodCash,
		TotalPrice: decimal.NewFromInt(100),
		Discount:   decimal.NewFromInt(10),
		NetTotal:   decimal.NewFromInt(90),
		Status:     domain.OrderStatusPending,
		Type:       domain.OrderTypeOnline,
		DeviceID:   "dev-1",
		FCMToken:   "tok",
		CreatedAt:  orderTime,
		UpdatedAt:  orderTime,
	}
}

func orderRouter(svc services.OrderService, opts ...OrderHandlerOption) http.Handler {
	return NewRouter(WithOrderRoutes(NewOrderHandlers(svc, opts...).Routes))
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestCreateOrderMapsPayload(t *testing.T) {
	var got services.CreateOrderCommand
	svc := &stubOrderService{createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
		got = cmd
		return services.CreateOrderResult{
			Order: sampleOrder(),
			Items: []services.OrderItem{{
				ID: "oit_1", OrderID: "ord_01HRT", ProductID: "507f1f77bcf86cd799439011",
				Quantity: 2, UnitPrice: decimal.NewFromInt(45), TotalPrice: decimal.NewFromInt(90),
				ProductName: "Rice", CreatedAt: orderTime,
			}},
			InsertedItems: 1,
			Skipped:       []services.SkippedItem{{Index: 1, ProductID: "999", Reason: "unresolved"}},
		}, nil
	}}

	body := `{
		"name": "Ana", "totalPrice": 100, "discount": 10, "device_id": "dev-1", "fcm_token": "tok",
		"items": [
			{"product_id": 1234567890, "quantity": 2, "price": 45},
			{"product_id": "999", "quantity": 1},
			{"product_id": 1.2345e9, "quantity": 1, "total": 12.5}
		]
	}`
	rr := doJSON(t, orderRouter(svc), http.MethodPost, "/api/v1/orders", body)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/api/v1/orders/ord_01HRT", rr.Header().Get("Location"))

	assert.Equal(t, "Ana", got.Name)
	assert.True(t, got.TotalPrice.Valid)
	assert.True(t, got.TotalPrice.Decimal.Equal(decimal.NewFromInt(100)))
	assert.False(t, got.NetTotal.Valid)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "1234567890", got.Items[0].ProductID)
	assert.Equal(t, 2.0, got.Items[0].Quantity)
	assert.True(t, got.Items[0].Price.Valid)
	assert.False(t, got.Items[0].Total.Valid)
	assert.Equal(t, "999", got.Items[1].ProductID)
	assert.Equal(t, "1234500000", got.Items[2].ProductID)
	assert.True(t, got.Items[2].Total.Decimal.Equal(decimal.RequireFromString("12.5")))

	resp := decodeBody(t, rr)
	assert.EqualValues(t, 1, resp["inserted_items"])
	assert.EqualValues(t, 90, resp["net_total"])
	assert.EqualValues(t, 100, resp["totalPrice"])
	assert.Equal(t, "ORD123456", resp["code"])
	assert.Equal(t, true, resp["has_fcm_token"])
	skipped := resp["skipped"].([]any)
	require.Len(t, skipped, 1)
	assert.Equal(t, "unresolved", skipped[0].(map[string]any)["reason"])
	items := resp["items"].([]any)
	assert.EqualValues(t, 90, items[0].(map[string]any)["total_price"])
}

func TestCreateOrderAcceptsSnakeCaseTotal(t *testing.T) {
	var got services.CreateOrderCommand
	svc := &stubOrderService{createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
		got = cmd
		return services.CreateOrderResult{Order: sampleOrder()}, nil
	}}
	rr := doJSON(t, orderRouter(svc), http.MethodPost, "/api/v1/orders", `{"name":"Ana","total_price":"55.5","device_id":"d"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.True(t, got.TotalPrice.Decimal.Equal(decimal.RequireFromString("55.5")))
}

func TestCreateOrderRejectsBadBodies(t *testing.T) {
	svc := &stubOrderService{createFn: func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error) {
		t.Fatal("service must not be called")
		return services.CreateOrderResult{}, nil
	}}
	router := orderRouter(svc)

	for _, body := range []string{"", "{", `{"items":[{"product_id":true}]}`} {
		rr := doJSON(t, router, http.MethodPost, "/api/v1/orders", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}

	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders", `{"name":"`+strings.Repeat("a", maxCreateOrderBody)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestOrderErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: name is required", services.ErrOrderInvalidInput), http.StatusBadRequest, "invalid_request"},
		{services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{services.ErrOrderForbidden, http.StatusForbidden, "order_forbidden"},
		{services.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{services.ErrOrderUnavailable, http.StatusServiceUnavailable, "order_unavailable"},
		{services.ErrOrderUpdateFailed, http.StatusInternalServerError, "order_update_failed"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "order_error"},
	}
	for _, tc := range tests {
		svc := &stubOrderService{updateFn: func(context.Context, services.UpdateOrderStatusCommand) (services.UpdateOrderStatusResult, error) {
			return services.UpdateOrderStatusResult{}, tc.err
		}}
		rr := doJSON(t, orderRouter(svc), http.MethodPatch, "/api/v1/orders/ord_1", `{"status":"Processing"}`)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		assert.Equal(t, tc.code, decodeBody(t, rr)["error"])
	}
}

func TestUpdateOrderDiagnosticsOnlyWhenStockMoved(t *testing.T) {
	var got services.UpdateOrderStatusCommand
	withStock := true
	svc := &stubOrderService{updateFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (services.UpdateOrderStatusResult, error) {
		got = cmd
		order := sampleOrder()
		order.Status = domain.OrderStatusProcessing
		result := services.UpdateOrderStatusResult{Order: order}
		if withStock {
			result.Stock = &services.StockReconciliation{ItemsProcessed: 3, StockUpdates: 2, StockAttempts: 3}
		}
		return result, nil
	}}
	router := orderRouter(svc)

	rr := doJSON(t, router, http.MethodPatch, "/api/v1/orders/ord_01HRT", `{"status":"Processing","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ord_01HRT", got.OrderID)
	require.NotNil(t, got.Status)
	assert.Equal(t, "Processing", *got.Status)
	require.NotNil(t, got.DeviceID)
	assert.Nil(t, got.Payment)
	body := decodeBody(t, rr)
	assert.EqualValues(t, 3, body["items_processed"])
	assert.EqualValues(t, 2, body["stock_updates"])
	assert.EqualValues(t, 3, body["stock_attempts"])

	withStock = false
	rr = doJSON(t, router, http.MethodPatch, "/api/v1/orders/ord_01HRT", `{"ref":"GC-1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.NotContains(t, body, "items_processed")
	assert.NotContains(t, body, "stock_updates")
}

func TestGetAndListOrders(t *testing.T) {
	var gotDevice string
	var gotFilter services.OrderListFilter
	svc := &stubOrderService{
		getFn: func(_ context.Context, id, device string) (services.OrderDetail, error) {
			gotDevice = device
			return services.OrderDetail{Order: sampleOrder(), Items: []services.OrderItem{{ID: "oit_1", Quantity: 1}}}, nil
		},
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			gotFilter = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := orderRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_01HRT", nil)
	req.Header.Set("X-Device-ID", "dev-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev-1", gotDevice)
	assert.Len(t, decodeBody(t, rr)["items"], 1)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/orders?deviceId=dev-1&pageSize=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev-1", gotFilter.DeviceID)
	assert.Equal(t, 5, gotFilter.Pagination.PageSize)
	assert.Equal(t, "next", decodeBody(t, rr)["next_page_token"])

	rr = doJSON(t, router, http.MethodGet, "/api/v1/orders", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/orders?deviceId=d&pageToken=@@", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPaymentProofRoutes(t *testing.T) {
	var got services.PaymentProofUploadCommand
	svc := &stubOrderService{uploadFn: func(_ context.Context, cmd services.PaymentProofUploadCommand) (services.PaymentProofUpload, error) {
		got = cmd
		return services.PaymentProofUpload{
			URL:        "https://storage.googleapis.com/signed",
			Method:     http.MethodPut,
			ObjectPath: "payment-proofs/ord_1/u/proof.png",
			ExpiresAt:  orderTime.Add(15 * time.Minute),
			Headers:    map[string]string{"Content-Type": "image/png"},
		}, nil
	}}
	rr := doJSON(t, orderRouter(svc), http.MethodPost, "/api/v1/orders/ord_1/payment-proof",
		`{"device_id":"dev-1","content_type":"image/png","size_bytes":2048}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, services.PaymentProofUploadCommand{OrderID: "ord_1", DeviceID: "dev-1", ContentType: "image/png", SizeBytes: 2048}, got)
	body := decodeBody(t, rr)
	assert.Equal(t, "PUT", body["method"])
	assert.Equal(t, "2024-03-09T10:45:00Z", body["expires_at"])

	// Without a staff authenticator the download route is not mounted.
	rr = doJSON(t, orderRouter(svc), http.MethodGet, "/api/v1/orders/ord_1/payment-proof", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	calls := 0
	svc := &stubOrderService{createFn: func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error) {
		calls++
		return services.CreateOrderResult{Order: sampleOrder(), InsertedItems: 0}, nil
	}}
	router := NewRouter(WithOrderRoutes(func(r chi.Router) {
		NewOrderHandlers(svc, WithCreateOrderMiddlewares(
			idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithScope(idempotency.DeviceScope)),
		)).Routes(r)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"name":"Ana","totalPrice":100,"device_id":"dev-1"}`))
		req.Header.Set(idempotency.DefaultHeader, "retry-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}
	first := send()
	second := send()

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)
}
