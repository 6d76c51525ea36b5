package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/grocery-backoffice/api/internal/platform/auth"
	"github.com/grocery-backoffice/api/internal/platform/httpx"
	"github.com/grocery-backoffice/api/internal/platform/pagination"
	"github.com/grocery-backoffice/api/internal/services"
)

const (
	maxCreateOrderBody = 512 * 1024
	maxUpdateOrderBody = 8 * 1024
)

// OrderHandlers exposes the order endpoints used by the mobile app and the store console.
type OrderHandlers struct {
	orders   services.OrderService
	authn    *auth.Authenticator
	createMW []func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderStaffAuth guards staff-only order routes such as payment proof downloads.
func WithOrderStaffAuth(authn *auth.Authenticator) OrderHandlerOption {
	return func(h *OrderHandlers) { h.authn = authn }
}

// WithCreateOrderMiddlewares wraps only POST /orders, e.g. idempotency and rate limiting.
func WithCreateOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		for _, m := range mw {
			if m != nil {
				h.createMW = append(h.createMW, m)
			}
		}
	}
}

// NewOrderHandlers constructs order handlers.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.createMW...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.Patch("/{orderId}", h.updateOrder)
	r.Post("/{orderId}/payment-proof", h.requestPaymentProof)
	if h.authn != nil {
		r.With(h.authn.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Get("/{orderId}/payment-proof", h.downloadPaymentProof)
	}
}

type createOrderRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Address string `json:"address"`
	Payment string `json:"payment"`
	Ref     string `json:"ref"`

	// The mobile app sends totalPrice; total_price is accepted for symmetry with net_total.
	TotalPrice      decimal.NullDecimal      `json:"totalPrice"`
	TotalPriceSnake decimal.NullDecimal      `json:"total_price"`
	Discount        decimal.NullDecimal      `json:"discount"`
	NetTotal        decimal.NullDecimal      `json:"net_total"`
	Status          string                   `json:"status"`
	Type            string                   `json:"type"`
	DeviceID        string                   `json:"device_id"`
	FCMToken        string                   `json:"fcm_token"`
	Items           []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID   productIdentifier   `json:"product_id"`
	Quantity    float64             `json:"quantity"`
	Price       decimal.NullDecimal `json:"price"`
	Total       decimal.NullDecimal `json:"total"`
	ProductName string              `json:"product_name"`
	VariantID   string              `json:"variant_id"`
	VariantName string              `json:"variant_name"`
}

// productIdentifier accepts a canonical id string or a numeric fingerprint.
type productIdentifier string

func (p *productIdentifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = productIdentifier(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("product_id must be a string or a number")
	}
	if i, err := n.Int64(); err == nil {
		*p = productIdentifier(strconv.FormatInt(i, 10))
		return nil
	}
	// JavaScript clients may serialise large integers in exponent form.
	f, err := n.Float64()
	if err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		*p = productIdentifier(strconv.FormatInt(int64(f), 10))
		return nil
	}
	*p = productIdentifier(n.String())
	return nil
}

func (req createOrderRequest) command() services.CreateOrderCommand {
	total := req.TotalPrice
	if !total.Valid {
		total = req.TotalPriceSnake
	}
	cmd := services.CreateOrderCommand{
		Name:       req.Name,
		Contact:    req.Contact,
		Address:    req.Address,
		Payment:    req.Payment,
		Ref:        req.Ref,
		TotalPrice: total,
		Discount:   req.Discount,
		NetTotal:   req.NetTotal,
		Status:     req.Status,
		Type:       req.Type,
		DeviceID:   req.DeviceID,
		FCMToken:   req.FCMToken,
		Items:      make([]services.CreateOrderItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID:   string(item.ProductID),
			Quantity:    item.Quantity,
			Price:       item.Price,
			Total:       item.Total,
			ProductName: item.ProductName,
			VariantID:   item.VariantID,
			VariantName: item.VariantName,
		})
	}
	return cmd
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := readJSONBody(ctx, w, r, maxCreateOrderBody)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest))
		return
	}

	result, err := h.orders.CreateOrder(ctx, req.command())
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := createOrderResponse{
		orderPayload:  buildOrderPayload(result.Order),
		Items:         buildItemPayloads(result.Items),
		InsertedItems: result.InsertedItems,
		Skipped:       make([]skippedItemPayload, 0, len(result.Skipped)),
	}
	for _, skipped := range result.Skipped {
		resp.Skipped = append(resp.Skipped, skippedItemPayload{
			Index:     skipped.Index,
			ProductID: skipped.ProductID,
			Reason:    skipped.Reason,
		})
	}
	w.Header().Set("Location", "/api/v1/orders/"+result.Order.ID)
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := deviceIDFrom(r)
	if deviceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "deviceId is required", http.StatusBadRequest))
		return
	}
	page, err := pagination.Parse(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.ListOrders(ctx, services.OrderListFilter{DeviceID: deviceID, Pagination: page})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	resp := orderListResponse{
		Items:         make([]orderPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, order := range result.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detail, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderId"), deviceIDFrom(r))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderDetailResponse{
		orderPayload: buildOrderPayload(detail.Order),
		Items:        buildItemPayloads(detail.Items),
	})
}

type updateOrderRequest struct {
	Payment  *string `json:"payment"`
	Ref      *string `json:"ref"`
	Status   *string `json:"status"`
	DeviceID *string `json:"device_id"`
	FCMToken *string `json:"fcm_token"`
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := readJSONBody(ctx, w, r, maxUpdateOrderBody)
	if !ok {
		return
	}
	var req updateOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest))
		return
	}

	result, err := h.orders.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:  chi.URLParam(r, "orderId"),
		Payment:  req.Payment,
		Ref:      req.Ref,
		Status:   req.Status,
		FCMToken: req.FCMToken,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := updateOrderResponse{orderPayload: buildOrderPayload(result.Order)}
	if result.Stock != nil {
		resp.ItemsProcessed = &result.Stock.ItemsProcessed
		resp.StockUpdates = &result.Stock.StockUpdates
		resp.StockAttempts = &result.Stock.StockAttempts
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type paymentProofRequest struct {
	DeviceID    string `json:"device_id"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

func (h *OrderHandlers) requestPaymentProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := readJSONBody(ctx, w, r, maxUpdateOrderBody)
	if !ok {
		return
	}
	var req paymentProofRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		req.DeviceID = deviceIDFrom(r)
	}

	upload, err := h.orders.RequestPaymentProofUpload(ctx, services.PaymentProofUploadCommand{
		OrderID:     chi.URLParam(r, "orderId"),
		DeviceID:    req.DeviceID,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSignedURLPayload(upload))
}

func (h *OrderHandlers) downloadPaymentProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	download, err := h.orders.PaymentProofDownload(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSignedURLPayload(download))
}

func readJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := readLimitedBody(r, limit)
	switch {
	case err == nil:
		return body, true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
	return nil, false
}

type orderPayload struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Contact      string  `json:"contact,omitempty"`
	Address      string  `json:"address,omitempty"`
	Payment      string  `json:"payment"`
	Ref          string  `json:"ref,omitempty"`
	TotalPrice   float64 `json:"totalPrice"`
	Discount     float64 `json:"discount"`
	NetTotal     float64 `json:"net_total"`
	Status       string  `json:"status"`
	Type         string  `json:"type"`
	DeviceID     string  `json:"device_id,omitempty"`
	HasFCMToken  bool    `json:"has_fcm_token"`
	PaymentProof string  `json:"payment_proof,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	ID          string  `json:"id"`
	OrderID     string  `json:"order_id"`
	ProductID   string  `json:"product_id"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
	ProductName string  `json:"product_name"`
	SKU         string  `json:"sku,omitempty"`
	Category    string  `json:"category,omitempty"`
	VariantID   string  `json:"variant_id,omitempty"`
	VariantName string  `json:"variant_name,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type skippedItemPayload struct {
	Index     int    `json:"index"`
	ProductID string `json:"product_id,omitempty"`
	Reason    string `json:"reason"`
}

type createOrderResponse struct {
	orderPayload
	Items         []orderItemPayload   `json:"items"`
	InsertedItems int                  `json:"inserted_items"`
	Skipped       []skippedItemPayload `json:"skipped"`
}

type orderDetailResponse struct {
	orderPayload
	Items []orderItemPayload `json:"items"`
}

type updateOrderResponse struct {
	orderPayload
	ItemsProcessed *int `json:"items_processed,omitempty"`
	StockUpdates   *int `json:"stock_updates,omitempty"`
	StockAttempts  *int `json:"stock_attempts,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type signedURLPayload struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	ObjectPath string            `json:"object_path"`
	ExpiresAt  string            `json:"expires_at"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:           order.ID,
		Code:         order.Code,
		Name:         order.Name,
		Contact:      order.Contact,
		Address:      order.Address,
		Payment:      string(order.Payment),
		Ref:          order.Ref,
		TotalPrice:   money(order.TotalPrice),
		Discount:     money(order.Discount),
		NetTotal:     money(order.NetTotal),
		Status:       string(order.Status),
		Type:         string(order.Type),
		DeviceID:     order.DeviceID,
		HasFCMToken:  order.FCMToken != "",
		PaymentProof: order.PaymentProof,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
}

func buildItemPayloads(items []services.OrderItem) []orderItemPayload {
	out := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, orderItemPayload{
			ID:          item.ID,
			OrderID:     item.OrderID,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			TotalPrice:  money(item.TotalPrice),
			ProductName: item.ProductName,
			SKU:         item.SKU,
			Category:    item.Category,
			VariantID:   item.VariantID,
			VariantName: item.VariantName,
			CreatedAt:   formatTime(item.CreatedAt),
		})
	}
	return out
}

func buildSignedURLPayload(signed services.PaymentProofUpload) signedURLPayload {
	return signedURLPayload{
		URL:        signed.URL,
		Method:     signed.Method,
		ObjectPath: signed.ObjectPath,
		ExpiresAt:  formatTime(signed.ExpiresAt),
		Headers:    signed.Headers,
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "order belongs to another device", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrOrderUpdateFailed):
		httpx.WriteError(ctx, w, httpx.NewError("order_update_failed", "order update failed; no stock was changed", http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
