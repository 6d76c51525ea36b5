package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates order lifecycle states. Transitions between them are not restricted.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusDeclined   OrderStatus = "Declined"
	OrderStatusDelivered  OrderStatus = "Delivered"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusDeclined,
	OrderStatusDelivered,
}

// ParseOrderStatus matches value against the closed status set, ignoring case and surrounding space.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	return parseEnum(value, orderStatuses)
}

// Notifiable reports whether customers receive a push notification on entering the status.
func (s OrderStatus) Notifiable() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled, OrderStatusDeclined, OrderStatusDelivered:
		return true
	}
	return false
}

// OrderType distinguishes mobile/web orders from counter sales.
type OrderType string

const (
	OrderTypeOnline  OrderType = "Online"
	OrderTypeInStore OrderType = "In-Store"
)

// ParseOrderType matches value against the closed order type set.
func ParseOrderType(value string) (OrderType, bool) {
	return parseEnum(value, []OrderType{OrderTypeOnline, OrderTypeInStore})
}

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "Cash"
	PaymentMethodGCash PaymentMethod = "GCash"
)

// ParsePaymentMethod matches value against the closed payment method set.
func ParsePaymentMethod(value string) (PaymentMethod, bool) {
	return parseEnum(value, []PaymentMethod{PaymentMethodCash, PaymentMethodGCash})
}

func parseEnum[T ~string](value string, allowed []T) (T, bool) {
	trimmed := strings.TrimSpace(value)
	for _, candidate := range allowed {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate, true
		}
	}
	var zero T
	return zero, false
}

// Order is the order header. Line items live in their own collection and are not embedded.
type Order struct {
	ID           string
	Code         string
	Name         string
	Contact      string
	Address      string
	Payment      PaymentMethod
	Ref          string
	TotalPrice   decimal.Decimal
	Discount     decimal.Decimal
	NetTotal     decimal.Decimal
	Status       OrderStatus
	Type         OrderType
	DeviceID     string
	FCMToken     string
	PaymentProof string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OwnedBy performs the soft device ownership check. Orders without a stored device accept any caller.
func (o Order) OwnedBy(deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || strings.TrimSpace(o.DeviceID) == "" {
		return true
	}
	return o.DeviceID == deviceID
}

// OrderItem is a cart-line snapshot bound to exactly one order.
type OrderItem struct {
	ID      string
	OrderID string
	// Line is the zero-based position of the entry in the submitted cart.
	Line        int
	ProductID   string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
	ProductName string
	SKU         string
	Category    string
	VariantID   string
	VariantName string
	CreatedAt   time.Time
}

// OrderStatusPatch lists the mutable order fields; nil means unchanged.
type OrderStatusPatch struct {
	Payment  *PaymentMethod
	Ref      *string
	Status   *OrderStatus
	FCMToken *string
}

// Empty reports whether the patch changes nothing.
func (p OrderStatusPatch) Empty() bool {
	return p.Payment == nil && p.Ref == nil && p.Status == nil && p.FCMToken == nil
}

// Apply copies the patched fields onto order.
func (p OrderStatusPatch) Apply(order *Order) {
	if p.Payment != nil {
		order.Payment = *p.Payment
	}
	if p.Ref != nil {
		order.Ref = *p.Ref
	}
	if p.Status != nil {
		order.Status = *p.Status
	}
	if p.FCMToken != nil {
		order.FCMToken = *p.FCMToken
	}
}

// EntersProcessing reports whether applying the patch moves order into Processing from another status.
func (p OrderStatusPatch) EntersProcessing(order Order) bool {
	return p.Status != nil && *p.Status == OrderStatusProcessing && order.Status != OrderStatusProcessing
}

// StockReconciliation reports the stock side effect of entering Processing.
type StockReconciliation struct {
	ItemsProcessed int
	StockUpdates   int
	StockAttempts  int
}
