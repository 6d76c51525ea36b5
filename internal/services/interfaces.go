package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/grocery-backoffice/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	Product             = domain.Product
	ProductVariant      = domain.ProductVariant
	Order               = domain.Order
	OrderItem           = domain.OrderItem
	OrderStatus         = domain.OrderStatus
	StockReconciliation = domain.StockReconciliation
	SystemHealthReport  = domain.SystemHealthReport
)

// OrderService owns order creation, reads and the status/stock transition.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string, deviceID string) (OrderDetail, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (UpdateOrderStatusResult, error)
	RequestPaymentProofUpload(ctx context.Context, cmd PaymentProofUploadCommand) (PaymentProofUpload, error)
	PaymentProofDownload(ctx context.Context, orderID string) (PaymentProofUpload, error)
}

// CatalogService manages products and their fingerprints.
type CatalogService interface {
	CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	BackfillFingerprints(ctx context.Context, cmd BackfillFingerprintsCommand) (BackfillFingerprintsResult, error)
}

// SystemService aggregates utility endpoints such as health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderNotifier delivers push messages to the device that placed an order.
type OrderNotifier interface {
	NotifyOrder(ctx context.Context, notification OrderNotification) error
}

// OrderNotification is a single push message addressed to a device token.
type OrderNotification struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// CreateOrderCommand is a submitted cart. Decimal fields left invalid were absent from the payload.
type CreateOrderCommand struct {
	Name       string
	Contact    string
	Address    string
	Payment    string
	Ref        string
	TotalPrice decimal.NullDecimal
	Discount   decimal.NullDecimal
	NetTotal   decimal.NullDecimal
	Status     string
	Type       string
	DeviceID   string
	FCMToken   string
	Items      []CreateOrderItem
}

// CreateOrderItem is one cart line as the client sent it.
type CreateOrderItem struct {
	ProductID   string
	Quantity    float64
	Price       decimal.NullDecimal
	Total       decimal.NullDecimal
	ProductName string
	VariantID   string
	VariantName string
}

// SkippedItem explains why a cart line produced no order item.
type SkippedItem struct {
	Index     int
	ProductID string
	Reason    string
}

// CreateOrderResult is the persisted order and what became of its lines.
type CreateOrderResult struct {
	Order         Order
	Items         []OrderItem
	InsertedItems int
	Skipped       []SkippedItem
}

// OrderDetail is an order with its items.
type OrderDetail struct {
	Order Order
	Items []OrderItem
}

// OrderListFilter selects a device's orders.
type OrderListFilter struct {
	DeviceID   string
	Pagination Pagination
}

// UpdateOrderStatusCommand carries optional field updates. DeviceID is an ownership claim, not a field.
type UpdateOrderStatusCommand struct {
	OrderID  string
	Payment  *string
	Ref      *string
	Status   *string
	FCMToken *string
	DeviceID *string
}

// UpdateOrderStatusResult reports the committed order. Stock is set only when stock was decremented.
type UpdateOrderStatusResult struct {
	Order Order
	Stock *StockReconciliation
}

// PaymentProofUploadCommand requests a signed URL for a payment screenshot.
type PaymentProofUploadCommand struct {
	OrderID     string
	DeviceID    string
	ContentType string
	SizeBytes   int64
}

// PaymentProofUpload is a signed URL for a payment proof object.
type PaymentProofUpload struct {
	URL        string
	Method     string
	ObjectPath string
	ExpiresAt  time.Time
	Headers    map[string]string
}

// CreateProductCommand registers a catalog entry.
type CreateProductCommand struct {
	Name       string                 `validate:"required,max=200"`
	Category   string                 `validate:"max=100"`
	SKU        string                 `validate:"max=64"`
	Price      decimal.Decimal        `validate:"-"`
	Cost       decimal.Decimal        `validate:"-"`
	Stock      int                    `validate:"gte=0"`
	TrackStock bool                   `validate:"-"`
	Variants   []CreateProductVariant `validate:"dive"`
}

// CreateProductVariant is a variant of a new product.
type CreateProductVariant struct {
	ID       string          `validate:"max=64"`
	Name     string          `validate:"required,max=200"`
	Price    decimal.Decimal `validate:"-"`
	Stock    int             `validate:"gte=0"`
	Barcodes []string        `validate:"dive,required,max=64"`
}

// BackfillFingerprintsCommand bounds one backfill pass.
type BackfillFingerprintsCommand struct {
	Limit  int
	DryRun bool
}

// BackfillFingerprintsResult counts a backfill pass.
type BackfillFingerprintsResult struct {
	Scanned int
	Updated int
	Skipped int
	Failed  int
}
