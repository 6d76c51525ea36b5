package repositories

import (
	"context"
	"time"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/shopspring/decimal"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository reads catalog entries for order resolution and persists new products.
// Lookups that match nothing return a RepositoryError reporting IsNotFound.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Get(ctx context.Context, productID string) (domain.Product, error)
	FindByFingerprint(ctx context.Context, fingerprint int32) (domain.Product, error)
	FindByName(ctx context.Context, name string) (domain.Product, error)
	FindByPrice(ctx context.Context, price decimal.Decimal) (domain.Product, error)
	// Scan streams the catalog until visit returns false.
	Scan(ctx context.Context, visit func(domain.Product) bool) error
	ListMissingFingerprint(ctx context.Context, limit int) ([]domain.Product, error)
	// SetFingerprint stores fingerprint only when the product has none, reporting whether it wrote.
	SetFingerprint(ctx context.Context, productID string, fingerprint int32, now time.Time) (bool, error)
}

// OrderRepository persists order headers and owns the guarded Processing transition.
type OrderRepository interface {
	// Create inserts the order and reserves its code. A taken code yields IsConflict.
	Create(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
	ListByDevice(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Update is a single-document field write with no stock side effect. A patch that would move the
	// order into Processing from another status is refused with IsConflict.
	Update(ctx context.Context, req OrderUpdateRequest) (domain.Order, error)
	// EnterProcessing applies the patch atomically and decrements stock for every item of the order
	// unless the freshly read order is already Processing.
	EnterProcessing(ctx context.Context, req OrderUpdateRequest) (EnterProcessingResult, error)
	SetPaymentProof(ctx context.Context, orderID, objectPath string, now time.Time) error
}

// OrderItemRepository stores cart-line snapshots.
type OrderItemRepository interface {
	InsertBatch(ctx context.Context, items []domain.OrderItem) (ItemInsertResult, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error)
}

// OrderGuard validates the current order state; a non-nil error aborts the write untouched.
type OrderGuard func(current domain.Order) error

// OrderUpdateRequest describes a status/payment write.
type OrderUpdateRequest struct {
	OrderID string
	Patch   domain.OrderStatusPatch
	Guard   OrderGuard
	Now     time.Time
}

// EnterProcessingResult reports the committed order and, when Reconciled, the stock side effect.
type EnterProcessingResult struct {
	Order      domain.Order
	Reconciled bool
	Stock      domain.StockReconciliation
}

// ItemInsertResult counts rows written by a batch insert. Failed carries per-row errors keyed by item id.
type ItemInsertResult struct {
	Inserted int
	Failed   map[string]error
}

// OrderListFilter scopes order listings to a device.
type OrderListFilter struct {
	DeviceID   string
	Pagination domain.Pagination
}

// HealthRepository exposes dependency health information for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
