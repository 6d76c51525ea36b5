// Package memory keeps the catalog and orders in process memory. It backs local runs without a
// Firestore emulator and the service tests; a single mutex gives every operation the isolation the
// Firestore transactions provide.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/platform/pagination"
	"github.com/grocery-backoffice/api/internal/repositories"
)

// Error satisfies repositories.RepositoryError.
type Error struct {
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), conflict: true}
}

// Store holds the shared state behind the Products, Orders and Items repositories.
type Store struct {
	mu       sync.Mutex
	products map[string]domain.Product
	orders   map[string]domain.Order
	codes    map[string]string
	items    map[string]domain.OrderItem
}

// Products is the catalog view of a Store.
type Products struct{ *Store }

// Orders is the order header view of a Store.
type Orders struct{ *Store }

// Items is the order item view of a Store.
type Items struct{ *Store }

var (
	_ repositories.ProductRepository   = Products{}
	_ repositories.OrderRepository     = Orders{}
	_ repositories.OrderItemRepository = Items{}
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		codes:    make(map[string]string),
		items:    make(map[string]domain.OrderItem),
	}
}

func (s *Store) Products() Products { return Products{s} }
func (s *Store) Orders() Orders     { return Orders{s} }
func (s *Store) Items() Items       { return Items{s} }

func (r Products) Insert(_ context.Context, product domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.products[product.ID]; exists {
		return conflict("product %s already exists", product.ID)
	}
	r.products[product.ID] = cloneProduct(product)
	return nil
}

func (r Products) Get(_ context.Context, productID string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, notFound("product %s not found", productID)
	}
	return cloneProduct(product), nil
}

func (r Products) FindByFingerprint(_ context.Context, fp int32) (domain.Product, error) {
	return r.findFirst(func(p domain.Product) bool { return p.HasFingerprint && p.Fingerprint == fp })
}

func (r Products) FindByName(_ context.Context, name string) (domain.Product, error) {
	name = strings.TrimSpace(name)
	return r.findFirst(func(p domain.Product) bool { return p.Name == name })
}

func (r Products) FindByPrice(_ context.Context, price decimal.Decimal) (domain.Product, error) {
	return r.findFirst(func(p domain.Product) bool { return p.Price.Equal(price) })
}

func (r Products) Scan(_ context.Context, visit func(domain.Product) bool) error {
	for _, product := range r.sortedProducts() {
		if !visit(product) {
			return nil
		}
	}
	return nil
}

func (r Products) ListMissingFingerprint(_ context.Context, limit int) ([]domain.Product, error) {
	var out []domain.Product
	for _, product := range r.sortedProducts() {
		if limit > 0 && len(out) == limit {
			break
		}
		if !product.HasFingerprint {
			out = append(out, product)
		}
	}
	return out, nil
}

func (r Products) SetFingerprint(_ context.Context, productID string, fp int32, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[productID]
	if !ok {
		return false, notFound("product %s not found", productID)
	}
	if product.HasFingerprint {
		return false, nil
	}
	product.Fingerprint = fp
	product.HasFingerprint = true
	product.UpdatedAt = now.UTC()
	r.products[productID] = product
	return true, nil
}

// findFirst walks products in id order so ties resolve deterministically.
func (r Products) findFirst(match func(domain.Product) bool) (domain.Product, error) {
	for _, product := range r.sortedProducts() {
		if match(product) {
			return product, nil
		}
	}
	return domain.Product{}, notFound("no matching product")
}

func (r Products) sortedProducts() []domain.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Product, 0, len(r.products))
	for _, product := range r.products {
		out = append(out, cloneProduct(product))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r Orders) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.codes[order.Code]; taken {
		return conflict("order code %s already exists", order.Code)
	}
	if _, exists := r.orders[order.ID]; exists {
		return conflict("order %s already exists", order.ID)
	}
	r.codes[order.Code] = order.ID
	r.orders[order.ID] = order
	return nil
}

func (r Orders) Get(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("order %s not found", orderID)
	}
	return order, nil
}

func (r Orders) ListByDevice(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	r.mu.Lock()
	var matched []domain.Order
	for _, order := range r.orders {
		if order.DeviceID == strings.TrimSpace(filter.DeviceID) {
			matched = append(matched, order)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return newerThan(matched[i], matched[j].CreatedAt, matched[j].ID) })

	page := domain.CursorPage[domain.Order]{}
	for _, order := range matched {
		if !cursor.IsZero() && !newerThan(domain.Order{ID: cursor.ID, CreatedAt: cursor.CreatedAt}, order.CreatedAt, order.ID) {
			continue
		}
		if len(page.Items) == size {
			last := page.Items[size-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

// newerThan orders by createdAt desc, then id desc.
func newerThan(a domain.Order, createdAt time.Time, id string) bool {
	if !a.CreatedAt.Equal(createdAt) {
		return a.CreatedAt.After(createdAt)
	}
	return a.ID > id
}

func (r Orders) Update(_ context.Context, req repositories.OrderUpdateRequest) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.guardedOrder(req)
	if err != nil {
		return domain.Order{}, err
	}
	if req.Patch.EntersProcessing(order) {
		return domain.Order{}, conflict("order %s must enter Processing through the stock transaction", order.ID)
	}
	req.Patch.Apply(&order)
	order.UpdatedAt = req.Now.UTC()
	r.orders[order.ID] = order
	return order, nil
}

func (r Orders) EnterProcessing(_ context.Context, req repositories.OrderUpdateRequest) (repositories.EnterProcessingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.guardedOrder(req)
	if err != nil {
		return repositories.EnterProcessingResult{}, err
	}

	result := repositories.EnterProcessingResult{Reconciled: order.Status != domain.OrderStatusProcessing}
	if result.Reconciled {
		quantities := make(map[string]int)
		var productIDs []string
		for _, item := range r.itemsOf(order.ID) {
			result.Stock.ItemsProcessed++
			if item.ProductID == "" || item.Quantity <= 0 {
				continue
			}
			if _, seen := quantities[item.ProductID]; !seen {
				productIDs = append(productIDs, item.ProductID)
			}
			quantities[item.ProductID] += item.Quantity
		}
		for _, id := range productIDs {
			result.Stock.StockAttempts++
			product, ok := r.products[id]
			if !ok {
				continue
			}
			product.Stock -= quantities[id]
			product.UpdatedAt = req.Now.UTC()
			r.products[id] = product
			result.Stock.StockUpdates++
		}
	}

	req.Patch.Apply(&order)
	order.UpdatedAt = req.Now.UTC()
	r.orders[order.ID] = order
	result.Order = order
	return result, nil
}

func (r Orders) SetPaymentProof(_ context.Context, orderID, objectPath string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return notFound("order %s not found", orderID)
	}
	order.PaymentProof = objectPath
	order.UpdatedAt = now.UTC()
	r.orders[orderID] = order
	return nil
}

func (r Orders) guardedOrder(req repositories.OrderUpdateRequest) (domain.Order, error) {
	order, ok := r.orders[req.OrderID]
	if !ok {
		return domain.Order{}, notFound("order %s not found", req.OrderID)
	}
	if req.Guard != nil {
		if err := req.Guard(order); err != nil {
			return domain.Order{}, err
		}
	}
	return order, nil
}

func (r Items) InsertBatch(_ context.Context, items []domain.OrderItem) (repositories.ItemInsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := repositories.ItemInsertResult{}
	for _, item := range items {
		if _, exists := r.items[item.ID]; exists {
			if result.Failed == nil {
				result.Failed = make(map[string]error)
			}
			result.Failed[item.ID] = conflict("order item %s already exists", item.ID)
			continue
		}
		r.items[item.ID] = item
		result.Inserted++
	}
	return result, nil
}

func (r Items) ListByOrder(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.itemsOf(orderID), nil
}

func (s *Store) itemsOf(orderID string) []domain.OrderItem {
	var out []domain.OrderItem
	for _, item := range s.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func cloneProduct(p domain.Product) domain.Product {
	p.Variants = append([]domain.ProductVariant(nil), p.Variants...)
	return p
}
