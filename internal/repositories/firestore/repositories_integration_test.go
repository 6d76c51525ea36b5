//go:build integration

package firestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/fingerprint"
	pfirestore "github.com/grocery-backoffice/api/internal/platform/firestore"
	"github.com/grocery-backoffice/api/internal/platform/firestore/firestoretest"
	"github.com/grocery-backoffice/api/internal/repositories"
)

type fixture struct {
	products *ProductRepository
	orders   *OrderRepository
	items    *OrderItemRepository
	now      time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	provider := firestoretest.Start(t, "grocery-it")
	products, err := NewProductRepository(provider)
	require.NoError(t, err)
	orders, err := NewOrderRepository(provider)
	require.NoError(t, err)
	items, err := NewOrderItemRepository(provider)
	require.NoError(t, err)
	return fixture{products: products, orders: orders, items: items, now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (f fixture) seedProduct(t *testing.T, ctx context.Context, id, name string, price string, stock int) domain.Product {
	t.Helper()
	product := domain.Product{
		ID:             id,
		Name:           name,
		Category:       "pantry",
		Price:          decimal.RequireFromString(price),
		Stock:          stock,
		TrackStock:     true,
		Fingerprint:    fingerprint.Compute(id),
		HasFingerprint: true,
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	require.NoError(t, f.products.Insert(ctx, product))
	return product
}

func (f fixture) seedOrder(t *testing.T, ctx context.Context, id, code, device string, lines map[string]int) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:         id,
		Code:       code,
		Name:       "Ana",
		Payment:    domain.PaymentMethodCash,
		TotalPrice: decimal.NewFromInt(100),
		NetTotal:   decimal.NewFromInt(100),
		Status:     domain.OrderStatusPending,
		Type:       domain.OrderTypeOnline,
		DeviceID:   device,
		CreatedAt:  f.now,
		UpdatedAt:  f.now,
	}
	require.NoError(t, f.orders.Create(ctx, order))

	var items []domain.OrderItem
	line := 0
	for productID, qty := range lines {
		items = append(items, domain.OrderItem{
			ID:         id + "-item-" + productID,
			OrderID:    id,
			Line:       line,
			ProductID:  productID,
			Quantity:   qty,
			UnitPrice:  decimal.NewFromInt(10),
			TotalPrice: decimal.NewFromInt(int64(10 * qty)),
			CreatedAt:  f.now,
		})
		line++
	}
	result, err := f.items.InsertBatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, len(items), result.Inserted)
	return order
}

func processing() domain.OrderStatusPatch {
	status := domain.OrderStatusProcessing
	return domain.OrderStatusPatch{Status: &status}
}

func stockOf(t *testing.T, ctx context.Context, repo *ProductRepository, id string) int {
	t.Helper()
	product, err := repo.Get(ctx, id)
	require.NoError(t, err)
	return product.Stock
}

func TestProductLookupsIntegration(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rice := f.seedProduct(t, ctx, "507f1f77bcf86cd799439011", "Rice 5kg", "250.50", 10)
	f.seedProduct(t, ctx, "507f1f77bcf86cd799439012", "Sugar 1kg", "250.50", 4)

	got, err := f.products.FindByFingerprint(ctx, 586034808)
	require.NoError(t, err)
	assert.Equal(t, rice.ID, got.ID)

	got, err = f.products.FindByName(ctx, "Rice 5kg")
	require.NoError(t, err)
	assert.Equal(t, rice.ID, got.ID)

	got, err = f.products.FindByPrice(ctx, decimal.RequireFromString("250.5"))
	require.NoError(t, err)
	assert.Equal(t, rice.ID, got.ID, "ties resolve to the lowest document id")

	_, err = f.products.FindByName(ctx, "Flour")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())

	legacy := domain.Product{ID: "507f1f77bcf86cd799439013", Name: "Salt", Price: decimal.NewFromInt(20), CreatedAt: f.now, UpdatedAt: f.now}
	require.NoError(t, f.products.Insert(ctx, legacy))

	missing, err := f.products.ListMissingFingerprint(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, legacy.ID, missing[0].ID)

	wrote, err := f.products.SetFingerprint(ctx, legacy.ID, fingerprint.Compute(legacy.ID), f.now)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = f.products.SetFingerprint(ctx, legacy.ID, 1, f.now)
	require.NoError(t, err)
	assert.False(t, wrote, "existing fingerprints are never overwritten")

	stored, err := f.products.Get(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Compute(legacy.ID), stored.Fingerprint)
}

func TestOrderCreateRejectsDuplicateCode(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f.seedOrder(t, ctx, "ord_a", "ORD000001", "dev-1", nil)

	err := f.orders.Create(ctx, domain.Order{ID: "ord_b", Code: "ORD000001", Status: domain.OrderStatusPending, CreatedAt: f.now})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	_, err = f.orders.Get(ctx, "ord_b")
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound(), "order must not exist when its code was taken")
}

func TestEnterProcessingDecrementsOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f.seedProduct(t, ctx, "aaaaaaaaaaaaaaaaaaaaaaaa", "Eggs", "8", 10)
	f.seedProduct(t, ctx, "bbbbbbbbbbbbbbbbbbbbbbbb", "Milk", "95", 1)
	f.seedOrder(t, ctx, "ord_proc", "ORD000002", "dev-1", map[string]int{
		"aaaaaaaaaaaaaaaaaaaaaaaa": 3,
		"bbbbbbbbbbbbbbbbbbbbbbbb": 2,
		"cccccccccccccccccccccccc": 1,
	})

	result, err := f.orders.EnterProcessing(ctx, repositories.OrderUpdateRequest{OrderID: "ord_proc", Patch: processing(), Now: f.now})
	require.NoError(t, err)
	assert.True(t, result.Reconciled)
	assert.Equal(t, domain.StockReconciliation{ItemsProcessed: 3, StockUpdates: 2, StockAttempts: 3}, result.Stock)
	assert.Equal(t, domain.OrderStatusProcessing, result.Order.Status)

	result, err = f.orders.EnterProcessing(ctx, repositories.OrderUpdateRequest{OrderID: "ord_proc", Patch: processing(), Now: f.now})
	require.NoError(t, err)
	assert.False(t, result.Reconciled)

	assert.Equal(t, 7, stockOf(t, ctx, f.products, "aaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.Equal(t, -1, stockOf(t, ctx, f.products, "bbbbbbbbbbbbbbbbbbbbbbbb"), "stock may go negative")
}

func TestEnterProcessingConcurrentCallsDecrementOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f.seedProduct(t, ctx, "dddddddddddddddddddddddd", "Bread", "45", 20)
	f.seedOrder(t, ctx, "ord_race", "ORD000003", "dev-1", map[string]int{"dddddddddddddddddddddddd": 4})

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		reconciled int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.orders.EnterProcessing(ctx, repositories.OrderUpdateRequest{OrderID: "ord_race", Patch: processing(), Now: f.now})
			if err != nil {
				t.Errorf("enter processing: %v", err)
				return
			}
			if result.Reconciled {
				mu.Lock()
				reconciled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reconciled)
	assert.Equal(t, 16, stockOf(t, ctx, f.products, "dddddddddddddddddddddddd"))
}

func TestEnterProcessingGuardAbortsWithoutWrites(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f.seedProduct(t, ctx, "eeeeeeeeeeeeeeeeeeeeeeee", "Oil", "120", 5)
	f.seedOrder(t, ctx, "ord_guard", "ORD000004", "dev-owner", map[string]int{"eeeeeeeeeeeeeeeeeeeeeeee": 1})

	forbidden := errors.New("forbidden")
	_, err := f.orders.EnterProcessing(ctx, repositories.OrderUpdateRequest{
		OrderID: "ord_guard",
		Patch:   processing(),
		Now:     f.now,
		Guard: func(current domain.Order) error {
			if !current.OwnedBy("dev-intruder") {
				return forbidden
			}
			return nil
		},
	})
	require.ErrorIs(t, err, forbidden)

	order, err := f.orders.Get(ctx, "ord_guard")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, 5, stockOf(t, ctx, f.products, "eeeeeeeeeeeeeeeeeeeeeeee"))
}

func TestOrderListAndUpdateIntegration(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for i, id := range []string{"ord_1", "ord_2", "ord_3"} {
		order := domain.Order{
			ID: id, Code: "ORD00001" + string(rune('0'+i)), Name: "Ben", DeviceID: "dev-list",
			Status: domain.OrderStatusPending, CreatedAt: f.now.Add(time.Duration(i) * time.Minute), UpdatedAt: f.now,
		}
		require.NoError(t, f.orders.Create(ctx, order))
	}

	page, err := f.orders.ListByDevice(ctx, repositories.OrderListFilter{DeviceID: "dev-list", Pagination: domain.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "ord_3", page.Items[0].ID)
	require.NotEmpty(t, page.NextPageToken)

	page, err = f.orders.ListByDevice(ctx, repositories.OrderListFilter{DeviceID: "dev-list", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ord_1", page.Items[0].ID)
	assert.Empty(t, page.NextPageToken)

	gcash := domain.PaymentMethodGCash
	ref := "GC-123"
	updated, err := f.orders.Update(ctx, repositories.OrderUpdateRequest{
		OrderID: "ord_1",
		Patch:   domain.OrderStatusPatch{Payment: &gcash, Ref: &ref},
		Now:     f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, gcash, updated.Payment)

	processing := domain.OrderStatusProcessing
	_, err = f.orders.Update(ctx, repositories.OrderUpdateRequest{
		OrderID: "ord_2",
		Patch:   domain.OrderStatusPatch{Status: &processing},
		Now:     f.now,
	})
	var refused *pfirestore.Error
	require.ErrorAs(t, err, &refused)
	assert.True(t, refused.IsConflict())

	require.NoError(t, f.orders.SetPaymentProof(ctx, "ord_1", "payment-proofs/ord_1/receipt.jpg", f.now))
	stored, err := f.orders.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "GC-123", stored.Ref)
	assert.Equal(t, "payment-proofs/ord_1/receipt.jpg", stored.PaymentProof)

	err = f.orders.SetPaymentProof(ctx, "ord_missing", "x", f.now)
	var repoErr *pfirestore.Error
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}
