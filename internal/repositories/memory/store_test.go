package memory

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
	"github.com/grocery-backoffice/api/internal/repositories"
)

func seed(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	products := []domain.Product{
		{ID: "p1", Name: "Rice", Price: decimal.NewFromInt(45), Stock: 10, Fingerprint: 11, HasFingerprint: true},
		{ID: "p2", Name: "Eggs", Price: decimal.NewFromInt(45), Stock: 5},
	}
	for _, p := range products {
		require.NoError(t, store.Products().Insert(ctx, p))
	}
	require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: "o1", Code: "ORD000001", Status: domain.OrderStatusPending, DeviceID: "dev"}))
	_, err := store.Items().InsertBatch(ctx, []domain.OrderItem{
		{ID: "i1", OrderID: "o1", Line: 0, ProductID: "p1", Quantity: 2},
		{ID: "i2", OrderID: "o1", Line: 1, ProductID: "p1", Quantity: 1},
		{ID: "i3", OrderID: "o1", Line: 2, ProductID: "missing", Quantity: 4},
	})
	require.NoError(t, err)
}

func TestProductLookups(t *testing.T) {
	store := NewStore()
	seed(t, store)
	ctx := context.Background()

	byPrice, err := store.Products().FindByPrice(ctx, decimal.NewFromInt(45))
	require.NoError(t, err)
	assert.Equal(t, "p1", byPrice.ID)

	byFP, err := store.Products().FindByFingerprint(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, "p1", byFP.ID)

	_, err = store.Products().FindByName(ctx, "Milk")
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsNotFound())

	missing, err := store.Products().ListMissingFingerprint(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "p2", missing[0].ID)

	wrote, err := store.Products().SetFingerprint(ctx, "p1", 99, time.Now())
	require.NoError(t, err)
	assert.False(t, wrote)
	wrote, err = store.Products().SetFingerprint(ctx, "p2", 99, time.Now())
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestCreateRejectsDuplicateCode(t *testing.T) {
	store := NewStore()
	seed(t, store)

	err := store.Orders().Create(context.Background(), domain.Order{ID: "o2", Code: "ORD000001"})
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsConflict())
}

func TestEnterProcessingDecrementsOnce(t *testing.T) {
	store := NewStore()
	seed(t, store)
	ctx := context.Background()
	processing := domain.OrderStatusProcessing
	req := repositories.OrderUpdateRequest{OrderID: "o1", Patch: domain.OrderStatusPatch{Status: &processing}, Now: time.Now()}

	first, err := store.Orders().EnterProcessing(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Reconciled)
	assert.Equal(t, domain.StockReconciliation{ItemsProcessed: 3, StockUpdates: 1, StockAttempts: 2}, first.Stock)
	assert.Equal(t, domain.OrderStatusProcessing, first.Order.Status)

	second, err := store.Orders().EnterProcessing(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Reconciled)

	product, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, product.Stock)
}

func TestEnterProcessingConcurrentCallsReconcileOnce(t *testing.T) {
	store := NewStore()
	seed(t, store)
	processing := domain.OrderStatusProcessing
	req := repositories.OrderUpdateRequest{OrderID: "o1", Patch: domain.OrderStatusPatch{Status: &processing}, Now: time.Now()}

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.Orders().EnterProcessing(context.Background(), req)
			if err == nil {
				results[i] = res.Reconciled
			}
		}(i)
	}
	wg.Wait()

	reconciled := 0
	for _, r := range results {
		if r {
			reconciled++
		}
	}
	assert.Equal(t, 1, reconciled)
	product, err := store.Products().Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, product.Stock)
}

func TestGuardAbortLeavesOrderUntouched(t *testing.T) {
	store := NewStore()
	seed(t, store)
	processing := domain.OrderStatusProcessing
	denied := errors.New("denied")

	_, err := store.Orders().EnterProcessing(context.Background(), repositories.OrderUpdateRequest{
		OrderID: "o1",
		Patch:   domain.OrderStatusPatch{Status: &processing},
		Guard:   func(domain.Order) error { return denied },
		Now:     time.Now(),
	})
	require.ErrorIs(t, err, denied)

	order, err := store.Orders().Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	product, err := store.Products().Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, product.Stock)
}

func TestUpdateRefusesEnteringProcessing(t *testing.T) {
	store := NewStore()
	seed(t, store)
	ctx := context.Background()
	processing := domain.OrderStatusProcessing
	req := repositories.OrderUpdateRequest{OrderID: "o1", Patch: domain.OrderStatusPatch{Status: &processing}, Now: time.Now()}

	_, err := store.Orders().Update(ctx, req)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsConflict())

	order, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)

	// once Processing, plain writes of the same status are allowed
	_, err = store.Orders().EnterProcessing(ctx, req)
	require.NoError(t, err)
	ref := "GC-9"
	req.Patch.Ref = &ref
	updated, err := store.Orders().Update(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "GC-9", updated.Ref)
}

func TestListByDevicePages(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: id, Code: "ORD" + id, DeviceID: "dev", CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: "z", Code: "ORDz", DeviceID: "other", CreatedAt: base}))

	page, err := store.Orders().ListByDevice(ctx, repositories.OrderListFilter{DeviceID: "dev", Pagination: domain.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c", page.Items[0].ID)
	assert.Equal(t, "b", page.Items[1].ID)
	require.NotEmpty(t, page.NextPageToken)

	next, err := store.Orders().ListByDevice(ctx, repositories.OrderListFilter{DeviceID: "dev", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "a", next.Items[0].ID)
	assert.Empty(t, next.NextPageToken)
}
