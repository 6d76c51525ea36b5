package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/fingerprint"
	"github.com/grocery-backoffice/api/internal/repositories/memory"
)

func newCatalogFixture(t *testing.T, ids ...string) (CatalogService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	deps := CatalogServiceDeps{
		Products: store.Products(),
		Clock:    func() time.Time { return fixedNow },
	}
	if len(ids) > 0 {
		next := 0
		deps.IDGenerator = func() string {
			id := ids[next%len(ids)]
			next++
			return id
		}
	}
	svc, err := NewCatalogService(deps)
	require.NoError(t, err)
	return svc, store
}

func TestCreateProductAssignsIDAndFingerprint(t *testing.T) {
	svc, store := newCatalogFixture(t, riceID)

	product, err := svc.CreateProduct(context.Background(), CreateProductCommand{
		Name:     "Jasmine Rice 5kg",
		Category: "Grains",
		Price:    decimal.NewFromInt(245),
		Stock:    12,
		Variants: []CreateProductVariant{{Name: "Half Sack", Price: decimal.NewFromInt(130)}},
	})
	require.NoError(t, err)
	assert.Equal(t, riceID, product.ID)
	assert.Equal(t, int32(586034808), product.Fingerprint)
	assert.True(t, product.HasFingerprint)
	assert.Equal(t, "jasmine-rice-5kg", product.SKU)
	require.Len(t, product.Variants, 1)
	assert.Equal(t, "half-sack", product.Variants[0].ID)

	stored, err := store.Products().FindByFingerprint(context.Background(), 586034808)
	require.NoError(t, err)
	assert.Equal(t, riceID, stored.ID)
}

func TestCreateProductDefaultIDIsObjectID(t *testing.T) {
	svc, _ := newCatalogFixture(t)

	product, err := svc.CreateProduct(context.Background(), CreateProductCommand{Name: "Salt", SKU: "SALT-1"})
	require.NoError(t, err)
	assert.Len(t, product.ID, 24)
	assert.Equal(t, fingerprint.Compute(product.ID), product.Fingerprint)
	assert.Equal(t, "SALT-1", product.SKU)
}

func TestCreateProductValidation(t *testing.T) {
	svc, _ := newCatalogFixture(t, riceID)
	cases := map[string]CreateProductCommand{
		"missing name":       {Name: " "},
		"negative stock":     {Name: "Rice", Stock: -1},
		"negative price":     {Name: "Rice", Price: decimal.NewFromInt(-1)},
		"variant name":       {Name: "Rice", Variants: []CreateProductVariant{{}}},
		"duplicate variants": {Name: "Rice", Variants: []CreateProductVariant{{Name: "Small"}, {Name: "small"}}},
		"empty barcode":      {Name: "Rice", Variants: []CreateProductVariant{{Name: "A", Barcodes: []string{""}}}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateProduct(context.Background(), cmd)
			require.ErrorIs(t, err, ErrCatalogInvalidInput)
		})
	}
}

func TestCreateProductConflict(t *testing.T) {
	svc, _ := newCatalogFixture(t, riceID)
	_, err := svc.CreateProduct(context.Background(), CreateProductCommand{Name: "Rice"})
	require.NoError(t, err)

	_, err = svc.CreateProduct(context.Background(), CreateProductCommand{Name: "Rice again"})
	require.ErrorIs(t, err, ErrCatalogConflict)
}

func TestGetProduct(t *testing.T) {
	svc, _ := newCatalogFixture(t, riceID)
	_, err := svc.CreateProduct(context.Background(), CreateProductCommand{Name: "Rice"})
	require.NoError(t, err)

	product, err := svc.GetProduct(context.Background(), riceID)
	require.NoError(t, err)
	assert.Equal(t, "Rice", product.Name)

	_, err = svc.GetProduct(context.Background(), "586034808")
	require.ErrorIs(t, err, ErrCatalogInvalidInput)
	_, err = svc.GetProduct(context.Background(), eggsID)
	require.ErrorIs(t, err, ErrCatalogNotFound)
}

func TestBackfillFingerprintsNeverOverwrites(t *testing.T) {
	svc, store := newCatalogFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Products().Insert(ctx, domain.Product{ID: riceID, Name: "Rice"}))
	require.NoError(t, store.Products().Insert(ctx, domain.Product{ID: eggsID, Name: "Eggs", Fingerprint: 7, HasFingerprint: true}))

	dry, err := svc.BackfillFingerprints(ctx, BackfillFingerprintsCommand{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, BackfillFingerprintsResult{Scanned: 1}, dry)

	result, err := svc.BackfillFingerprints(ctx, BackfillFingerprintsCommand{})
	require.NoError(t, err)
	assert.Equal(t, BackfillFingerprintsResult{Scanned: 1, Updated: 1}, result)

	rice, err := store.Products().Get(ctx, riceID)
	require.NoError(t, err)
	assert.Equal(t, int32(586034808), rice.Fingerprint)
	eggs, err := store.Products().Get(ctx, eggsID)
	require.NoError(t, err)
	assert.Equal(t, int32(7), eggs.Fingerprint)

	again, err := svc.BackfillFingerprints(ctx, BackfillFingerprintsCommand{})
	require.NoError(t, err)
	assert.Equal(t, BackfillFingerprintsResult{}, again)
}
