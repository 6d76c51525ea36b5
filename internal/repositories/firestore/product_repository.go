package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/grocery-backoffice/api/internal/domain"
	pfirestore "github.com/grocery-backoffice/api/internal/platform/firestore"
	"github.com/grocery-backoffice/api/internal/repositories"
)

const productsCollection = "products"

type variantDocument struct {
	ID       string   `firestore:"id"`
	Name     string   `firestore:"name"`
	Price    float64  `firestore:"price"`
	Stock    int64    `firestore:"stock"`
	Barcodes []string `firestore:"barcodes,omitempty"`
}

type productDocument struct {
	Name        string            `firestore:"name"`
	Category    string            `firestore:"category"`
	SKU         string            `firestore:"sku"`
	Price       float64           `firestore:"price"`
	Cost        float64           `firestore:"cost"`
	Stock       int64             `firestore:"stock"`
	TrackStock  bool              `firestore:"trackStock"`
	Variants    []variantDocument `firestore:"variants,omitempty"`
	Fingerprint *int64            `firestore:"fingerprint,omitempty"`
	CreatedAt   time.Time         `firestore:"createdAt"`
	UpdatedAt   time.Time         `firestore:"updatedAt"`
}

// ProductRepository stores catalog entries in the products collection.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository binds the repository to provider.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}, nil
}

func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	return r.products.Create(ctx, product.ID, newProductDocument(product))
}

func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ProductRepository) FindByFingerprint(ctx context.Context, fingerprint int32) (domain.Product, error) {
	return r.first(ctx, "fingerprint", int64(fingerprint))
}

func (r *ProductRepository) FindByName(ctx context.Context, name string) (domain.Product, error) {
	return r.first(ctx, "name", strings.TrimSpace(name))
}

func (r *ProductRepository) FindByPrice(ctx context.Context, price decimal.Decimal) (domain.Product, error) {
	return r.first(ctx, "price", price.InexactFloat64())
}

// first orders by document id so that ambiguous matches resolve the same way on every call.
func (r *ProductRepository) first(ctx context.Context, field string, value any) (domain.Product, error) {
	doc, err := r.products.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ProductRepository) Scan(ctx context.Context, visit func(domain.Product) bool) error {
	return r.products.Each(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	}, func(doc pfirestore.Document[productDocument]) bool {
		return visit(doc.Data.toDomain(doc.ID))
	})
}

// ListMissingFingerprint scans the catalog because Firestore cannot filter on absent fields.
func (r *ProductRepository) ListMissingFingerprint(ctx context.Context, limit int) ([]domain.Product, error) {
	var out []domain.Product
	err := r.Scan(ctx, func(product domain.Product) bool {
		if !product.HasFingerprint {
			out = append(out, product)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (r *ProductRepository) SetFingerprint(ctx context.Context, productID string, fingerprint int32, now time.Time) (bool, error) {
	wrote := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		wrote = false
		ref, err := r.products.Ref(ctx, productID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := pfirestore.Decode[productDocument](snap)
		if err != nil {
			return err
		}
		if current.Data.Fingerprint != nil {
			return nil
		}
		wrote = true
		return tx.Update(ref, []firestore.Update{
			{Path: "fingerprint", Value: int64(fingerprint)},
			{Path: "updatedAt", Value: now.UTC()},
		})
	})
	if err != nil {
		return false, pfirestore.WrapError("products.set_fingerprint", err)
	}
	return wrote, nil
}

func newProductDocument(p domain.Product) productDocument {
	doc := productDocument{
		Name:       p.Name,
		Category:   p.Category,
		SKU:        p.SKU,
		Price:      p.Price.InexactFloat64(),
		Cost:       p.Cost.InexactFloat64(),
		Stock:      int64(p.Stock),
		TrackStock: p.TrackStock,
		CreatedAt:  p.CreatedAt.UTC(),
		UpdatedAt:  p.UpdatedAt.UTC(),
	}
	if p.HasFingerprint {
		fp := int64(p.Fingerprint)
		doc.Fingerprint = &fp
	}
	for _, v := range p.Variants {
		doc.Variants = append(doc.Variants, variantDocument{
			ID:       v.ID,
			Name:     v.Name,
			Price:    v.Price.InexactFloat64(),
			Stock:    int64(v.Stock),
			Barcodes: v.Barcodes,
		})
	}
	return doc
}

func (d productDocument) toDomain(id string) domain.Product {
	p := domain.Product{
		ID:         id,
		Name:       d.Name,
		Category:   d.Category,
		SKU:        d.SKU,
		Price:      decimal.NewFromFloat(d.Price),
		Cost:       decimal.NewFromFloat(d.Cost),
		Stock:      int(d.Stock),
		TrackStock: d.TrackStock,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.Fingerprint != nil {
		p.Fingerprint = int32(*d.Fingerprint)
		p.HasFingerprint = true
	}
	for _, v := range d.Variants {
		p.Variants = append(p.Variants, domain.ProductVariant{
			ID:       v.ID,
			Name:     v.Name,
			Price:    decimal.NewFromFloat(v.Price),
			Stock:    int(v.Stock),
			Barcodes: v.Barcodes,
		})
	}
	return p
}
