package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/grocery-backoffice/api/internal/domain"
	pfirestore "github.com/grocery-backoffice/api/internal/platform/firestore"
	"github.com/grocery-backoffice/api/internal/repositories"
)

const orderItemsCollection = "orderItems"

type orderItemDocument struct {
	OrderID     string    `firestore:"orderId"`
	Line        int       `firestore:"line"`
	ProductID   string    `firestore:"productId"`
	Quantity    int64     `firestore:"quantity"`
	UnitPrice   float64   `firestore:"unitPrice"`
	TotalPrice  float64   `firestore:"totalPrice"`
	ProductName string    `firestore:"productName"`
	SKU         string    `firestore:"sku,omitempty"`
	Category    string    `firestore:"category,omitempty"`
	VariantID   string    `firestore:"variantId,omitempty"`
	VariantName string    `firestore:"variantName,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// OrderItemRepository stores order lines in their own collection keyed by item id.
type OrderItemRepository struct {
	items *pfirestore.Collection[orderItemDocument]
}

var _ repositories.OrderItemRepository = (*OrderItemRepository)(nil)

// NewOrderItemRepository binds the repository to provider.
func NewOrderItemRepository(provider *pfirestore.Provider) (*OrderItemRepository, error) {
	if provider == nil {
		return nil, errors.New("order item repository requires firestore provider")
	}
	return &OrderItemRepository{items: pfirestore.NewCollection[orderItemDocument](provider, orderItemsCollection)}, nil
}

// InsertBatch writes all items through a BulkWriter. Rows that fail are reported, not retried.
func (r *OrderItemRepository) InsertBatch(ctx context.Context, items []domain.OrderItem) (repositories.ItemInsertResult, error) {
	docs := make(map[string]orderItemDocument, len(items))
	for _, item := range items {
		docs[item.ID] = newOrderItemDocument(item)
	}
	written, failed, err := r.items.BulkCreate(ctx, docs)
	if err != nil {
		return repositories.ItemInsertResult{}, err
	}
	return repositories.ItemInsertResult{Inserted: written, Failed: failed}, nil
}

func (r *OrderItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	docs, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("line", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return items, nil
}

func itemsQuery(client *firestore.Client, orderID string) firestore.Query {
	return client.Collection(orderItemsCollection).Where("orderId", "==", orderID)
}

func newOrderItemDocument(item domain.OrderItem) orderItemDocument {
	return orderItemDocument{
		OrderID:     item.OrderID,
		Line:        item.Line,
		ProductID:   item.ProductID,
		Quantity:    int64(item.Quantity),
		UnitPrice:   item.UnitPrice.InexactFloat64(),
		TotalPrice:  item.TotalPrice.InexactFloat64(),
		ProductName: item.ProductName,
		SKU:         item.SKU,
		Category:    item.Category,
		VariantID:   item.VariantID,
		VariantName: item.VariantName,
		CreatedAt:   item.CreatedAt.UTC(),
	}
}

func (d orderItemDocument) toDomain(id string) domain.OrderItem {
	return domain.OrderItem{
		ID:          id,
		OrderID:     d.OrderID,
		Line:        d.Line,
		ProductID:   d.ProductID,
		Quantity:    int(d.Quantity),
		UnitPrice:   decimal.NewFromFloat(d.UnitPrice),
		TotalPrice:  decimal.NewFromFloat(d.TotalPrice),
		ProductName: d.ProductName,
		SKU:         d.SKU,
		Category:    d.Category,
		VariantID:   d.VariantID,
		VariantName: d.VariantName,
		CreatedAt:   d.CreatedAt,
	}
}
