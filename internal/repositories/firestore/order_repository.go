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
	"github.com/grocery-backoffice/api/internal/platform/pagination"
	"github.com/grocery-backoffice/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderCodesCollection = "orderCodes"
)

type orderDocument struct {
	Code         string    `firestore:"code"`
	Name         string    `firestore:"name"`
	Contact      string    `firestore:"contact,omitempty"`
	Address      string    `firestore:"address,omitempty"`
	Payment      string    `firestore:"payment"`
	Ref          string    `firestore:"ref,omitempty"`
	TotalPrice   float64   `firestore:"totalPrice"`
	Discount     float64   `firestore:"discount"`
	NetTotal     float64   `firestore:"netTotal"`
	Status       string    `firestore:"status"`
	Type         string    `firestore:"type"`
	DeviceID     string    `firestore:"deviceId"`
	FCMToken     string    `firestore:"fcmToken,omitempty"`
	PaymentProof string    `firestore:"paymentProof,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// orderCodeDocument reserves a human-readable code; its id is the code itself.
type orderCodeDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// OrderRepository persists order headers and runs the stock reconciliation transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	codes    *pfirestore.Collection[orderCodeDocument]
	products *pfirestore.Collection[productDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository binds the repository to provider.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		codes:    pfirestore.NewCollection[orderCodeDocument](provider, orderCodesCollection),
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}, nil
}

// Create writes the code reservation and the order in one transaction so a taken code leaves nothing behind.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		codeRef, err := r.codes.Ref(ctx, order.Code)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.Ref(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(codeRef, orderCodeDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(order))
	}, pfirestore.WithTxAttempts(1))
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByDevice pages newest first. Requires the composite index (deviceId ASC, createdAt DESC).
func (r *OrderRepository) ListByDevice(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("deviceId", "==", strings.TrimSpace(filter.DeviceID)).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == size {
			last := page.Items[size-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// Update applies the patch without a transaction. The guard sees a fresh read, and the write is
// conditioned on that read so a concurrent change surfaces as a conflict.
func (r *OrderRepository) Update(ctx context.Context, req repositories.OrderUpdateRequest) (domain.Order, error) {
	ref, err := r.orders.Ref(ctx, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	current, err := pfirestore.Decode[orderDocument](snap)
	if err != nil {
		return domain.Order{}, err
	}
	order := current.Data.toDomain(current.ID)
	if req.Guard != nil {
		if err := req.Guard(order); err != nil {
			return domain.Order{}, err
		}
	}
	if req.Patch.EntersProcessing(order) {
		return domain.Order{}, pfirestore.Conflict("orders.update", "order %s must enter Processing through the stock transaction", order.ID)
	}

	now := req.Now.UTC()
	if _, err := ref.Update(ctx, patchUpdates(req.Patch, now), firestore.LastUpdateTime(snap.UpdateTime)); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	req.Patch.Apply(&order)
	order.UpdatedAt = now
	return order, nil
}

// EnterProcessing re-reads the order inside a transaction. When the committed status is already
// Processing only the patch is written; otherwise every product referenced by the order's items is
// decremented with an atomic increment. Missing products are skipped and counted as attempts only.
func (r *OrderRepository) EnterProcessing(ctx context.Context, req repositories.OrderUpdateRequest) (repositories.EnterProcessingResult, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.EnterProcessingResult{}, err
	}
	now := req.Now.UTC()

	var result repositories.EnterProcessingResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.EnterProcessingResult{}

		orderRef, err := r.orders.Ref(ctx, req.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		current, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		order := current.Data.toDomain(current.ID)
		if req.Guard != nil {
			if err := req.Guard(order); err != nil {
				return err
			}
		}
		alreadyProcessing := order.Status == domain.OrderStatusProcessing

		// reads must all precede writes
		var (
			productIDs []string
			quantities = make(map[string]int64)
			stock      domain.StockReconciliation
			products   []*firestore.DocumentSnapshot
		)
		if !alreadyProcessing {
			itemSnaps, err := tx.Documents(itemsQuery(client, order.ID)).GetAll()
			if err != nil {
				return err
			}
			stock.ItemsProcessed = len(itemSnaps)
			for _, itemSnap := range itemSnaps {
				item, err := pfirestore.Decode[orderItemDocument](itemSnap)
				if err != nil {
					return err
				}
				id := strings.TrimSpace(item.Data.ProductID)
				if id == "" || item.Data.Quantity <= 0 {
					continue
				}
				if _, seen := quantities[id]; !seen {
					productIDs = append(productIDs, id)
				}
				quantities[id] += item.Data.Quantity
			}
			refs := make([]*firestore.DocumentRef, 0, len(productIDs))
			for _, id := range productIDs {
				ref, err := r.products.Ref(ctx, id)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			if len(refs) > 0 {
				if products, err = tx.GetAll(refs); err != nil {
					return err
				}
			}
		}

		if err := tx.Update(orderRef, patchUpdates(req.Patch, now)); err != nil {
			return err
		}
		for i, productSnap := range products {
			stock.StockAttempts++
			if !productSnap.Exists() {
				continue
			}
			if err := tx.Update(productSnap.Ref, []firestore.Update{
				{Path: "stock", Value: firestore.Increment(-quantities[productIDs[i]])},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
			stock.StockUpdates++
		}

		req.Patch.Apply(&order)
		order.UpdatedAt = now
		result = repositories.EnterProcessingResult{
			Order:      order,
			Reconciled: !alreadyProcessing,
			Stock:      stock,
		}
		return nil
	})
	if err != nil {
		return repositories.EnterProcessingResult{}, pfirestore.WrapError("orders.enter_processing", err)
	}
	return result, nil
}

func (r *OrderRepository) SetPaymentProof(ctx context.Context, orderID, objectPath string, now time.Time) error {
	return r.orders.Update(ctx, orderID, []firestore.Update{
		{Path: "paymentProof", Value: objectPath},
		{Path: "updatedAt", Value: now.UTC()},
	}, firestore.Exists)
}

func patchUpdates(patch domain.OrderStatusPatch, now time.Time) []firestore.Update {
	updates := []firestore.Update{{Path: "updatedAt", Value: now}}
	if patch.Payment != nil {
		updates = append(updates, firestore.Update{Path: "payment", Value: string(*patch.Payment)})
	}
	if patch.Ref != nil {
		updates = append(updates, firestore.Update{Path: "ref", Value: *patch.Ref})
	}
	if patch.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*patch.Status)})
	}
	if patch.FCMToken != nil {
		updates = append(updates, firestore.Update{Path: "fcmToken", Value: *patch.FCMToken})
	}
	return updates
}

func newOrderDocument(o domain.Order) orderDocument {
	return orderDocument{
		Code:         o.Code,
		Name:         o.Name,
		Contact:      o.Contact,
		Address:      o.Address,
		Payment:      string(o.Payment),
		Ref:          o.Ref,
		TotalPrice:   o.TotalPrice.InexactFloat64(),
		Discount:     o.Discount.InexactFloat64(),
		NetTotal:     o.NetTotal.InexactFloat64(),
		Status:       string(o.Status),
		Type:         string(o.Type),
		DeviceID:     o.DeviceID,
		FCMToken:     o.FCMToken,
		PaymentProof: o.PaymentProof,
		CreatedAt:    o.CreatedAt.UTC(),
		UpdatedAt:    o.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:           id,
		Code:         d.Code,
		Name:         d.Name,
		Contact:      d.Contact,
		Address:      d.Address,
		Payment:      domain.PaymentMethod(d.Payment),
		Ref:          d.Ref,
		TotalPrice:   decimal.NewFromFloat(d.TotalPrice),
		Discount:     decimal.NewFromFloat(d.Discount),
		NetTotal:     decimal.NewFromFloat(d.NetTotal),
		Status:       domain.OrderStatus(d.Status),
		Type:         domain.OrderType(d.Type),
		DeviceID:     d.DeviceID,
		FCMToken:     d.FCMToken,
		PaymentProof: d.PaymentProof,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
