package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/platform/auth"
	"github.com/grocery-backoffice/api/internal/platform/storage"
	"github.com/grocery-backoffice/api/internal/platform/textutil"
	"github.com/grocery-backoffice/api/internal/repositories"
	"github.com/grocery-backoffice/api/internal/resolver"
)

const (
	orderEventCreated         = "order.created"
	orderEventStatusChanged   = "order.status.changed"
	orderEventStockReconciled = "order.stock.reconciled"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oit_"
	orderCodePrefix   = "ORD"

	orderCodeAttempts         = 3
	defaultResolveConcurrency = 8
	defaultNotifyTimeout      = 5 * time.Second
	defaultProofUploadTTL     = 15 * time.Minute
	maxFreeTextLength         = 500

	skipMissingProductID = "missing_product_id"
	skipInvalidQuantity  = "invalid_quantity"
	skipInvalidPrice     = "invalid_price"
	skipUnresolved       = "unresolved"
	skipInsertFailed     = "insert_failed"
)

const defaultMaxProofBytes int64 = 10 << 20

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the device does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderConflict indicates a concurrent write or an exhausted order code retry.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates a backing store or collaborator could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
	// ErrOrderUpdateFailed wraps an aborted Processing transition. No stock was changed.
	ErrOrderUpdateFailed = errors.New("order: update failed")

	errOrderProofStorageUnavailable = errors.New("order: payment proof storage not configured")
)

var proofContentTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic"}

var statusMessages = map[domain.OrderStatus][2]string{
	domain.OrderStatusProcessing: {"Order confirmed", "Your order %s is now being prepared."},
	domain.OrderStatusCompleted:  {"Order ready", "Your order %s is complete."},
	domain.OrderStatusCancelled:  {"Order cancelled", "Your order %s was cancelled."},
	domain.OrderStatusDeclined:   {"Order declined", "Your order %s was declined by the store."},
	domain.OrderStatusDelivered:  {"Order delivered", "Your order %s has been delivered."},
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderCode      string
	DeviceID       string
	PreviousStatus string
	CurrentStatus  string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// ProofSigner issues signed object URLs for payment proofs.
type ProofSigner interface {
	SignedURL(ctx context.Context, bucket, object string, opts storage.SignedURLOptions) (storage.SignedURLResult, error)
}

// ProductResolver maps cart identifiers onto products.
type ProductResolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Resolution, error)
}

// PaymentProofConfig locates and bounds payment proof uploads.
type PaymentProofConfig struct {
	Bucket    string
	UploadTTL time.Duration
	MaxBytes  int64
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Items    repositories.OrderItemRepository
	Resolver ProductResolver
	Notifier OrderNotifier
	Events   OrderEventPublisher
	Signer   ProofSigner
	Proofs   PaymentProofConfig
	// ResolveConcurrency bounds concurrent line resolution per order.
	ResolveConcurrency int
	NotifyTimeout      time.Duration
	Clock              func() time.Time
	IDGenerator        func() string
	// CodeGenerator derives the order code; attempt counts retries after a code collision.
	CodeGenerator func(now time.Time, attempt int) string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	items         repositories.OrderItemRepository
	resolver      ProductResolver
	notifier      OrderNotifier
	events        OrderEventPublisher
	signer        ProofSigner
	proofs        PaymentProofConfig
	concurrency   int
	notifyTimeout time.Duration
	clock         func() time.Time
	newID         func() string
	newCode       func(time.Time, int) string
	text          *textutil.Sanitizer
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("order service: order item repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("order service: product resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	codeGen := deps.CodeGenerator
	if codeGen == nil {
		codeGen = timeOrderCode
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	concurrency := deps.ResolveConcurrency
	if concurrency <= 0 {
		concurrency = defaultResolveConcurrency
	}
	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	proofs := deps.Proofs
	proofs.Bucket = strings.TrimSpace(proofs.Bucket)
	if proofs.UploadTTL <= 0 {
		proofs.UploadTTL = defaultProofUploadTTL
	}
	if proofs.MaxBytes <= 0 {
		proofs.MaxBytes = defaultMaxProofBytes
	}

	return &orderService{
		orders:        deps.Orders,
		items:         deps.Items,
		resolver:      deps.Resolver,
		notifier:      deps.Notifier,
		events:        deps.Events,
		signer:        deps.Signer,
		proofs:        proofs,
		concurrency:   concurrency,
		notifyTimeout: notifyTimeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		newCode: codeGen,
		text:    textutil.NewSanitizer(maxFreeTextLength),
		logger:  logger,
	}, nil
}

// timeOrderCode is ORD followed by the low six decimal digits of the millisecond clock. Retries move
// to the following millisecond slot.
func timeOrderCode(now time.Time, attempt int) string {
	return fmt.Sprintf("%s%06d", orderCodePrefix, (now.UnixMilli()+int64(attempt))%1_000_000)
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	order, err := s.buildOrder(cmd)
	if err != nil {
		return CreateOrderResult{}, err
	}

	lines, skipped, err := s.resolveLines(ctx, cmd.Items)
	if err != nil {
		return CreateOrderResult{}, err
	}

	if err := s.insertOrder(ctx, &order); err != nil {
		return CreateOrderResult{}, err
	}

	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		line.item.ID = orderItemIDPrefix + s.newID()
		line.item.OrderID = order.ID
		line.item.CreatedAt = order.CreatedAt
		items = append(items, line.item)
	}

	result := CreateOrderResult{Order: order, Skipped: skipped}
	if len(items) > 0 {
		inserted, err := s.items.InsertBatch(ctx, items)
		if err != nil {
			// The order stays without items; item management can backfill them.
			s.logger(ctx, "order.items.insert.failed", map[string]any{
				"orderId": order.ID,
				"items":   len(items),
				"error":   err.Error(),
			})
			for _, item := range items {
				result.Skipped = append(result.Skipped, SkippedItem{Index: item.Line, ProductID: item.ProductID, Reason: skipInsertFailed})
			}
			items = nil
		} else {
			items = s.dropFailedItems(ctx, &result, items, inserted)
		}
	}
	result.Items = items
	result.InsertedItems = len(items)

	s.logger(ctx, "order.created", map[string]any{
		"orderId":  order.ID,
		"code":     order.Code,
		"inserted": result.InsertedItems,
		"skipped":  len(result.Skipped),
	})

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		DeviceID:      order.DeviceID,
		CurrentStatus: string(order.Status),
		OccurredAt:    order.CreatedAt,
		Metadata: map[string]any{
			"insertedItems": result.InsertedItems,
			"skippedItems":  len(result.Skipped),
			"netTotal":      order.NetTotal.String(),
		},
	})

	return result, nil
}

func (s *orderService) buildOrder(cmd CreateOrderCommand) (Order, error) {
	name := s.text.Clean(cmd.Name)
	if name == "" {
		return Order{}, fmt.Errorf("%w: name is required", ErrOrderInvalidInput)
	}
	if !cmd.TotalPrice.Valid || !cmd.TotalPrice.Decimal.IsPositive() {
		return Order{}, fmt.Errorf("%w: totalPrice must be greater than zero", ErrOrderInvalidInput)
	}
	deviceID := strings.TrimSpace(cmd.DeviceID)
	if deviceID == "" {
		return Order{}, fmt.Errorf("%w: device_id is required", ErrOrderInvalidInput)
	}

	payment := domain.PaymentMethodCash
	if strings.TrimSpace(cmd.Payment) != "" {
		parsed, ok := domain.ParsePaymentMethod(cmd.Payment)
		if !ok {
			return Order{}, fmt.Errorf("%w: payment %q is not supported", ErrOrderInvalidInput, cmd.Payment)
		}
		payment = parsed
	}
	status := domain.OrderStatusPending
	if strings.TrimSpace(cmd.Status) != "" {
		parsed, ok := domain.ParseOrderStatus(cmd.Status)
		if !ok {
			return Order{}, fmt.Errorf("%w: status %q is not supported", ErrOrderInvalidInput, cmd.Status)
		}
		status = parsed
	}
	orderType := domain.OrderTypeOnline
	if strings.TrimSpace(cmd.Type) != "" {
		parsed, ok := domain.ParseOrderType(cmd.Type)
		if !ok {
			return Order{}, fmt.Errorf("%w: type %q is not supported", ErrOrderInvalidInput, cmd.Type)
		}
		orderType = parsed
	}

	total := cmd.TotalPrice.Decimal
	discount := decimal.Zero
	if cmd.Discount.Valid {
		discount = cmd.Discount.Decimal
	}
	if discount.IsNegative() {
		return Order{}, fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}
	if discount.GreaterThan(total) {
		return Order{}, fmt.Errorf("%w: discount exceeds totalPrice", ErrOrderInvalidInput)
	}
	netTotal := total.Sub(discount)
	if cmd.NetTotal.Valid {
		netTotal = cmd.NetTotal.Decimal
	}
	if netTotal.IsNegative() {
		return Order{}, fmt.Errorf("%w: net_total must not be negative", ErrOrderInvalidInput)
	}

	now := s.now()
	return Order{
		ID:         orderIDPrefix + s.newID(),
		Name:       name,
		Contact:    s.text.Clean(cmd.Contact),
		Address:    s.text.Clean(cmd.Address),
		Payment:    payment,
		Ref:        s.text.Clean(cmd.Ref),
		TotalPrice: total,
		Discount:   discount,
		NetTotal:   netTotal,
		Status:     status,
		Type:       orderType,
		DeviceID:   deviceID,
		FCMToken:   strings.TrimSpace(cmd.FCMToken),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

type resolvedLine struct {
	item  OrderItem
	valid bool
}

// resolveLines resolves cart lines concurrently and returns them in cart order. Lines that cannot be
// used are reported as skipped; only a store failure aborts.
func (s *orderService) resolveLines(ctx context.Context, entries []CreateOrderItem) ([]resolvedLine, []SkippedItem, error) {
	results := make([]resolvedLine, len(entries))
	reasons := make([]string, len(entries))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for i, entry := range entries {
		productID := strings.TrimSpace(entry.ProductID)
		if productID == "" {
			reasons[i] = skipMissingProductID
			continue
		}
		if !validQuantity(entry.Quantity) {
			reasons[i] = skipInvalidQuantity
			continue
		}
		if negativeAmount(entry.Price) || negativeAmount(entry.Total) {
			reasons[i] = skipInvalidPrice
			continue
		}
		group.Go(func() error {
			res, err := s.resolver.Resolve(groupCtx, resolver.Request{
				Identifier: productID,
				HintName:   entry.ProductName,
				HintPrice:  entry.Price,
			})
			if errors.Is(err, resolver.ErrResolutionMiss) {
				reasons[i] = skipUnresolved
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = resolvedLine{item: s.buildItem(i, entry, res.Product), valid: true}
			if res.Strategy != resolver.StrategyDirect && res.Strategy != resolver.StrategyFingerprint {
				s.logger(ctx, "order.item.resolved.fallback", map[string]any{
					"line":      i,
					"productId": res.Product.ID,
					"strategy":  string(res.Strategy),
				})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: resolve items: %v", ErrOrderUnavailable, err)
	}

	var (
		lines   []resolvedLine
		skipped []SkippedItem
	)
	for i, line := range results {
		if line.valid {
			lines = append(lines, line)
			continue
		}
		skipped = append(skipped, SkippedItem{Index: i, ProductID: strings.TrimSpace(entries[i].ProductID), Reason: reasons[i]})
		s.logger(ctx, "order.item.skipped", map[string]any{
			"line":      i,
			"productId": strings.TrimSpace(entries[i].ProductID),
			"reason":    reasons[i],
		})
	}
	return lines, skipped, nil
}

func validQuantity(q float64) bool {
	return q >= 1 && q <= math.MaxInt32 && q == math.Trunc(q)
}

func negativeAmount(v decimal.NullDecimal) bool {
	return v.Valid && v.Decimal.IsNegative()
}

func (s *orderService) buildItem(line int, entry CreateOrderItem, product Product) OrderItem {
	quantity := int(entry.Quantity)
	item := OrderItem{
		Line:        line,
		ProductID:   product.ID,
		Quantity:    quantity,
		ProductName: product.Name,
		SKU:         product.SKU,
		Category:    product.Category,
	}
	if item.ProductName == "" {
		item.ProductName = s.text.Clean(entry.ProductName)
	}

	unitPrice := product.Price
	if variantID := strings.TrimSpace(entry.VariantID); variantID != "" {
		item.VariantID = variantID
		item.VariantName = s.text.Clean(entry.VariantName)
		if variant, ok := product.Variant(variantID); ok {
			unitPrice = variant.Price
			if item.VariantName == "" {
				item.VariantName = variant.Name
			}
		}
	}
	if entry.Price.Valid {
		unitPrice = entry.Price.Decimal
	}
	item.UnitPrice = unitPrice

	item.TotalPrice = unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	if entry.Total.Valid {
		item.TotalPrice = entry.Total.Decimal
	}
	return item
}

func (s *orderService) insertOrder(ctx context.Context, order *Order) error {
	var err error
	for attempt := 0; attempt < orderCodeAttempts; attempt++ {
		order.Code = s.newCode(order.CreatedAt, attempt)
		err = s.orders.Create(ctx, *order)
		if err == nil {
			return nil
		}
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			return s.mapRepositoryError(err)
		}
		s.logger(ctx, "order.code.collision", map[string]any{
			"code":    order.Code,
			"attempt": attempt + 1,
		})
	}
	return fmt.Errorf("%w: order code unavailable after %d attempts: %v", ErrOrderConflict, orderCodeAttempts, err)
}

func (s *orderService) dropFailedItems(ctx context.Context, result *CreateOrderResult, items []OrderItem, inserted repositories.ItemInsertResult) []OrderItem {
	if len(inserted.Failed) == 0 {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if failure, ok := inserted.Failed[item.ID]; ok {
			s.logger(ctx, "order.item.insert.failed", map[string]any{
				"orderId": item.OrderID,
				"itemId":  item.ID,
				"error":   failure.Error(),
			})
			result.Skipped = append(result.Skipped, SkippedItem{Index: item.Line, ProductID: item.ProductID, Reason: skipInsertFailed})
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, deviceID string) (OrderDetail, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderDetail{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return OrderDetail{}, s.mapRepositoryError(err)
	}
	if !order.OwnedBy(deviceID) {
		return OrderDetail{}, fmt.Errorf("%w: order belongs to another device", ErrOrderForbidden)
	}

	items, err := s.items.ListByOrder(ctx, orderID)
	if err != nil {
		return OrderDetail{}, s.mapRepositoryError(err)
	}
	return OrderDetail{Order: order, Items: items}, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	deviceID := strings.TrimSpace(filter.DeviceID)
	if deviceID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: device_id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.ListByDevice(ctx, repositories.OrderListFilter{DeviceID: deviceID, Pagination: filter.Pagination})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (UpdateOrderStatusResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return UpdateOrderStatusResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	patch, err := s.buildPatch(cmd)
	if err != nil {
		return UpdateOrderStatusResult{}, err
	}
	deviceID := ""
	if cmd.DeviceID != nil {
		deviceID = strings.TrimSpace(*cmd.DeviceID)
	}

	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return UpdateOrderStatusResult{}, s.mapRepositoryError(err)
	}
	if !current.OwnedBy(deviceID) {
		return UpdateOrderStatusResult{}, fmt.Errorf("%w: order belongs to another device", ErrOrderForbidden)
	}

	guard := func(fresh domain.Order) error {
		if !fresh.OwnedBy(deviceID) {
			return fmt.Errorf("%w: order belongs to another device", ErrOrderForbidden)
		}
		return nil
	}
	req := repositories.OrderUpdateRequest{OrderID: orderID, Patch: patch, Guard: guard, Now: s.now()}

	var result UpdateOrderStatusResult
	// Processing always goes through the transaction; it decides from a fresh read whether stock
	// still has to be decremented.
	if patch.Status != nil && *patch.Status == domain.OrderStatusProcessing {
		committed, err := s.orders.EnterProcessing(ctx, req)
		if err != nil {
			return UpdateOrderStatusResult{}, s.mapTransitionError(ctx, orderID, err)
		}
		result.Order = committed.Order
		if committed.Reconciled {
			stock := committed.Stock
			result.Stock = &stock
			s.logger(ctx, "order.reconcile.committed", map[string]any{
				"orderId":        orderID,
				"itemsProcessed": stock.ItemsProcessed,
				"stockUpdates":   stock.StockUpdates,
				"stockAttempts":  stock.StockAttempts,
			})
			s.publishEvent(ctx, OrderEvent{
				Type:          orderEventStockReconciled,
				OrderID:       orderID,
				OrderCode:     committed.Order.Code,
				DeviceID:      committed.Order.DeviceID,
				CurrentStatus: string(committed.Order.Status),
				OccurredAt:    req.Now,
				Metadata: map[string]any{
					"itemsProcessed": stock.ItemsProcessed,
					"stockUpdates":   stock.StockUpdates,
					"stockAttempts":  stock.StockAttempts,
				},
			})
		}
	} else {
		updated, err := s.orders.Update(ctx, req)
		if err != nil {
			if errors.Is(err, ErrOrderForbidden) {
				return UpdateOrderStatusResult{}, err
			}
			return UpdateOrderStatusResult{}, s.mapRepositoryError(err)
		}
		result.Order = updated
	}

	if patch.Status != nil {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        orderID,
			OrderCode:      result.Order.Code,
			DeviceID:       result.Order.DeviceID,
			PreviousStatus: string(current.Status),
			CurrentStatus:  string(result.Order.Status),
			OccurredAt:     req.Now,
		})
		s.notify(ctx, result.Order)
	}

	return result, nil
}

func (s *orderService) buildPatch(cmd UpdateOrderStatusCommand) (domain.OrderStatusPatch, error) {
	var patch domain.OrderStatusPatch
	if cmd.Payment != nil {
		payment, ok := domain.ParsePaymentMethod(*cmd.Payment)
		if !ok {
			return patch, fmt.Errorf("%w: payment %q is not supported", ErrOrderInvalidInput, *cmd.Payment)
		}
		patch.Payment = &payment
	}
	if cmd.Status != nil {
		status, ok := domain.ParseOrderStatus(*cmd.Status)
		if !ok {
			return patch, fmt.Errorf("%w: status %q is not supported", ErrOrderInvalidInput, *cmd.Status)
		}
		patch.Status = &status
	}
	if cmd.Ref != nil {
		ref := s.text.Clean(*cmd.Ref)
		patch.Ref = &ref
	}
	if cmd.FCMToken != nil {
		token := strings.TrimSpace(*cmd.FCMToken)
		patch.FCMToken = &token
	}
	if patch.Empty() {
		return patch, fmt.Errorf("%w: at least one of payment, ref, status or fcm_token is required", ErrOrderInvalidInput)
	}
	return patch, nil
}

// notify sends the status push after commit. Failures are logged and never returned.
func (s *orderService) notify(ctx context.Context, order Order) {
	if s.notifier == nil || !order.Status.Notifiable() || strings.TrimSpace(order.FCMToken) == "" {
		return
	}
	message, ok := statusMessages[order.Status]
	if !ok {
		return
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	err := s.notifier.NotifyOrder(notifyCtx, OrderNotification{
		Token: order.FCMToken,
		Title: message[0],
		Body:  fmt.Sprintf(message[1], order.Code),
		Data: textutil.NormalizeStringMap(map[string]string{
			"orderId": order.ID,
			"code":    order.Code,
			"status":  string(order.Status),
		}),
	})
	if err != nil {
		s.logger(ctx, "order.notify.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "order.notify.sent", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

func (s *orderService) RequestPaymentProofUpload(ctx context.Context, cmd PaymentProofUploadCommand) (PaymentProofUpload, error) {
	if s.signer == nil || s.proofs.Bucket == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, errOrderProofStorageUnavailable)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	extension, ok := proofExtension(contentType)
	if !ok {
		return PaymentProofUpload{}, fmt.Errorf("%w: content_type %q not allowed", ErrOrderInvalidInput, cmd.ContentType)
	}
	if cmd.SizeBytes <= 0 || cmd.SizeBytes > s.proofs.MaxBytes {
		return PaymentProofUpload{}, fmt.Errorf("%w: size_bytes must be between 1 and %d", ErrOrderInvalidInput, s.proofs.MaxBytes)
	}
	deviceID := strings.TrimSpace(cmd.DeviceID)
	if deviceID == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: device_id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return PaymentProofUpload{}, s.mapRepositoryError(err)
	}
	if !order.OwnedBy(deviceID) {
		return PaymentProofUpload{}, fmt.Errorf("%w: order belongs to another device", ErrOrderForbidden)
	}
	if order.Payment != domain.PaymentMethodGCash {
		return PaymentProofUpload{}, fmt.Errorf("%w: payment proof applies to GCash orders only", ErrOrderInvalidInput)
	}

	now := s.now()
	objectPath, err := storage.BuildObjectPath(storage.PurposePaymentProof, storage.PathParams{
		OrderID:  order.ID,
		UploadID: s.newID(),
		FileName: "proof" + extension,
	})
	if err != nil {
		return PaymentProofUpload{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	signed, err := s.signer.SignedURL(ctx, s.proofs.Bucket, objectPath, storage.SignedURLOptions{
		Upload: &storage.UploadOptions{
			Method:              "PUT",
			ContentType:         contentType,
			AllowedContentTypes: proofContentTypes,
			MaxSize:             s.proofs.MaxBytes,
			ExpiresIn:           s.proofs.UploadTTL,
		},
	})
	if err != nil {
		return PaymentProofUpload{}, fmt.Errorf("%w: sign upload: %v", ErrOrderUnavailable, err)
	}

	if err := s.orders.SetPaymentProof(ctx, order.ID, objectPath, now); err != nil {
		return PaymentProofUpload{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.payment_proof.issued", map[string]any{
		"orderId":   order.ID,
		"object":    objectPath,
		"expiresAt": signed.ExpiresAt,
	})

	return PaymentProofUpload{
		URL:        signed.URL,
		Method:     signed.Method,
		ObjectPath: objectPath,
		ExpiresAt:  signed.ExpiresAt,
		Headers:    maps.Clone(signed.Headers),
	}, nil
}

// PaymentProofDownload signs a read URL for the stored proof for a staff identity found in ctx.
func (s *orderService) PaymentProofDownload(ctx context.Context, orderID string) (PaymentProofUpload, error) {
	if s.signer == nil || s.proofs.Bucket == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, errOrderProofStorageUnavailable)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return PaymentProofUpload{}, s.mapRepositoryError(err)
	}
	if order.PaymentProof == "" {
		return PaymentProofUpload{}, fmt.Errorf("%w: order has no payment proof", ErrOrderNotFound)
	}

	identity, _ := auth.IdentityFromContext(ctx)
	signed, err := s.signer.SignedURL(ctx, s.proofs.Bucket, order.PaymentProof, storage.SignedURLOptions{
		Download: &storage.DownloadOptions{Method: "GET", Identity: identity},
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			return PaymentProofUpload{}, fmt.Errorf("%w: %v", ErrOrderForbidden, err)
		}
		return PaymentProofUpload{}, fmt.Errorf("%w: sign download: %v", ErrOrderUnavailable, err)
	}
	return PaymentProofUpload{
		URL:        signed.URL,
		Method:     signed.Method,
		ObjectPath: order.PaymentProof,
		ExpiresAt:  signed.ExpiresAt,
	}, nil
}

func proofExtension(contentType string) (string, bool) {
	switch contentType {
	case "image/jpeg":
		return ".jpg", true
	case "image/png":
		return ".png", true
	case "image/webp":
		return ".webp", true
	case "image/heic":
		return ".heic", true
	}
	return "", false
}

// mapTransitionError keeps ownership and not-found distinct; anything else aborted the transaction.
func (s *orderService) mapTransitionError(ctx context.Context, orderID string, err error) error {
	if errors.Is(err, ErrOrderForbidden) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger(ctx, "order.reconcile.aborted", map[string]any{
		"orderId": orderID,
		"error":   err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrOrderUpdateFailed, err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
