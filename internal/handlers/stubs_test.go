package handlers

import (
	"context"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/services"
)

type stubOrderService struct {
	createFn   func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error)
	getFn      func(context.Context, string, string) (services.OrderDetail, error)
	listFn     func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	updateFn   func(context.Context, services.UpdateOrderStatusCommand) (services.UpdateOrderStatusResult, error)
	uploadFn   func(context.Context, services.PaymentProofUploadCommand) (services.PaymentProofUpload, error)
	downloadFn func(context.Context, string) (services.PaymentProofUpload, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID, deviceID string) (services.OrderDetail, error) {
	return s.getFn(ctx, orderID, deviceID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.UpdateOrderStatusResult, error) {
	return s.updateFn(ctx, cmd)
}

func (s *stubOrderService) RequestPaymentProofUpload(ctx context.Context, cmd services.PaymentProofUploadCommand) (services.PaymentProofUpload, error) {
	return s.uploadFn(ctx, cmd)
}

func (s *stubOrderService) PaymentProofDownload(ctx context.Context, orderID string) (services.PaymentProofUpload, error) {
	return s.downloadFn(ctx, orderID)
}

type stubCatalogService struct {
	createFn   func(context.Context, services.CreateProductCommand) (services.Product, error)
	getFn      func(context.Context, string) (services.Product, error)
	backfillFn func(context.Context, services.BackfillFingerprintsCommand) (services.BackfillFingerprintsResult, error)
}

func (s *stubCatalogService) CreateProduct(ctx context.Context, cmd services.CreateProductCommand) (services.Product, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubCatalogService) GetProduct(ctx context.Context, id string) (services.Product, error) {
	return s.getFn(ctx, id)
}

func (s *stubCatalogService) BackfillFingerprints(ctx context.Context, cmd services.BackfillFingerprintsCommand) (services.BackfillFingerprintsResult, error) {
	return s.backfillFn(ctx, cmd)
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}
