package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grocery-backoffice/api/internal/fingerprint"
	"github.com/grocery-backoffice/api/internal/repositories"
)

const (
	defaultBackfillLimit = 200
	maxBackfillLimit     = 1000
)

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog mutation.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrCatalogNotFound indicates the product does not exist.
	ErrCatalogNotFound = errors.New("catalog service: not found")
	// ErrCatalogConflict indicates the generated product id already exists.
	ErrCatalogConflict = errors.New("catalog service: conflict")
	// ErrCatalogUnavailable indicates the catalog store could not be reached.
	ErrCatalogUnavailable = errors.New("catalog service: unavailable")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	products repositories.ProductRepository
	validate *validator.Validate
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return primitive.NewObjectID().Hex() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		products: deps.Products,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// CreateProduct assigns an ObjectID and derives the fingerprint from it before the first write.
func (s *catalogService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	cmd.Name = strings.TrimSpace(cmd.Name)
	cmd.Category = strings.TrimSpace(cmd.Category)
	cmd.SKU = strings.TrimSpace(cmd.SKU)
	if err := s.validate.StructCtx(ctx, cmd); err != nil {
		return Product{}, fmt.Errorf("%w: %s", ErrCatalogInvalidInput, describeValidation(err))
	}
	if cmd.Price.IsNegative() {
		return Product{}, fmt.Errorf("%w: price must not be negative", ErrCatalogInvalidInput)
	}
	if cmd.Cost.IsNegative() {
		return Product{}, fmt.Errorf("%w: cost must not be negative", ErrCatalogInvalidInput)
	}

	id := s.newID()
	if !primitive.IsValidObjectID(id) {
		return Product{}, fmt.Errorf("catalog service: generated id %q is not an ObjectID", id)
	}

	sku := cmd.SKU
	if sku == "" {
		sku = slug.Make(cmd.Name)
	}

	variants := make([]ProductVariant, 0, len(cmd.Variants))
	seen := make(map[string]struct{}, len(cmd.Variants))
	for i, v := range cmd.Variants {
		if v.Price.IsNegative() {
			return Product{}, fmt.Errorf("%w: variants[%d].price must not be negative", ErrCatalogInvalidInput, i)
		}
		variantID := strings.TrimSpace(v.ID)
		if variantID == "" {
			variantID = slug.Make(v.Name)
		}
		if _, dup := seen[variantID]; dup {
			return Product{}, fmt.Errorf("%w: duplicate variant id %q", ErrCatalogInvalidInput, variantID)
		}
		seen[variantID] = struct{}{}
		variants = append(variants, ProductVariant{
			ID:       variantID,
			Name:     strings.TrimSpace(v.Name),
			Price:    v.Price,
			Stock:    v.Stock,
			Barcodes: append([]string(nil), v.Barcodes...),
		})
	}

	now := s.clock()
	product := Product{
		ID:             id,
		Name:           cmd.Name,
		Category:       cmd.Category,
		SKU:            sku,
		Price:          cmd.Price,
		Cost:           cmd.Cost,
		Stock:          cmd.Stock,
		TrackStock:     cmd.TrackStock,
		Variants:       variants,
		Fingerprint:    fingerprint.Compute(id),
		HasFingerprint: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "catalog.product.created", map[string]any{
		"productId":   product.ID,
		"fingerprint": product.Fingerprint,
		"sku":         product.SKU,
	})
	return product, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if !primitive.IsValidObjectID(productID) {
		return Product{}, fmt.Errorf("%w: product id must be a 24 character hex ObjectID", ErrCatalogInvalidInput)
	}
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

// BackfillFingerprints assigns canonical fingerprints to legacy products that have none. Existing
// values are never recomputed.
func (s *catalogService) BackfillFingerprints(ctx context.Context, cmd BackfillFingerprintsCommand) (BackfillFingerprintsResult, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	products, err := s.products.ListMissingFingerprint(ctx, limit)
	if err != nil {
		return BackfillFingerprintsResult{}, s.mapRepositoryError(err)
	}

	var result BackfillFingerprintsResult
	now := s.clock()
	for _, product := range products {
		result.Scanned++
		if cmd.DryRun {
			continue
		}
		wrote, err := s.products.SetFingerprint(ctx, product.ID, fingerprint.Compute(product.ID), now)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.Failed++
			s.logger(ctx, "catalog.fingerprint.backfill.failed", map[string]any{
				"productId": product.ID,
				"error":     err.Error(),
			})
		case wrote:
			result.Updated++
		default:
			result.Skipped++
		}
	}

	s.logger(ctx, "catalog.fingerprint.backfill", map[string]any{
		"scanned": result.Scanned,
		"updated": result.Updated,
		"skipped": result.Skipped,
		"failed":  result.Failed,
		"dryRun":  cmd.DryRun,
	})
	return result, nil
}

func (s *catalogService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCatalogNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCatalogConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
	}
	return err
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "CreateProductCommand.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
