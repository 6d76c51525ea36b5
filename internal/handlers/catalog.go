package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/grocery-backoffice/api/internal/platform/auth"
	"github.com/grocery-backoffice/api/internal/platform/httpx"
	"github.com/grocery-backoffice/api/internal/services"
)

// CatalogHandlers serves product reads and the staff product registration endpoint.
type CatalogHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewCatalogHandlers constructs catalog handlers. A nil authenticator leaves admin routes unmounted.
func NewCatalogHandlers(authn *auth.Authenticator, catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{authn: authn, catalog: catalog}
}

// PublicRoutes registers /products.
func (h *CatalogHandlers) PublicRoutes(r chi.Router) {
	r.Get("/{productId}", h.getProduct)
}

// AdminRoutes registers /admin/products behind the staff role check.
func (h *CatalogHandlers) AdminRoutes(r chi.Router) {
	if h.authn == nil {
		return
	}
	r.With(h.authn.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/products", h.createProduct)
}

type createProductRequest struct {
	Name       string                 `json:"name"`
	Category   string                 `json:"category"`
	SKU        string                 `json:"sku"`
	Price      decimal.Decimal        `json:"price"`
	Cost       decimal.Decimal        `json:"cost"`
	Stock      int                    `json:"stock"`
	TrackStock bool                   `json:"track_stock"`
	Variants   []createVariantRequest `json:"variants"`
}

type createVariantRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	Barcodes []string        `json:"barcodes"`
}

func (h *CatalogHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.CreateProductCommand{
		Name:       req.Name,
		Category:   req.Category,
		SKU:        req.SKU,
		Price:      req.Price,
		Cost:       req.Cost,
		Stock:      req.Stock,
		TrackStock: req.TrackStock,
	}
	for _, v := range req.Variants {
		cmd.Variants = append(cmd.Variants, services.CreateProductVariant{
			ID:       v.ID,
			Name:     v.Name,
			Price:    v.Price,
			Stock:    v.Stock,
			Barcodes: v.Barcodes,
		})
	}

	product, err := h.catalog.CreateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/products/"+product.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildProductPayload(product))
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	product, err := h.catalog.GetProduct(ctx, chi.URLParam(r, "productId"))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildProductPayload(product))
}

type productPayload struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Category    string           `json:"category,omitempty"`
	SKU         string           `json:"sku,omitempty"`
	Price       float64          `json:"price"`
	Cost        float64          `json:"cost"`
	Stock       int              `json:"stock"`
	TrackStock  bool             `json:"track_stock"`
	Variants    []variantPayload `json:"variants"`
	Fingerprint *int32           `json:"fingerprint,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

type variantPayload struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Stock    int      `json:"stock"`
	Barcodes []string `json:"barcodes,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	payload := productPayload{
		ID:         product.ID,
		Name:       product.Name,
		Category:   product.Category,
		SKU:        product.SKU,
		Price:      money(product.Price),
		Cost:       money(product.Cost),
		Stock:      product.Stock,
		TrackStock: product.TrackStock,
		Variants:   make([]variantPayload, 0, len(product.Variants)),
		CreatedAt:  formatTime(product.CreatedAt),
		UpdatedAt:  formatTime(product.UpdatedAt),
	}
	if product.HasFingerprint {
		fp := product.Fingerprint
		payload.Fingerprint = &fp
	}
	for _, v := range product.Variants {
		payload.Variants = append(payload.Variants, variantPayload{
			ID:       v.ID,
			Name:     v.Name,
			Price:    money(v.Price),
			Stock:    v.Stock,
			Barcodes: v.Barcodes,
		})
	}
	return payload
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", "product already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
