package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/grocery-backoffice/api/internal/platform/httpx"
	"github.com/grocery-backoffice/api/internal/services"
)

const maxMaintenanceBody = 4 * 1024

// MaintenanceHandlers exposes internal jobs triggered by Cloud Scheduler. Callers are
// authenticated by the OIDC middleware mounted on /internal.
type MaintenanceHandlers struct {
	catalog services.CatalogService
}

// NewMaintenanceHandlers constructs maintenance handlers.
func NewMaintenanceHandlers(catalog services.CatalogService) *MaintenanceHandlers {
	return &MaintenanceHandlers{catalog: catalog}
}

// Routes registers /internal/maintenance endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	r.Post("/maintenance/fingerprints", h.backfillFingerprints)
}

type backfillRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dry_run"`
}

type backfillResponse struct {
	Scanned int  `json:"scanned"`
	Updated int  `json:"updated"`
	Skipped int  `json:"skipped"`
	Failed  int  `json:"failed"`
	DryRun  bool `json:"dry_run"`
}

func (h *MaintenanceHandlers) backfillFingerprints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req backfillRequest
	body, err := readLimitedBody(r, maxMaintenanceBody)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}
	if req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must not be negative", http.StatusBadRequest))
		return
	}

	result, err := h.catalog.BackfillFingerprints(ctx, services.BackfillFingerprintsCommand{Limit: req.Limit, DryRun: req.DryRun})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, backfillResponse{
		Scanned: result.Scanned,
		Updated: result.Updated,
		Skipped: result.Skipped,
		Failed:  result.Failed,
		DryRun:  req.DryRun,
	})
}
