package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const healthCheckTimeout = 2 * time.Second

// RecordReader is the read side of the inventory store.
type RecordReader interface {
	Get(ctx context.Context, key domain.RecordKey) (*domain.InventoryRecord, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HTTPHandler struct {
	records   RecordReader
	checks    map[string]HealthCheck
	logger    *zap.Logger
	startedAt time.Time
}

type InventoryHTTPResponse struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"itemId"`
	WarehouseID   string          `json:"warehouseId"`
	LocationID    string          `json:"locationId"`
	LotID         string          `json:"lotId,omitempty"`
	SerialID      string          `json:"serialId,omitempty"`
	OnHand        decimal.Decimal `json:"onHand"`
	Reserved      decimal.Decimal `json:"reserved"`
	Damaged       decimal.Decimal `json:"damaged"`
	Available     decimal.Decimal `json:"available"`
	UnitOfMeasure string          `json:"unitOfMeasure"`
	Status        string          `json:"status"`
	Version       int64           `json:"version"`
	LastCountedAt *time.Time      `json:"lastCountedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type HealthHTTPResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime"`
}

func NewHTTPHandler(records RecordReader, checks map[string]HealthCheck, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		records:   records,
		checks:    checks,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Routes mounts the operational endpoints.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Get("/inventory/{itemID}/{locationID}", h.GetInventory)
	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthHTTPResponse{
		Status: "healthy",
		Checks: make(map[string]string, len(names)),
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = "unhealthy: " + err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "healthy"
	}

	writeJSON(w, status, resp)
}

func (h *HTTPHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	key := domain.RecordKey{
		ItemID:     chi.URLParam(r, "itemID"),
		LocationID: chi.URLParam(r, "locationID"),
		LotID:      r.URL.Query().Get("lot"),
		SerialID:   r.URL.Query().Get("serial"),
	}

	rec, err := h.records.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("inventory lookup failed",
			zap.String("item_id", key.ItemID),
			zap.String("location_id", key.LocationID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "inventory record not found"})
		return
	}

	writeJSON(w, http.StatusOK, InventoryHTTPResponse{
		ID:            rec.ID,
		ItemID:        rec.ItemID,
		WarehouseID:   rec.WarehouseID,
		LocationID:    rec.LocationID,
		LotID:         rec.LotID,
		SerialID:      rec.SerialID,
		OnHand:        rec.OnHand,
		Reserved:      rec.Reserved,
		Damaged:       rec.Damaged,
		Available:     rec.Available(),
		UnitOfMeasure: rec.UnitOfMeasure,
		Status:        string(rec.Status),
		Version:       rec.Version,
		LastCountedAt: rec.LastCountedAt,
		UpdatedAt:     rec.UpdatedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
