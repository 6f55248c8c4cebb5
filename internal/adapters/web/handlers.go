package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inventory-ledger/internal/core"
	"inventory-ledger/internal/metrics"
)

// Config carries the adapter's collaborators. Every field is optional.
type Config struct {
	AllowedOrigins string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// Ping reports database health on /api/health.
	Ping func(ctx context.Context) error
}

// Handler exposes InventoryService over HTTP.
type Handler struct {
	svc    core.InventoryService
	cfg    Config
	router chi.Router
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc core.InventoryService, cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{svc: svc, cfg: cfg}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(cfg.Logger, cfg.Metrics))
	r.Use(Recoverer(cfg.Logger))
	r.Use(CORS(cfg.AllowedOrigins))

	// ── Operational ───────────────────────────────────────────────────────────
	r.Get("/api/health", h.health)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// ── Ledger API ────────────────────────────────────────────────────────────
	r.Route("/api/tenants/{tenant}", func(r chi.Router) {
		r.Use(RequestBodyLimit(1 << 20)) // 1 MB

		r.Post("/receipts", h.apiReceive)
		r.Post("/receipts/lines", h.apiReceiveLines)
		r.Post("/reservations", h.apiReserve)
		r.Post("/reservations/release", h.apiRelease)
		r.Post("/issues", h.apiIssue)
		r.Post("/transfers", h.apiTransfer)
		r.Post("/adjustments", h.apiAdjust)
		r.Post("/counts", h.apiCount)
		r.Post("/returns", h.apiReturn)

		r.Get("/warehouses/{warehouse}/levels", h.apiListLevels)
		r.Get("/warehouses/{warehouse}/products/{product}/level", h.apiGetLevel)
		r.Get("/warehouses/{warehouse}/products/{product}/cost-layers", h.apiCostLayers)
		r.Get("/warehouses/{warehouse}/products/{product}/average-cost", h.apiAverageCost)
		r.Get("/moves", h.apiMovesByReference)
		r.Get("/lots/{lot}/moves", h.apiMovesByLot)
		r.Put("/valuation-settings", h.apiSetValuationSetting)
	})

	h.router = r
	return r
}

// health returns service status and database reachability.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}

	if h.cfg.Ping == nil {
		writeJSON(w, response{Status: "ok", Database: "n/a"})
		return
	}
	if err := h.cfg.Ping(r.Context()); err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "health check failed", "error", err)
		writeJSONStatus(w, http.StatusServiceUnavailable, response{Status: "degraded", Database: "unreachable"})
		return
	}
	writeJSON(w, response{Status: "ok", Database: "ok"})
}

// uuidParam parses the named URL parameter; on failure it writes a 400 and returns false.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, "invalid "+name+" id", "BAD_REQUEST", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. Returns HTTP 413 when the body exceeds the size limit set
// by RequestBodyLimit middleware; HTTP 400 for all other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}
