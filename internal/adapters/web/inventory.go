package web

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"inventory-ledger/internal/core"
)

// mutate runs one ledger operation for the {tenant} in the path. New moves answer 201, replays 200.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, req any, do func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error)) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return
	}
	if !decodeJSON(w, r, req) {
		return
	}
	res, err := do(r.Context(), tenantID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSONStatus(w, status, res)
}

// idempotencyKey prefers the body field and falls back to the Idempotency-Key header.
func idempotencyKey(body, header string) string {
	if body != "" {
		return body
	}
	return header
}

// apiReceive handles POST /api/tenants/{tenant}/receipts.
func (h *Handler) apiReceive(w http.ResponseWriter, r *http.Request) {
	var req core.ReceiveRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Receive(ctx, req)
	})
}

// apiReceiveLines handles POST /api/tenants/{tenant}/receipts/lines.
// Body: { warehouse_id, lines: [{product_id, quantity, unit_cost}], charges?: [{amount, method}], reference, idempotency_key }
func (h *Handler) apiReceiveLines(w http.ResponseWriter, r *http.Request) {
	var req core.ReceiveLinesRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.ReceiveLines(ctx, req)
	})
}

func (h *Handler) apiReserve(w http.ResponseWriter, r *http.Request) {
	var req core.ReserveRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Reserve(ctx, req)
	})
}

func (h *Handler) apiRelease(w http.ResponseWriter, r *http.Request) {
	var req core.ReserveRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Release(ctx, req)
	})
}

func (h *Handler) apiIssue(w http.ResponseWriter, r *http.Request) {
	var req core.IssueRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Issue(ctx, req)
	})
}

func (h *Handler) apiTransfer(w http.ResponseWriter, r *http.Request) {
	var req core.TransferRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Transfer(ctx, req)
	})
}

func (h *Handler) apiAdjust(w http.ResponseWriter, r *http.Request) {
	var req core.AdjustRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.Adjust(ctx, req)
	})
}

func (h *Handler) apiCount(w http.ResponseWriter, r *http.Request) {
	var req core.CountRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.ReconcileCount(ctx, req)
	})
}

func (h *Handler) apiReturn(w http.ResponseWriter, r *http.Request) {
	var req core.ReturnRequest
	h.mutate(w, r, &req, func(ctx context.Context, tenantID uuid.UUID, key string) (core.MoveResult, error) {
		req.TenantID = tenantID
		req.IdempotencyKey = idempotencyKey(req.IdempotencyKey, key)
		return h.svc.ReceiveReturn(ctx, req)
	})
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// levelKey reads {tenant}, {warehouse} and {product} from the path.
func levelKey(w http.ResponseWriter, r *http.Request) (core.LevelKey, bool) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return core.LevelKey{}, false
	}
	warehouseID, ok := uuidParam(w, r, "warehouse")
	if !ok {
		return core.LevelKey{}, false
	}
	productID, ok := uuidParam(w, r, "product")
	if !ok {
		return core.LevelKey{}, false
	}
	return core.LevelKey{TenantID: tenantID, WarehouseID: warehouseID, ProductID: productID}, true
}

// apiListLevels handles GET /api/tenants/{tenant}/warehouses/{warehouse}/levels.
func (h *Handler) apiListLevels(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return
	}
	warehouseID, ok := uuidParam(w, r, "warehouse")
	if !ok {
		return
	}
	levels, err := h.svc.ListLevels(r.Context(), tenantID, warehouseID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if levels == nil {
		levels = []core.InventoryLevel{}
	}
	writeJSON(w, levels)
}

func (h *Handler) apiGetLevel(w http.ResponseWriter, r *http.Request) {
	key, ok := levelKey(w, r)
	if !ok {
		return
	}
	lvl, err := h.svc.GetLevel(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type response struct {
		core.InventoryLevel
		OnHand string `json:"on_hand"`
	}
	writeJSON(w, response{InventoryLevel: *lvl, OnHand: lvl.OnHand().String()})
}

func (h *Handler) apiCostLayers(w http.ResponseWriter, r *http.Request) {
	key, ok := levelKey(w, r)
	if !ok {
		return
	}
	layers, err := h.svc.CostLayers(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if layers == nil {
		layers = []core.CostLayer{}
	}
	writeJSON(w, layers)
}

func (h *Handler) apiAverageCost(w http.ResponseWriter, r *http.Request) {
	key, ok := levelKey(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.AverageCost(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, rec)
}

// apiMovesByReference handles GET /api/tenants/{tenant}/moves?reference_type=&reference_id=.
func (h *Handler) apiMovesByReference(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return
	}
	refType := r.URL.Query().Get("reference_type")
	refID, err := uuid.Parse(r.URL.Query().Get("reference_id"))
	if refType == "" || err != nil {
		writeError(w, r, "reference_type and reference_id are required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	moves, err := h.svc.MovesByReference(r.Context(), tenantID, core.DocumentRef{Type: refType, ID: refID})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if moves == nil {
		moves = []core.StockMove{}
	}
	writeJSON(w, moves)
}

func (h *Handler) apiMovesByLot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return
	}
	lotID, ok := uuidParam(w, r, "lot")
	if !ok {
		return
	}
	moves, err := h.svc.MovesByLotSerial(r.Context(), tenantID, lotID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if moves == nil {
		moves = []core.StockMove{}
	}
	writeJSON(w, moves)
}

// apiSetValuationSetting handles PUT /api/tenants/{tenant}/valuation-settings.
// Body: { product_id?, method, standard_cost? }. Omitting product_id sets the tenant default.
func (h *Handler) apiSetValuationSetting(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := uuidParam(w, r, "tenant")
	if !ok {
		return
	}
	var setting core.ValuationSetting
	if !decodeJSON(w, r, &setting) {
		return
	}
	setting.TenantID = tenantID
	saved, err := h.svc.SetValuationSetting(r.Context(), setting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, saved)
}
