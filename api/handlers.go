/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to the ledger package.

ENDPOINTS:
  Locations:
    GET    /api/locations                   List (type, active_only, include_deleted)
    POST   /api/locations                   Create location
    GET    /api/locations/{id}              Get location
    PATCH  /api/locations/{id}              Update name/description/address/active
    DELETE /api/locations/{id}              Soft delete (refused while holding stock)
    POST   /api/locations/{id}/restore      Undo soft delete
    GET    /api/locations/{id}/inventory    Products held at the location

  Movements:
    GET    /api/movements                   Query (product_id, location_id, type, from, to, limit, offset)
    POST   /api/movements                   Record a single-location movement
    GET    /api/movements/{id}              Get movement
    GET    /api/movements/{id}/reversal     Find the compensation of a movement
    POST   /api/movements/{id}/reversal     Reverse a movement

  Transfers:
    GET    /api/transfers                   Transfer history (same filters as movements)
    POST   /api/transfers                   Execute a transfer

  Stock:
    GET    /api/products/{id}/quantity      Quantity at ?location_id=
    GET    /api/products/{id}/stock         Quantity per active location with total

  Admin:
    GET    /api/reconcile                   Replay the log against the ledger (?product_id=)
    GET    /api/audit                       Recent audit events (?limit=)

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: Validation errors, malformed input
  - 404: Location or movement not found
  - 409: Conflict (movement already reversed)
  - 422: Insufficient stock, inactive location
  - 503: Concurrency retry budget exhausted
  - 500: Internal errors

ACTOR:
  The X-Actor header (see middleware.go) is carried into audit events.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AuditReader lists recorded audit events. The SQL stores' audit sinks
// implement it.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]ledger.AuditEvent, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Audit  AuditReader // nil disables /api/audit
	Logger zerolog.Logger
}

// NewHandler creates a handler around engine.
func NewHandler(engine *ledger.Engine, logger zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Logger: logger}
}

// =============================================================================
// LOCATION HANDLERS
// =============================================================================

// ListLocations returns the location directory.
// GET /api/locations
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		locs []ledger.Location
		err  error
	)
	if t := q.Get("type"); t != "" || q.Get("active_only") == "true" {
		var typ *ledger.LocationType
		if t != "" {
			lt := ledger.LocationType(strings.ToUpper(t))
			if !lt.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_request", "Invalid location type", fmt.Errorf("type %q", t))
				return
			}
			typ = &lt
		}
		locs, err = h.Engine.ListActiveLocations(r.Context(), typ)
	} else {
		locs, err = h.Engine.ListLocations(r.Context(), q.Get("include_deleted") == "true")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTOs(locs))
}

// CreateLocation adds a location.
// POST /api/locations
func (h *Handler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var req CreateLocationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	loc, err := h.Engine.CreateLocation(r.Context(), ledger.NewLocation{
		Name:        req.Name,
		Type:        ledger.LocationType(strings.ToUpper(req.Type)),
		Description: req.Description,
		Address:     req.Address,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLocationDTO(loc))
}

// GetLocation returns one location.
// GET /api/locations/{id}
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loc, err := h.Engine.Location(r.Context(), ledger.LocationID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTO(loc))
}

// UpdateLocation changes mutable fields.
// PATCH /api/locations/{id}
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateLocationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	upd := ledger.LocationUpdate{
		Name:        req.Name,
		Description: req.Description,
		Address:     req.Address,
		Active:      req.Active,
	}
	if req.Type != nil {
		t := ledger.LocationType(strings.ToUpper(*req.Type))
		upd.Type = &t
	}
	loc, err := h.Engine.UpdateLocation(r.Context(), ledger.LocationID(id), upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTO(loc))
}

// DeleteLocation soft-deletes a location.
// DELETE /api/locations/{id}
func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loc, err := h.Engine.DeleteLocation(r.Context(), ledger.LocationID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTO(loc))
}

// RestoreLocation reactivates a soft-deleted location.
// POST /api/locations/{id}/restore
func (h *Handler) RestoreLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loc, err := h.Engine.RestoreLocation(r.Context(), ledger.LocationID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTO(loc))
}

// GetLocationInventory lists products at a location.
// GET /api/locations/{id}/inventory
func (h *Handler) GetLocationInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	loc, err := h.Engine.Location(ctx, ledger.LocationID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Engine.LocationInventory(ctx, loc.ID, r.URL.Query().Get("include_zero") == "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := LocationInventoryResponse{
		Location: toLocationDTO(loc),
		Entries:  make([]InventoryEntryDTO, len(entries)),
	}
	for i, e := range entries {
		resp.Entries[i] = InventoryEntryDTO{ProductID: int64(e.ProductID), Quantity: e.Quantity}
		if !e.UpdatedAt.IsZero() {
			resp.Entries[i].UpdatedAt = formatTime(e.UpdatedAt)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// ListMovements queries the movement log, newest first.
// GET /api/movements
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseMovementFilter(w, r)
	if !ok {
		return
	}
	ms, err := h.Engine.QueryMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMovementPage(w, filter, ms)
}

// RecordMovement applies a single-location movement.
// POST /api/movements
func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	var req RecordMovementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.Engine.RecordMovement(r.Context(), ledger.MovementRequest{
		ProductID:      ledger.ProductID(req.ProductID),
		LocationID:     ledger.LocationID(req.LocationID),
		Type:           ledger.MovementType(strings.ToUpper(req.Type)),
		Quantity:       req.Quantity,
		TargetQuantity: req.TargetQuantity,
		Note:           req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

// GetMovement returns one movement.
// GET /api/movements/{id}
func (h *Handler) GetMovement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.Engine.Movement(r.Context(), ledger.MovementID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(m))
}

// GetReversal reports the compensation of a movement, if any.
// GET /api/movements/{id}/reversal
func (h *Handler) GetReversal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rev, err := h.Engine.FindReversalOf(r.Context(), ledger.MovementID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ReversalLookupResponse{MovementID: id, Reversed: rev != nil}
	if rev != nil {
		dto := toMovementDTO(*rev)
		resp.Reversal = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateReversal compensates a movement.
// POST /api/movements/{id}/reversal
func (h *Handler) CreateReversal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReversalRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Engine.CreateReversal(r.Context(), ledger.MovementID(id), req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReversalResponse{
		Original:  toMovementDTO(res.Original),
		Movements: toMovementDTOs(res.Movements),
	})
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// ExecuteTransfer moves stock between two locations.
// POST /api/transfers
func (h *Handler) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Engine.ExecuteTransfer(r.Context(), ledger.TransferRequest{
		ProductID: ledger.ProductID(req.ProductID),
		Source:    ledger.LocationID(req.SourceLocationID),
		Target:    ledger.LocationID(req.TargetLocationID),
		Quantity:  req.Quantity,
		Note:      req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferResponse(res))
}

// ListTransfers returns transfer legs, newest first.
// GET /api/transfers
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseMovementFilter(w, r)
	if !ok {
		return
	}
	ms, err := h.Engine.TransferHistory(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMovementPage(w, filter, ms)
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetQuantity returns the quantity of a product at one location.
// GET /api/products/{id}/quantity?location_id=
func (h *Handler) GetQuantity(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r)
	if !ok {
		return
	}
	locationID, err := strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "location_id query parameter is required", err)
		return
	}
	q, err := h.Engine.GetQuantity(r.Context(), ledger.ProductID(productID), ledger.LocationID(locationID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuantityDTO{ProductID: productID, LocationID: locationID, Quantity: q})
}

// GetStockBreakdown returns a product's quantity per active location.
// GET /api/products/{id}/stock
func (h *Handler) GetStockBreakdown(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.StockByLocation(r.Context(), ledger.ProductID(productID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := StockBreakdownDTO{
		ProductID: productID,
		Locations: make([]LocationStockDTO, len(b.Locations)),
		Total:     b.Total,
	}
	for i, ls := range b.Locations {
		dto.Locations[i] = LocationStockDTO{Location: toLocationDTO(ls.Location), Quantity: ls.Quantity}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile replays the movement log against the ledger.
// GET /api/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var productID *ledger.ProductID
	if raw := r.URL.Query().Get("product_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid product_id", err)
			return
		}
		productID = ledger.Ptr(ledger.ProductID(n))
	}
	report, err := h.Engine.Reconcile(r.Context(), productID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(report))
}

// ListAuditEvents returns recent audit events.
// GET /api/audit
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "Audit log is not persisted by this store", nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", err)
			return
		}
		limit = n
	}
	events, err := h.Audit.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps ledger errors to HTTP. Order matters: a ConcurrencyError
// also wraps ErrConcurrentModification.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_error", "Validation failed"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found", "Not found"
	case errors.Is(err, ledger.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed", "Movement already reversed"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict", "Conflict"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient_stock", "Insufficient stock"
	case errors.Is(err, ledger.ErrLocationInactive):
		return http.StatusUnprocessableEntity, "location_inactive", "Location is not active"
	case errors.Is(err, ledger.ErrConcurrency), errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "concurrency", "Too much contention, try again"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled", "Request canceled"
	default:
		return http.StatusInternalServerError, "internal", "Internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg("request failed")
	}
	writeError(w, status, code, message, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", fmt.Errorf("id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func parseMovementFilter(w http.ResponseWriter, r *http.Request) (ledger.MovementFilter, bool) {
	q := r.URL.Query()
	var f ledger.MovementFilter

	parseID := func(key string) (*int64, bool) {
		raw := q.Get(key)
		if raw == "" {
			return nil, true
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+key, err)
			return nil, false
		}
		return &n, true
	}
	parseTime := func(key string) (*time.Time, bool) {
		raw := q.Get(key)
		if raw == "" {
			return nil, true
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+key+", expected RFC 3339", err)
			return nil, false
		}
		return &t, true
	}
	parseInt := func(key string) (int, bool) {
		raw := q.Get(key)
		if raw == "" {
			return 0, true
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+key, fmt.Errorf("%s %q", key, raw))
			return 0, false
		}
		return n, true
	}

	p, ok := parseID("product_id")
	if !ok {
		return f, false
	}
	if p != nil {
		f.ProductID = ledger.Ptr(ledger.ProductID(*p))
	}
	l, ok := parseID("location_id")
	if !ok {
		return f, false
	}
	if l != nil {
		f.LocationID = ledger.Ptr(ledger.LocationID(*l))
	}
	if raw := q.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := ledger.ParseMovementType(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", err)
				return f, false
			}
			f.Types = append(f.Types, t)
		}
	}
	if f.From, ok = parseTime("from"); !ok {
		return f, false
	}
	if f.To, ok = parseTime("to"); !ok {
		return f, false
	}
	if f.Limit, ok = parseInt("limit"); !ok {
		return f, false
	}
	if f.Offset, ok = parseInt("offset"); !ok {
		return f, false
	}
	return f.Normalized(), true
}

func writeMovementPage(w http.ResponseWriter, f ledger.MovementFilter, ms []ledger.Movement) {
	writeJSON(w, http.StatusOK, MovementPageResponse{
		Movements: toMovementDTOs(ms),
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
}
