/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, decoupled from the ledger types so the wire
  contract can evolve on its own.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

QUANTITIES:
  Quantities are decimals. They are rendered as JSON strings ("12.5") so no
  client parses them through a float; requests accept strings or numbers.

TIMES:
  RFC 3339 with nanoseconds, always UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// LOCATIONS
// =============================================================================

// LocationDTO represents a location in API responses.
type LocationDTO struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Address     string  `json:"address,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	DeletedAt   *string `json:"deleted_at,omitempty"`
}

// CreateLocationRequest is the request to create a location.
type CreateLocationRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Address     string `json:"address"`
}

// UpdateLocationRequest changes mutable location fields. Omitted fields
// are left alone.
type UpdateLocationRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Address     *string `json:"address"`
	Active      *bool   `json:"active"`
	Type        *string `json:"type"`
}

// InventoryEntryDTO is one product held at a location.
type InventoryEntryDTO struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// LocationInventoryResponse lists a location's entries.
type LocationInventoryResponse struct {
	Location LocationDTO         `json:"location"`
	Entries  []InventoryEntryDTO `json:"entries"`
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementDTO represents a movement log record.
type MovementDTO struct {
	ID               int64           `json:"id"`
	ProductID        int64           `json:"product_id"`
	Type             string          `json:"movement_type"`
	QuantityChange   decimal.Decimal `json:"quantity_change"`
	QuantityBefore   decimal.Decimal `json:"quantity_before"`
	QuantityAfter    decimal.Decimal `json:"quantity_after"`
	LocationID       int64           `json:"location_id"`
	SourceLocationID *int64          `json:"source_location_id,omitempty"`
	TargetLocationID *int64          `json:"target_location_id,omitempty"`
	ReferenceID      *int64          `json:"reference_movement_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// RecordMovementRequest records a single-location movement. ADJUSTMENT
// takes target_quantity instead of quantity.
type RecordMovementRequest struct {
	ProductID      int64            `json:"product_id"`
	LocationID     int64            `json:"location_id"`
	Type           string           `json:"movement_type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	TargetQuantity *decimal.Decimal `json:"target_quantity"`
	Note           string           `json:"note"`
}

// MovementPageResponse wraps a page of movements.
type MovementPageResponse struct {
	Movements []MovementDTO `json:"movements"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
}

// =============================================================================
// TRANSFERS AND REVERSALS
// =============================================================================

// TransferRequest moves quantity between two locations.
type TransferRequest struct {
	ProductID        int64           `json:"product_id"`
	SourceLocationID int64           `json:"source_location_id"`
	TargetLocationID int64           `json:"target_location_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Note             string          `json:"note"`
}

// TransferResponse returns both legs and the resulting quantities.
type TransferResponse struct {
	Out            MovementDTO     `json:"transfer_out"`
	In             MovementDTO     `json:"transfer_in"`
	SourceQuantity decimal.Decimal `json:"source_quantity"`
	TargetQuantity decimal.Decimal `json:"target_quantity"`
}

// ReversalRequest optionally carries a note.
type ReversalRequest struct {
	Note string `json:"note"`
}

// ReversalResponse returns the original and its compensating movements.
type ReversalResponse struct {
	Original  MovementDTO   `json:"original"`
	Movements []MovementDTO `json:"movements"`
}

// ReversalLookupResponse answers whether a movement was reversed.
type ReversalLookupResponse struct {
	MovementID int64        `json:"movement_id"`
	Reversed   bool         `json:"reversed"`
	Reversal   *MovementDTO `json:"reversal,omitempty"`
}

// =============================================================================
// READ VIEWS
// =============================================================================

// QuantityDTO is one entry's current quantity.
type QuantityDTO struct {
	ProductID  int64           `json:"product_id"`
	LocationID int64           `json:"location_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// LocationStockDTO is a product's quantity at one location.
type LocationStockDTO struct {
	Location LocationDTO     `json:"location"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StockBreakdownDTO is a product's quantity across active locations.
type StockBreakdownDTO struct {
	ProductID int64              `json:"product_id"`
	Locations []LocationStockDTO `json:"locations"`
	Total     decimal.Decimal    `json:"total"`
}

// DriftDTO is one disagreement between ledger and movement log.
type DriftDTO struct {
	ProductID  int64           `json:"product_id"`
	LocationID int64           `json:"location_id"`
	Ledger     decimal.Decimal `json:"ledger_quantity"`
	Replayed   decimal.Decimal `json:"replayed_quantity"`
	Difference decimal.Decimal `json:"difference"`
}

// ReconcileReportDTO summarizes a reconciliation pass.
type ReconcileReportDTO struct {
	Healthy        bool                      `json:"healthy"`
	EntriesChecked int                       `json:"entries_checked"`
	Drift          []DriftDTO                `json:"drift"`
	ProductTotals  map[int64]decimal.Decimal `json:"product_totals"`
}

// AuditEventDTO is one audit log record.
type AuditEventDTO struct {
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    int64          `json:"entity_id"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toLocationDTO(l ledger.Location) LocationDTO {
	dto := LocationDTO{
		ID:          int64(l.ID),
		Name:        l.Name,
		Type:        string(l.Type),
		Description: l.Description,
		Address:     l.Address,
		Status:      string(l.Status),
		CreatedAt:   formatTime(l.CreatedAt),
		UpdatedAt:   formatTime(l.UpdatedAt),
	}
	if l.DeletedAt != nil {
		s := formatTime(*l.DeletedAt)
		dto.DeletedAt = &s
	}
	return dto
}

func toLocationDTOs(locs []ledger.Location) []LocationDTO {
	out := make([]LocationDTO, len(locs))
	for i, l := range locs {
		out[i] = toLocationDTO(l)
	}
	return out
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:               int64(m.ID),
		ProductID:        int64(m.ProductID),
		Type:             string(m.Type),
		QuantityChange:   m.QuantityChange,
		QuantityBefore:   m.QuantityBefore,
		QuantityAfter:    m.QuantityAfter,
		LocationID:       int64(m.LocationID),
		SourceLocationID: int64Ptr(m.SourceLocationID),
		TargetLocationID: int64Ptr(m.TargetLocationID),
		ReferenceID:      int64Ptr(m.ReferenceID),
		Note:             m.Note,
		CreatedAt:        formatTime(m.CreatedAt),
	}
}

func toMovementDTOs(ms []ledger.Movement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	for i, m := range ms {
		out[i] = toMovementDTO(m)
	}
	return out
}

func toTransferResponse(res ledger.TransferResult) TransferResponse {
	return TransferResponse{
		Out:            toMovementDTO(res.Out),
		In:             toMovementDTO(res.In),
		SourceQuantity: res.SourceQuantity(),
		TargetQuantity: res.TargetQuantity(),
	}
}

func toReconcileDTO(r ledger.ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		Healthy:        r.Healthy(),
		EntriesChecked: r.EntriesChecked,
		Drift:          make([]DriftDTO, len(r.Drift)),
		ProductTotals:  make(map[int64]decimal.Decimal, len(r.ProductTotals)),
	}
	for i, d := range r.Drift {
		dto.Drift[i] = DriftDTO{
			ProductID:  int64(d.ProductID),
			LocationID: int64(d.LocationID),
			Ledger:     d.Ledger,
			Replayed:   d.Replayed,
			Difference: d.Difference(),
		}
	}
	for p, q := range r.ProductTotals {
		dto.ProductTotals[int64(p)] = q
	}
	return dto
}

func toAuditEventDTO(e ledger.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:          e.ID,
		Timestamp:   formatTime(e.Timestamp),
		Actor:       e.Actor,
		Action:      string(e.Action),
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Description: e.Description,
		Details:     e.Details,
	}
}

func int64Ptr[T ~int64](v *T) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}
