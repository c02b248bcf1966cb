/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Populates the ledger with a small, realistic fleet through the engine,
	so every record passes the same rules as production traffic.

AVAILABLE SCENARIOS:

	fleet-basics:   One warehouse, two cars, one vending machine, initial stock
	restock-cycle:  Warehouse -> car -> vending flow, sales and a recount
	corrections:    A mistaken transfer and a mistaken receipt, both reversed

HOW SCENARIOS WORK:
 1. Create the scenario's locations (names are prefixed with the scenario)
 2. Receive stock into the warehouse
 3. Run transfers, sales, adjustments or reversals

	Nothing is reset. The movement log is append-only, so loading a scenario
	twice creates a second, independent copy of its locations.

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "restock-cycle"}

NOTE:

	Routes are only mounted when RouterOptions.EnableScenarios is set.

SEE ALSO:
  - server.go: Route mounting
  - ledger/transfer.go, ledger/reversal.go: The operations being exercised
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult reports what a scenario created.
type ScenarioResult struct {
	Scenario  string        `json:"scenario"`
	Locations []LocationDTO `json:"locations"`
	Movements int           `json:"movements"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "fleet-basics",
		Name:        "Fleet Basics",
		Description: "One warehouse, two cars and a vending machine with initial stock",
	},
	{
		ID:          "restock-cycle",
		Name:        "Restock Cycle",
		Description: "Stock flows warehouse to car to vending, sells, then gets recounted",
	},
	{
		ID:          "corrections",
		Name:        "Corrections",
		Description: "A transfer to the wrong car and a duplicate receipt, both reversed",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s := &scenarioBuilder{ctx: r.Context(), engine: h.Engine, prefix: req.ScenarioID}
	var err error
	switch req.ScenarioID {
	case "fleet-basics":
		err = s.fleetBasics()
	case "restock-cycle":
		err = s.restockCycle()
	case "corrections":
		err = s.corrections()
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.Logger.Info().
		Str("scenario", req.ScenarioID).
		Int("locations", len(s.locations)).
		Int("movements", s.movements).
		Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, ScenarioResult{
		Scenario:  req.ScenarioID,
		Locations: toLocationDTOs(s.locations),
		Movements: s.movements,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Product ids used by the demo data.
const (
	productCola  ledger.ProductID = 1001
	productChips ledger.ProductID = 1002
	productWater ledger.ProductID = 1003
)

type scenarioBuilder struct {
	ctx    context.Context
	engine *ledger.Engine
	prefix string

	locations []ledger.Location
	movements int
	err       error
}

func (s *scenarioBuilder) location(name string, t ledger.LocationType) ledger.LocationID {
	if s.err != nil {
		return 0
	}
	loc, err := s.engine.CreateLocation(s.ctx, ledger.NewLocation{
		Name: fmt.Sprintf("%s: %s", s.prefix, name),
		Type: t,
	})
	if err != nil {
		s.err = err
		return 0
	}
	s.locations = append(s.locations, loc)
	return loc.ID
}

func (s *scenarioBuilder) record(p ledger.ProductID, loc ledger.LocationID, t ledger.MovementType, n int64, note string) ledger.Movement {
	if s.err != nil {
		return ledger.Movement{}
	}
	m, err := s.engine.RecordMovement(s.ctx, ledger.MovementRequest{
		ProductID:  p,
		LocationID: loc,
		Type:       t,
		Quantity:   decimal.NewFromInt(n),
		Note:       note,
	})
	if err != nil {
		s.err = err
		return ledger.Movement{}
	}
	s.movements++
	return m
}

func (s *scenarioBuilder) recount(p ledger.ProductID, loc ledger.LocationID, counted int64) {
	if s.err != nil {
		return
	}
	target := decimal.NewFromInt(counted)
	if _, err := s.engine.RecordMovement(s.ctx, ledger.MovementRequest{
		ProductID:      p,
		LocationID:     loc,
		Type:           ledger.Adjustment,
		TargetQuantity: &target,
		Note:           "physical count",
	}); err != nil {
		s.err = err
		return
	}
	s.movements++
}

func (s *scenarioBuilder) transfer(p ledger.ProductID, src, dst ledger.LocationID, n int64) ledger.TransferResult {
	if s.err != nil {
		return ledger.TransferResult{}
	}
	res, err := s.engine.ExecuteTransfer(s.ctx, ledger.TransferRequest{
		ProductID: p,
		Source:    src,
		Target:    dst,
		Quantity:  decimal.NewFromInt(n),
	})
	if err != nil {
		s.err = err
		return ledger.TransferResult{}
	}
	s.movements += 2
	return res
}

func (s *scenarioBuilder) reverse(id ledger.MovementID, note string) {
	if s.err != nil {
		return
	}
	res, err := s.engine.CreateReversal(s.ctx, id, note)
	if err != nil {
		s.err = err
		return
	}
	s.movements += len(res.Movements)
}

func (s *scenarioBuilder) fleetBasics() error {
	wh := s.location("Central Warehouse", ledger.LocationWarehouse)
	car1 := s.location("Van 1", ledger.LocationCar)
	car2 := s.location("Van 2", ledger.LocationCar)
	s.location("Lobby Machine", ledger.LocationVending)

	s.record(productCola, wh, ledger.StockIn, 240, "supplier delivery")
	s.record(productChips, wh, ledger.StockIn, 120, "supplier delivery")
	s.record(productWater, wh, ledger.StockIn, 180, "supplier delivery")
	s.transfer(productCola, wh, car1, 48)
	s.transfer(productWater, wh, car2, 36)
	return s.err
}

func (s *scenarioBuilder) restockCycle() error {
	wh := s.location("Central Warehouse", ledger.LocationWarehouse)
	car := s.location("Van 1", ledger.LocationCar)
	vend := s.location("Gym Machine", ledger.LocationVending)

	s.record(productCola, wh, ledger.StockIn, 100, "supplier delivery")
	s.record(productChips, wh, ledger.StockIn, 60, "supplier delivery")
	s.transfer(productCola, wh, car, 30)
	s.transfer(productChips, wh, car, 20)
	s.transfer(productCola, car, vend, 24)
	s.transfer(productChips, car, vend, 16)
	s.record(productCola, vend, ledger.StockOut, 9, "sales")
	s.record(productChips, vend, ledger.StockOut, 5, "sales")
	s.record(productChips, car, ledger.Loss, 1, "crushed bag")
	s.recount(productCola, vend, 14)
	return s.err
}

func (s *scenarioBuilder) corrections() error {
	wh := s.location("Central Warehouse", ledger.LocationWarehouse)
	car1 := s.location("Van 1", ledger.LocationCar)
	car2 := s.location("Van 2", ledger.LocationCar)

	receipt := s.record(productWater, wh, ledger.StockIn, 50, "supplier delivery")
	duplicate := s.record(productWater, wh, ledger.StockIn, 50, "supplier delivery")
	wrong := s.transfer(productWater, wh, car1, 20)
	if s.err != nil {
		return s.err
	}
	s.reverse(duplicate.ID, "receipt entered twice")
	s.reverse(wrong.Out.ID, "loaded onto the wrong van")
	s.transfer(productWater, wh, car2, 20)
	s.record(productWater, wh, ledger.StockOut, 5, fmt.Sprintf("sold from receipt %d", receipt.ID))
	return s.err
}
