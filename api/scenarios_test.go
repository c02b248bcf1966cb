package api_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func newScenarioServer(t *testing.T) *testServer {
	t.Helper()
	engine := ledger.NewEngine(store.NewMemory())
	h := api.NewHandler(engine, zerolog.Nop())
	return &testServer{
		t:      t,
		router: api.NewRouter(h, api.RouterOptions{EnableScenarios: true}),
		engine: engine,
	}
}

func TestScenarios_LoadEachAndStayConsistent(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Each scenario is loaded
	// THEN: It creates the expected records and the ledger still reconciles

	tests := []struct {
		id        string
		locations int
		movements int
	}{
		{"fleet-basics", 4, 7},
		{"restock-cycle", 3, 14},
		{"corrections", 3, 10},
	}

	s := newScenarioServer(t)
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := s.do("POST", "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: tt.id})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			res := decode[api.ScenarioResult](t, rec)
			assert.Equal(t, tt.id, res.Scenario)
			assert.Len(t, res.Locations, tt.locations)
			assert.Equal(t, tt.movements, res.Movements)
		})
	}

	report := decode[api.ReconcileReportDTO](t, s.do("GET", "/api/reconcile", nil))
	assert.True(t, report.Healthy)
}

func TestScenarios_CorrectionsLeaveExpectedStock(t *testing.T) {
	s := newScenarioServer(t)
	res := decode[api.ScenarioResult](t, s.do("POST", "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "corrections"}))
	require.Len(t, res.Locations, 3)
	wh, van1, van2 := res.Locations[0], res.Locations[1], res.Locations[2]
	assert.Equal(t, "corrections: Central Warehouse", wh.Name)

	qty := func(loc api.LocationDTO) string {
		rec := s.do("GET", fmt.Sprintf("/api/products/1003/quantity?location_id=%d", loc.ID), nil)
		return decode[api.QuantityDTO](t, rec).Quantity.String()
	}
	assert.Equal(t, "25", qty(wh))
	assert.Equal(t, "0", qty(van1))
	assert.Equal(t, "20", qty(van2))
}

func TestScenarios_LoadingTwiceCreatesSeparateLocations(t *testing.T) {
	s := newScenarioServer(t)
	first := decode[api.ScenarioResult](t, s.do("POST", "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "fleet-basics"}))
	second := decode[api.ScenarioResult](t, s.do("POST", "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "fleet-basics"}))
	assert.NotEqual(t, first.Locations[0].ID, second.Locations[0].ID)

	locs := decode[[]api.LocationDTO](t, s.do("GET", "/api/locations", nil))
	assert.Len(t, locs, 8)
}

func TestScenarios_UnknownAndDisabled(t *testing.T) {
	s := newScenarioServer(t)
	requireError(t, s.do("POST", "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"}),
		http.StatusBadRequest, "invalid_request")

	list := decode[[]api.ScenarioDTO](t, s.do("GET", "/api/scenarios", nil))
	assert.Len(t, list, 3)

	plain := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, plain.do("GET", "/api/scenarios", nil).Code)
}
