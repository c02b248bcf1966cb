package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/ledgertest"
	"github.com/warp/stock-ledger/ledger/store"
)

type testServer struct {
	t      *testing.T
	router *chi.Mux
	engine *ledger.Engine
}

func newTestServer(t *testing.T, st ledger.Store, opts ...ledger.Option) *testServer {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	engine := ledger.NewEngine(st, opts...)
	h := api.NewHandler(engine, zerolog.Nop())
	return &testServer{
		t:      t,
		router: api.NewRouter(h, api.RouterOptions{CORSOrigins: []string{"*"}}),
		engine: engine,
	}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createLocation(name, typ string) api.LocationDTO {
	s.t.Helper()
	rec := s.do("POST", "/api/locations", api.CreateLocationRequest{Name: name, Type: typ})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.LocationDTO](s.t, rec)
}

func (s *testServer) stockIn(product, location int64, qty string) api.MovementDTO {
	s.t.Helper()
	rec := s.do("POST", "/api/movements", map[string]any{
		"product_id": product, "location_id": location, "movement_type": "STOCK_IN", "quantity": qty,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.MovementDTO](s.t, rec)
}

func (s *testServer) transfer(product, src, dst int64, qty string) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do("POST", "/api/transfers", map[string]any{
		"product_id": product, "source_location_id": src, "target_location_id": dst, "quantity": qty,
	})
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, code, body.Code)
	assert.NotEmpty(t, body.Error)
}

// =============================================================================
// TESTS
// =============================================================================

func TestAPI_StockInTransferAndQuantities(t *testing.T) {
	// GIVEN: A warehouse with 10 units and an empty car
	// WHEN: 4 units are transferred to the car
	// THEN: Both legs come back with the new quantities, and reads agree

	s := newTestServer(t, nil)
	wh := s.createLocation("Main Warehouse", "warehouse")
	car := s.createLocation("Van 1", "CAR")
	assert.Equal(t, "WAREHOUSE", wh.Type)
	s.stockIn(7, wh.ID, "10")

	rec := s.transfer(7, wh.ID, car.ID, "4")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[api.TransferResponse](t, rec)
	assert.Equal(t, "TRANSFER_OUT", res.Out.Type)
	assert.Equal(t, "TRANSFER_IN", res.In.Type)
	assert.Equal(t, "6", res.SourceQuantity.String())
	assert.Equal(t, "4", res.TargetQuantity.String())
	require.NotNil(t, res.In.ReferenceID)
	assert.Equal(t, res.Out.ID, *res.In.ReferenceID)

	rec = s.do("GET", fmt.Sprintf("/api/products/7/quantity?location_id=%d", car.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", decode[api.QuantityDTO](t, rec).Quantity.String())

	rec = s.do("GET", "/api/products/7/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	breakdown := decode[api.StockBreakdownDTO](t, rec)
	require.Len(t, breakdown.Locations, 2)
	assert.Equal(t, "Main Warehouse", breakdown.Locations[0].Location.Name)
	assert.Equal(t, "10", breakdown.Total.String())

	rec = s.do("GET", fmt.Sprintf("/api/locations/%d/inventory", car.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[api.LocationInventoryResponse](t, rec)
	require.Len(t, inv.Entries, 1)
	assert.Equal(t, int64(7), inv.Entries[0].ProductID)
}

func TestAPI_ReversalFlow(t *testing.T) {
	s := newTestServer(t, nil)
	wh := s.createLocation("Main Warehouse", "WAREHOUSE")
	car := s.createLocation("Van 1", "CAR")
	s.stockIn(1, wh.ID, "5")
	res := decode[api.TransferResponse](t, s.transfer(1, wh.ID, car.ID, "2"))

	rec := s.do("GET", fmt.Sprintf("/api/movements/%d/reversal", res.In.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.ReversalLookupResponse](t, rec).Reversed)

	// Reversing through the IN leg undoes the whole transfer.
	rec = s.do("POST", fmt.Sprintf("/api/movements/%d/reversal", res.In.ID), api.ReversalRequest{Note: "wrong van"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rev := decode[api.ReversalResponse](t, rec)
	assert.Equal(t, res.In.ID, rev.Original.ID)
	require.Len(t, rev.Movements, 2)
	assert.Equal(t, "wrong van", rev.Movements[0].Note)
	require.NotNil(t, rev.Movements[0].ReferenceID)
	assert.Equal(t, res.Out.ID, *rev.Movements[0].ReferenceID)

	rec = s.do("POST", fmt.Sprintf("/api/movements/%d/reversal", res.Out.ID), nil)
	requireError(t, rec, http.StatusConflict, "already_reversed")

	rec = s.do("GET", fmt.Sprintf("/api/movements/%d/reversal", res.Out.ID), nil)
	lookup := decode[api.ReversalLookupResponse](t, rec)
	assert.True(t, lookup.Reversed)
	require.NotNil(t, lookup.Reversal)
	assert.Equal(t, rev.Movements[0].ID, lookup.Reversal.ID)

	rec = s.do("GET", fmt.Sprintf("/api/products/1/quantity?location_id=%d", wh.ID), nil)
	assert.Equal(t, "5", decode[api.QuantityDTO](t, rec).Quantity.String())
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	wh := s.createLocation("Main Warehouse", "WAREHOUSE")
	car := s.createLocation("Van 1", "CAR")
	s.stockIn(1, wh.ID, "3")
	rec := s.do("PATCH", fmt.Sprintf("/api/locations/%d", car.ID), map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "INACTIVE", decode[api.LocationDTO](t, rec).Status)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient stock", "POST", "/api/movements",
			map[string]any{"product_id": 1, "location_id": wh.ID, "movement_type": "STOCK_OUT", "quantity": 4},
			http.StatusUnprocessableEntity, "insufficient_stock"},
		{"inactive target", "POST", "/api/transfers",
			map[string]any{"product_id": 1, "source_location_id": wh.ID, "target_location_id": car.ID, "quantity": 1},
			http.StatusUnprocessableEntity, "location_inactive"},
		{"unknown location", "POST", "/api/movements",
			map[string]any{"product_id": 1, "location_id": 999, "movement_type": "STOCK_IN", "quantity": 1},
			http.StatusNotFound, "not_found"},
		{"zero quantity", "POST", "/api/movements",
			map[string]any{"product_id": 1, "location_id": wh.ID, "movement_type": "STOCK_IN", "quantity": 0},
			http.StatusBadRequest, "validation_error"},
		{"same location", "POST", "/api/transfers",
			map[string]any{"product_id": 1, "source_location_id": wh.ID, "target_location_id": wh.ID, "quantity": 1},
			http.StatusBadRequest, "validation_error"},
		{"transfer type on movements", "POST", "/api/movements",
			map[string]any{"product_id": 1, "location_id": wh.ID, "movement_type": "TRANSFER_IN", "quantity": 1},
			http.StatusBadRequest, "validation_error"},
		{"unknown field", "POST", "/api/movements",
			map[string]any{"product": 1},
			http.StatusBadRequest, "invalid_request"},
		{"bad id", "GET", "/api/movements/abc", nil, http.StatusBadRequest, "invalid_request"},
		{"unknown movement", "GET", "/api/movements/4242", nil, http.StatusNotFound, "not_found"},
		{"type change", "PATCH", fmt.Sprintf("/api/locations/%d", wh.ID),
			map[string]any{"type": "CAR"}, http.StatusBadRequest, "validation_error"},
		{"delete with stock", "DELETE", fmt.Sprintf("/api/locations/%d", wh.ID), nil,
			http.StatusBadRequest, "validation_error"},
		{"bad movement type filter", "GET", "/api/movements?type=GIFT", nil,
			http.StatusBadRequest, "invalid_request"},
		{"bad from", "GET", "/api/movements?from=yesterday", nil,
			http.StatusBadRequest, "invalid_request"},
		{"quantity without location", "GET", "/api/products/1/quantity", nil,
			http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, s.do(tt.method, tt.path, tt.body), tt.status, tt.code)
		})
	}

	// Nothing above changed the ledger.
	rec = s.do("GET", fmt.Sprintf("/api/products/1/quantity?location_id=%d", wh.ID), nil)
	assert.Equal(t, "3", decode[api.QuantityDTO](t, rec).Quantity.String())
}

func TestAPI_AdjustmentTakesTargetQuantity(t *testing.T) {
	s := newTestServer(t, nil)
	wh := s.createLocation("Main Warehouse", "WAREHOUSE")
	s.stockIn(2, wh.ID, "10")

	rec := s.do("POST", "/api/movements", map[string]any{
		"product_id": 2, "location_id": wh.ID, "movement_type": "ADJUSTMENT", "target_quantity": "7.5",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[api.MovementDTO](t, rec)
	assert.Equal(t, "-2.5", m.QuantityChange.String())
	assert.Equal(t, "7.5", m.QuantityAfter.String())
}

func TestAPI_MovementQueries(t *testing.T) {
	s := newTestServer(t, nil)
	wh := s.createLocation("Main Warehouse", "WAREHOUSE")
	car := s.createLocation("Van 1", "CAR")
	for i := 0; i < 3; i++ {
		s.stockIn(1, wh.ID, "2")
	}
	s.stockIn(2, wh.ID, "1")
	require.Equal(t, http.StatusCreated, s.transfer(1, wh.ID, car.ID, "1").Code)

	rec := s.do("GET", "/api/movements?product_id=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.MovementPageResponse](t, rec)
	require.Len(t, page.Movements, 2)
	assert.Equal(t, 2, page.Limit)
	assert.Greater(t, page.Movements[0].ID, page.Movements[1].ID, "newest first")

	rec = s.do("GET", "/api/movements?product_id=1&type=stock_in&offset=1", nil)
	page = decode[api.MovementPageResponse](t, rec)
	assert.Len(t, page.Movements, 2)

	rec = s.do("GET", fmt.Sprintf("/api/transfers?location_id=%d", car.ID), nil)
	page = decode[api.MovementPageResponse](t, rec)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, "TRANSFER_IN", page.Movements[0].Type)

	rec = s.do("GET", "/api/movements?limit=100000", nil)
	assert.Equal(t, ledger.MaxPageSize, decode[api.MovementPageResponse](t, rec).Limit)
}

func TestAPI_LocationDirectory(t *testing.T) {
	s := newTestServer(t, nil)
	vend := s.createLocation("Lobby", "VENDING")
	car := s.createLocation("Van 1", "CAR")
	wh := s.createLocation("Main", "WAREHOUSE")

	rec := s.do("GET", "/api/locations", nil)
	locs := decode[[]api.LocationDTO](t, rec)
	require.Len(t, locs, 3)
	assert.Equal(t, []int64{wh.ID, car.ID, vend.ID}, []int64{locs[0].ID, locs[1].ID, locs[2].ID})

	rec = s.do("DELETE", fmt.Sprintf("/api/locations/%d", car.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DELETED", decode[api.LocationDTO](t, rec).Status)

	assert.Len(t, decode[[]api.LocationDTO](t, s.do("GET", "/api/locations", nil)), 2)
	assert.Len(t, decode[[]api.LocationDTO](t, s.do("GET", "/api/locations?include_deleted=true", nil)), 3)
	assert.Len(t, decode[[]api.LocationDTO](t, s.do("GET", "/api/locations?type=vending", nil)), 1)
	requireError(t, s.do("GET", "/api/locations?type=boat", nil), http.StatusBadRequest, "invalid_request")
	requireError(t, s.do("GET", fmt.Sprintf("/api/locations/%d/inventory", 999), nil), http.StatusNotFound, "not_found")

	rec = s.do("POST", fmt.Sprintf("/api/locations/%d/restore", car.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decode[api.LocationDTO](t, rec).Status)
}

func TestAPI_ActorHeaderReachesAudit(t *testing.T) {
	sink := &ledgertest.RecordingSink{}
	s := newTestServer(t, nil, ledger.WithAuditSink(sink))

	rec := s.do("POST", "/api/locations", api.CreateLocationRequest{Name: "Main", Type: "WAREHOUSE"}, api.ActorHeader, "dana")
	require.Equal(t, http.StatusCreated, rec.Code)
	s.createLocation("Van 1", "CAR")

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "dana", events[0].Actor)
	assert.Equal(t, "system", events[1].Actor)
}

func TestAPI_ContentionMapsToServiceUnavailable(t *testing.T) {
	flaky := &ledgertest.FlakyStore{Store: store.NewMemory(), Conflicts: 1000}
	s := newTestServer(t, flaky, ledger.WithRetry(1, 0))

	rec := s.do("POST", "/api/locations", api.CreateLocationRequest{Name: "Main", Type: "WAREHOUSE"})
	requireError(t, rec, http.StatusServiceUnavailable, "concurrency")
	assert.EqualValues(t, 2, flaky.Calls())
}

func TestAPI_ReconcileAndAudit(t *testing.T) {
	s := newTestServer(t, nil)
	wh := s.createLocation("Main", "WAREHOUSE")
	s.stockIn(4, wh.ID, "9")

	rec := s.do("GET", "/api/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[api.ReconcileReportDTO](t, rec)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Drift)
	assert.Equal(t, "9", report.ProductTotals[4].String())

	requireError(t, s.do("GET", "/api/reconcile?product_id=x", nil), http.StatusBadRequest, "invalid_request")
	requireError(t, s.do("GET", "/api/audit", nil), http.StatusNotFound, "not_found")

	rec = s.do("GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
