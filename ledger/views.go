package ledger

import (
	"context"
	"sort"
)

// =============================================================================
// READ VIEWS
// =============================================================================

// LocationStock is the quantity of one product at one location.
type LocationStock struct {
	Location Location
	Quantity Quantity
}

// StockBreakdown is a product's quantity per active location.
type StockBreakdown struct {
	ProductID ProductID
	Locations []LocationStock
	Total     Quantity
}

// StockByLocation returns the quantity of a product at every active
// location, in directory order, with a total.
func (e *Engine) StockByLocation(ctx context.Context, productID ProductID) (StockBreakdown, error) {
	locs, err := e.ListActiveLocations(ctx, nil)
	if err != nil {
		return StockBreakdown{}, err
	}
	out := StockBreakdown{ProductID: productID, Locations: make([]LocationStock, 0, len(locs))}
	for _, loc := range locs {
		q, err := e.GetQuantity(ctx, productID, loc.ID)
		if err != nil {
			return StockBreakdown{}, err
		}
		out.Locations = append(out.Locations, LocationStock{Location: loc, Quantity: q})
		out.Total = out.Total.Add(q)
	}
	return out, nil
}

// LocationInventory lists the ledger entries held at a location, sorted by
// product id. Zero entries are omitted unless includeZero is set.
func (e *Engine) LocationInventory(ctx context.Context, locationID LocationID, includeZero bool) ([]LedgerEntry, error) {
	if _, err := e.store.Location(ctx, locationID); err != nil {
		return nil, err
	}
	entries, err := e.store.Entries(ctx, EntryFilter{LocationID: &locationID, NonZeroOnly: !includeZero})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ProductID < entries[j].ProductID })
	return entries, nil
}
