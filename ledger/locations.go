package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// LOCATION DIRECTORY
// =============================================================================

// NewLocation describes a location to create.
type NewLocation struct {
	Name        string
	Type        LocationType
	Description string
	Address     string
}

// LocationUpdate changes the mutable fields of a location. Nil fields are
// left alone. Type is accepted only to reject a change to it.
type LocationUpdate struct {
	Name        *string
	Description *string
	Address     *string
	Active      *bool
	Type        *LocationType
}

// CreateLocation adds an active location.
func (e *Engine) CreateLocation(ctx context.Context, req NewLocation) (Location, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Location{}, invalid("name", ErrInvalidLocation)
	}
	if !req.Type.Valid() {
		return Location{}, invalid("type", ErrInvalidLocation)
	}

	now := e.now().UTC()
	loc := Location{
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Address:     req.Address,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.atomically(ctx, "create_location", func(tx Tx) error {
		id, err := tx.CreateLocation(ctx, loc)
		loc.ID = id
		return err
	})
	if err != nil {
		return Location{}, err
	}
	e.emitLocation(ctx, AuditLocationCreated, loc)
	return loc, nil
}

// UpdateLocation changes name, description, address or active flag.
// A deleted location must be restored first.
func (e *Engine) UpdateLocation(ctx context.Context, id LocationID, upd LocationUpdate) (Location, error) {
	var loc Location
	err := e.atomically(ctx, "update_location", func(tx Tx) error {
		var err error
		if loc, err = tx.Location(ctx, id); err != nil {
			return err
		}
		if loc.Status == StatusDeleted {
			return &LocationError{LocationID: id, Err: ErrLocationNotFound}
		}
		if upd.Type != nil && *upd.Type != loc.Type {
			return invalid("type", ErrImmutableLocationType)
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return invalid("name", ErrInvalidLocation)
			}
			loc.Name = name
		}
		if upd.Description != nil {
			loc.Description = *upd.Description
		}
		if upd.Address != nil {
			loc.Address = *upd.Address
		}
		if upd.Active != nil {
			loc.Status = StatusInactive
			if *upd.Active {
				loc.Status = StatusActive
			}
		}
		loc.UpdatedAt = e.now().UTC()
		return tx.UpdateLocation(ctx, loc)
	}, attribute.Int64("location.id", int64(id)))
	if err != nil {
		return Location{}, err
	}
	e.emitLocation(ctx, AuditLocationUpdated, loc)
	return loc, nil
}

// DeleteLocation soft-deletes a location. It is refused while any product
// has a positive quantity there. Deleting a deleted location is a no-op
// and emits no audit event.
func (e *Engine) DeleteLocation(ctx context.Context, id LocationID) (Location, error) {
	var (
		loc     Location
		changed bool
	)
	err := e.atomically(ctx, "delete_location", func(tx Tx) error {
		changed = false
		var err error
		if loc, err = tx.Location(ctx, id); err != nil {
			return err
		}
		if loc.Status == StatusDeleted {
			return nil
		}
		held, err := tx.Entries(ctx, EntryFilter{LocationID: &id, NonZeroOnly: true})
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return invalid("location_id", fmt.Errorf("%w: %d products", ErrLocationHasStock, len(held)))
		}
		now := e.now().UTC()
		loc.Status = StatusDeleted
		loc.DeletedAt = &now
		loc.UpdatedAt = now
		changed = true
		return tx.UpdateLocation(ctx, loc)
	}, attribute.Int64("location.id", int64(id)))
	if err != nil {
		return Location{}, err
	}
	if changed {
		e.emitLocation(ctx, AuditLocationDeleted, loc)
	}
	return loc, nil
}

// RestoreLocation brings a deleted location back as active. Restoring a
// location that is not deleted is a no-op and emits no audit event.
func (e *Engine) RestoreLocation(ctx context.Context, id LocationID) (Location, error) {
	var (
		loc     Location
		changed bool
	)
	err := e.atomically(ctx, "restore_location", func(tx Tx) error {
		changed = false
		var err error
		if loc, err = tx.Location(ctx, id); err != nil {
			return err
		}
		if loc.Status != StatusDeleted {
			return nil
		}
		loc.Status = StatusActive
		loc.DeletedAt = nil
		loc.UpdatedAt = e.now().UTC()
		changed = true
		return tx.UpdateLocation(ctx, loc)
	}, attribute.Int64("location.id", int64(id)))
	if err != nil {
		return Location{}, err
	}
	if changed {
		e.emitLocation(ctx, AuditLocationRestored, loc)
	}
	return loc, nil
}

// Location returns one location, including deleted ones.
func (e *Engine) Location(ctx context.Context, id LocationID) (Location, error) {
	return e.store.Location(ctx, id)
}

// ListActiveLocations returns active locations, optionally of one type,
// ordered WAREHOUSE, CAR, VENDING then by name.
func (e *Engine) ListActiveLocations(ctx context.Context, typ *LocationType) ([]Location, error) {
	return e.store.Locations(ctx, LocationFilter{Type: typ, ActiveOnly: true})
}

// ListLocations returns active and inactive locations, plus deleted ones
// when includeDeleted is set.
func (e *Engine) ListLocations(ctx context.Context, includeDeleted bool) ([]Location, error) {
	return e.store.Locations(ctx, LocationFilter{IncludeDeleted: includeDeleted})
}

func (e *Engine) emitLocation(ctx context.Context, action AuditAction, loc Location) {
	e.emit(ctx, newAuditEvent(ctx, loc.UpdatedAt, action, "location", int64(loc.ID),
		fmt.Sprintf("%s %q (%s)", action, loc.Name, loc.Type),
		map[string]any{"status": string(loc.Status), "type": string(loc.Type)}))
}
