// Package repository provides database access for the ticket concierge.
//
// CatalogRepository is the read side: events and tiers as presented in
// the chat menus. BookingRepository owns the transactional write path.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wekesa/tikiti/internal/model"
)

// CatalogRepository serves read-only queries over events and tiers.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

const eventColumns = `id, title, description, venue, start_time, end_time, is_active, category, created_at`

func scanEvent(row pgx.Row) (model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Venue,
		&e.StartTime, &e.EndTime, &e.IsActive, &e.Category, &e.CreatedAt)
	return e, err
}

// ListEventsByCategory returns upcoming active events in a category,
// soonest first. The result is never nil.
func (r *CatalogRepository) ListEventsByCategory(ctx context.Context, category model.EventCategory) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE category = $1
		  AND is_active = TRUE
		  AND start_time > NOW()
		ORDER BY start_time ASC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("catalog: list events for %s: %w", category, err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list events for %s: %w", category, err)
	}
	return events, nil
}

// GetEventWithTiers fetches one event plus its tiers, cheapest first.
// Tiers is an empty slice, never nil, when the event has none.
func (r *CatalogRepository) GetEventWithTiers(ctx context.Context, eventID string) (*model.EventWithTiers, error) {
	event, err := scanEvent(r.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = $1
	`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("catalog: event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get event %s: %w", eventID, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, name, price, quantity, quantity_sold
		FROM ticket_tiers
		WHERE event_id = $1
		ORDER BY price ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list tiers for %s: %w", eventID, err)
	}
	defer rows.Close()

	tiers := []model.TicketTier{}
	for rows.Next() {
		var t model.TicketTier
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name, &t.Price, &t.Quantity, &t.QuantitySold); err != nil {
			return nil, fmt.Errorf("catalog: scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list tiers for %s: %w", eventID, err)
	}

	return &model.EventWithTiers{Event: event, Tiers: tiers}, nil
}

// GetTierWithEvent fetches one tier together with its parent event.
func (r *CatalogRepository) GetTierWithEvent(ctx context.Context, tierID string) (*model.TierWithEvent, error) {
	var (
		t model.TicketTier
		e model.Event
	)
	err := r.pool.QueryRow(ctx, `
		SELECT t.id, t.event_id, t.name, t.price, t.quantity, t.quantity_sold,
		       e.id, e.title, e.description, e.venue, e.start_time, e.end_time,
		       e.is_active, e.category, e.created_at
		FROM ticket_tiers t
		JOIN events e ON e.id = t.event_id
		WHERE t.id = $1
	`, tierID).Scan(
		&t.ID, &t.EventID, &t.Name, &t.Price, &t.Quantity, &t.QuantitySold,
		&e.ID, &e.Title, &e.Description, &e.Venue, &e.StartTime, &e.EndTime,
		&e.IsActive, &e.Category, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("catalog: tier %s: %w", tierID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get tier %s: %w", tierID, err)
	}
	return &model.TierWithEvent{Tier: t, Event: e}, nil
}
