package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wekesa/tikiti/internal/model"
)

// BookingRepository owns the transactional booking write path.
type BookingRepository struct {
	pool *pgxpool.Pool
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// DefaultTxTimeout bounds a complete booking transaction, including
// any row-lock wait.
const DefaultTxTimeout = 5 * time.Second

const bookingColumns = `id, user_id, tier_id, quantity, total_amount, status,
	payment_method, COALESCE(payment_phone_number, ''), payment_reference,
	expiry_time, created_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	b := &model.Booking{}
	err := row.Scan(&b.ID, &b.UserID, &b.TierID, &b.Quantity, &b.TotalAmount,
		&b.Status, &b.PaymentMethod, &b.PaymentPhoneNumber, &b.PaymentReference,
		&b.ExpiryTime, &b.CreatedAt)
	return b, err
}

// CreatePending inserts a booking in AWAITING_PAYMENT status. Inventory
// is not touched here; only the completion transaction moves
// quantity_sold.
func (r *BookingRepository) CreatePending(ctx context.Context, b *model.Booking) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO bookings
			(id, user_id, tier_id, quantity, total_amount, status,
			 payment_method, payment_phone_number, expiry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		RETURNING created_at
	`, b.ID, b.UserID, b.TierID, b.Quantity, b.TotalAmount, b.Status,
		b.PaymentMethod, b.PaymentPhoneNumber, b.ExpiryTime).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("booking: insert %s: %w", b.ID, err)
	}
	return nil
}

// GetBooking fetches one booking by id.
func (r *BookingRepository) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1
	`, bookingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking: %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get %s: %w", bookingID, err)
	}
	return b, nil
}

// TicketsByBooking returns the tickets of a booking, oldest first.
func (r *BookingRepository) TicketsByBooking(ctx context.Context, bookingID string) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, booking_id, unique_code, is_redeemed, created_at
		FROM tickets
		WHERE booking_id = $1
		ORDER BY created_at ASC, unique_code ASC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: tickets for %s: %w", bookingID, err)
	}
	defer rows.Close()

	tickets := []model.Ticket{}
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.ID, &t.BookingID, &t.UniqueCode, &t.IsRedeemed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("booking: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: tickets for %s: %w", bookingID, err)
	}
	return tickets, nil
}

// CodeExists reports whether a ticket code is already taken.
func (r *BookingRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE unique_code = $1)
	`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("booking: code exists: %w", err)
	}
	return exists, nil
}

// ─── The Core Completion Transaction ────────────────────────

// Complete marks a booking PAID, bumps the tier inventory and inserts
// the pre-generated tickets — all in one transaction.
//
// Concurrency strategy: OPTIMISTIC CONDITIONAL UPDATE ("first webhook wins")
//
//	Scenario: two payment webhooks (one per provider, or a provider
//	retry) race for the same booking.
//
//	Timeline:
//	  W1: UPDATE ... WHERE status IN ('PENDING','AWAITING_PAYMENT') → 1 row
//	  W2: UPDATE ... same predicate                                 → 0 rows
//	  W1: increments quantity_sold, inserts tickets, COMMIT
//	  W2: gets ErrAlreadyProcessed, re-reads the booking, finds PAID,
//	      returns the tickets W1 created
//
// The affected-row count of the conditional update is the single
// serialization point: exactly one writer observes count == 1, so
// inventory moves once and tickets are inserted once no matter how
// many confirmations arrive. This holds with the Redis lock registry
// completely unavailable.
//
// paymentPhone is optional; an empty string keeps whatever the booking
// already carries.
func (r *BookingRepository) Complete(
	ctx context.Context,
	bookingID string,
	paymentRef string,
	paymentPhone string,
	codes []string,
) ([]model.Ticket, error) {

	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("booking: begin tx: %w", err)
	}
	// Defer rollback — no-op if tx was already committed.
	defer tx.Rollback(ctx)

	// ── Step 1: conditional status transition ───────────
	var (
		tierID   string
		quantity int
	)
	err = tx.QueryRow(txCtx, `
		UPDATE bookings
		SET status = 'PAID',
		    payment_reference = $2,
		    payment_phone_number = COALESCE(NULLIF($3, ''), payment_phone_number)
		WHERE id = $1
		  AND status IN ('PENDING', 'AWAITING_PAYMENT')
		RETURNING tier_id, quantity
	`, bookingID, paymentRef, paymentPhone).Scan(&tierID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero rows affected: another writer won the race.
		return nil, fmt.Errorf("booking: complete %s: %w", bookingID, ErrAlreadyProcessed)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: complete %s: %w", bookingID, err)
	}

	if len(codes) != quantity {
		return nil, fmt.Errorf("booking: complete %s: have %d codes for quantity %d",
			bookingID, len(codes), quantity)
	}

	// ── Step 2: bump tier inventory ─────────────────────
	// Plain arithmetic increment: overselling is prevented by the
	// availability check at tier selection plus the single-winner
	// property of step 1.
	_, err = tx.Exec(txCtx, `
		UPDATE ticket_tiers
		SET quantity_sold = quantity_sold + $2
		WHERE id = $1
	`, tierID, quantity)
	if err != nil {
		return nil, fmt.Errorf("booking: bump tier %s: %w", tierID, err)
	}

	// ── Step 3: insert tickets ──────────────────────────
	tickets := make([]model.Ticket, 0, len(codes))
	for _, code := range codes {
		t := model.Ticket{ID: uuid.NewString(), BookingID: bookingID, UniqueCode: code}
		err = tx.QueryRow(txCtx, `
			INSERT INTO tickets (id, booking_id, unique_code)
			VALUES ($1, $2, $3)
			RETURNING created_at
		`, t.ID, t.BookingID, t.UniqueCode).Scan(&t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("booking: insert ticket %s: %w", code, err)
		}
		tickets = append(tickets, t)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("booking: commit: %w", err)
	}
	return tickets, nil
}

// ─── Cancel ─────────────────────────────────────────────────

// Cancel reverses a PAID booking: conditional PAID → CANCELLED plus an
// inventory decrement, in one transaction. Tickets are kept — they
// become dangling receipts of the refunded purchase.
func (r *BookingRepository) Cancel(ctx context.Context, bookingID string) (*model.Booking, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("cancel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		tierID   string
		quantity int
	)
	err = tx.QueryRow(txCtx, `
		UPDATE bookings
		SET status = 'CANCELLED'
		WHERE id = $1 AND status = 'PAID'
		RETURNING tier_id, quantity
	`, bookingID).Scan(&tierID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing or not PAID — resolve which outside the tx.
		if _, getErr := r.GetBooking(ctx, bookingID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("cancel: %s: %w", bookingID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel: %s: %w", bookingID, err)
	}

	_, err = tx.Exec(txCtx, `
		UPDATE ticket_tiers
		SET quantity_sold = GREATEST(0, quantity_sold - $2)
		WHERE id = $1
	`, tierID, quantity)
	if err != nil {
		return nil, fmt.Errorf("cancel: release tier %s: %w", tierID, err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("cancel: commit: %w", err)
	}

	return r.GetBooking(ctx, bookingID)
}
