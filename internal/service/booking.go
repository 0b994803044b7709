// Package service holds the booking engine, the ticket issuer and the
// conversation controller.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/repository"
)

// ─── Booking Errors ─────────────────────────────────────────

var (
	// ErrInvalidInput is returned for out-of-range quantities and
	// similar caller mistakes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState is returned when a booking is in a status that
	// does not admit the requested transition.
	ErrInvalidState = errors.New("booking is not in a valid state for this operation")

	// ErrCodeGeneration is returned when unique ticket code generation
	// exhausted its retry budget.
	ErrCodeGeneration = errors.New("could not generate a unique ticket code")
)

// Re-exported repository sentinels so callers match on one package.
var (
	ErrNotFound         = repository.ErrNotFound
	ErrAlreadyProcessed = repository.ErrAlreadyProcessed
	ErrConflict         = repository.ErrConflict
)

// bookingExpiry is how long an unpaid booking stays completable before
// the UI gives up on it. A provider-confirmed payment arriving after
// expiry is still honored — expiry only matters to the dialog.
const bookingExpiry = 10 * time.Minute

// codeGenAttempts caps the collision-retry loop for one ticket code.
const codeGenAttempts = 10

// ─── BookingStore ───────────────────────────────────────────

// BookingStore is the persistence contract of the engine, satisfied by
// *repository.BookingRepository.
type BookingStore interface {
	CreatePending(ctx context.Context, b *model.Booking) error
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	TicketsByBooking(ctx context.Context, bookingID string) ([]model.Ticket, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	Complete(ctx context.Context, bookingID, paymentRef, paymentPhone string, codes []string) ([]model.Ticket, error)
	Cancel(ctx context.Context, bookingID string) (*model.Booking, error)
}

// ─── BookingEngine ──────────────────────────────────────────

// BookingEngine creates pending bookings and completes or cancels them
// with exactly-once effect on inventory and tickets.
//
// Completion idempotency does not depend on the Redis lock registry:
// the conditional status update inside BookingStore.Complete is the
// serialization point, and racing callers converge on the winner's
// tickets via the PAID shortcut.
type BookingEngine struct {
	store       BookingStore
	maxQuantity int
	log         zerolog.Logger
}

// NewBookingEngine creates a booking engine.
func NewBookingEngine(store BookingStore, maxQuantity int, log zerolog.Logger) *BookingEngine {
	if maxQuantity <= 0 {
		maxQuantity = 5
	}
	return &BookingEngine{
		store:       store,
		maxQuantity: maxQuantity,
		log:         log.With().Str("component", "booking").Logger(),
	}
}

// MaxQuantity is the per-booking ticket cap.
func (e *BookingEngine) MaxQuantity() int { return e.maxQuantity }

// CreatePending writes an AWAITING_PAYMENT booking for quantity tickets
// of the tier. Inventory is untouched until completion.
func (e *BookingEngine) CreatePending(
	ctx context.Context,
	userID string,
	tier *model.TicketTier,
	quantity int,
	method model.PaymentMethod,
	paymentPhone string,
) (*model.Booking, error) {
	if quantity < 1 || quantity > e.maxQuantity {
		return nil, fmt.Errorf("quantity %d outside 1..%d: %w", quantity, e.maxQuantity, ErrInvalidInput)
	}

	b := &model.Booking{
		ID:                 uuid.NewString(),
		UserID:             userID,
		TierID:             tier.ID,
		Quantity:           quantity,
		TotalAmount:        tier.Price.Mul(decimal.NewFromInt(int64(quantity))),
		Status:             model.BookingAwaitingPayment,
		PaymentMethod:      method,
		PaymentPhoneNumber: paymentPhone,
		ExpiryTime:         time.Now().Add(bookingExpiry),
	}
	if err := e.store.CreatePending(ctx, b); err != nil {
		return nil, err
	}

	e.log.Info().Str("booking_id", b.ID).Str("tier_id", tier.ID).
		Int("quantity", quantity).Str("method", string(method)).
		Str("total", b.TotalAmount.StringFixed(2)).
		Msg("pending booking created")
	return b, nil
}

// CompletionResult is what a payment confirmation yields.
type CompletionResult struct {
	Booking *model.Booking
	Tickets []model.Ticket

	// NewlyCompleted is false when an earlier confirmation already won;
	// callers must not re-send the confirmation message in that case.
	NewlyCompleted bool
}

// Complete drives a booking to PAID and issues its tickets. Safe under
// concurrent invocation from both providers and under retries: exactly
// one caller performs the inventory increment and ticket insert, every
// caller receives the same ticket set.
func (e *BookingEngine) Complete(ctx context.Context, bookingID, paymentRef, payerPhone string) (*CompletionResult, error) {
	// Idempotency shortcut: a PAID booking with tickets is already done.
	booking, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status == model.BookingPaid {
		tickets, err := e.store.TicketsByBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if len(tickets) > 0 {
			return &CompletionResult{Booking: booking, Tickets: tickets, NewlyCompleted: false}, nil
		}
	}
	if booking.Status != model.BookingPending && booking.Status != model.BookingAwaitingPayment {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, ErrInvalidState)
	}

	codes, err := e.generateCodes(ctx, booking.Quantity)
	if err != nil {
		return nil, err
	}

	tickets, err := e.store.Complete(ctx, bookingID, paymentRef, payerPhone, codes)
	if errors.Is(err, repository.ErrAlreadyProcessed) {
		// Another webhook won between our lookup and the conditional
		// update. Re-read and hand back the winner's tickets.
		booking, err = e.store.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if booking.Status != model.BookingPaid {
			return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, ErrInvalidState)
		}
		tickets, err = e.store.TicketsByBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		e.log.Info().Str("booking_id", bookingID).Msg("completion lost the race, returning winner's tickets")
		return &CompletionResult{Booking: booking, Tickets: tickets, NewlyCompleted: false}, nil
	}
	if err != nil {
		return nil, err
	}

	booking, err = e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("booking_id", bookingID).Int("tickets", len(tickets)).
		Str("payment_ref", paymentRef).Msg("booking completed")
	return &CompletionResult{Booking: booking, Tickets: tickets, NewlyCompleted: true}, nil
}

// Cancel reverses a PAID booking: status to CANCELLED and inventory
// returned. Tickets are not deleted.
func (e *BookingEngine) Cancel(ctx context.Context, bookingID, reason string) (*model.Booking, error) {
	booking, err := e.store.Cancel(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("booking_id", bookingID).Str("reason", reason).Msg("booking cancelled")
	return booking, nil
}

// ─── Code generation ────────────────────────────────────────

// generateCodes draws n collision-checked ticket codes before the
// completion transaction opens.
func (e *BookingEngine) generateCodes(ctx context.Context, n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := map[string]bool{}
	for len(codes) < n {
		code, err := e.generateOneCode(ctx, seen)
		if err != nil {
			return nil, err
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

func (e *BookingEngine) generateOneCode(ctx context.Context, seen map[string]bool) (string, error) {
	for attempt := 0; attempt < codeGenAttempts; attempt++ {
		code, err := newTicketCode()
		if err != nil {
			return "", err
		}
		if seen[code] {
			continue
		}
		exists, err := e.store.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", codeGenAttempts, ErrCodeGeneration)
}

// newTicketCode renders 4 cryptographically-random bytes as the
// XXXX-XXXX uppercase hex receipt code.
func newTicketCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("ticket code entropy: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(buf[:]))
	return h[:4] + "-" + h[4:], nil
}
