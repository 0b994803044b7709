// Package model contains domain models for the ticket concierge.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Enums ──────────────────────────────────────────────────

type EventCategory string

const (
	CategoryUniversity EventCategory = "UNIVERSITY"
	CategoryConcert    EventCategory = "CONCERT"
	CategoryClub       EventCategory = "CLUB"
	CategorySocial     EventCategory = "SOCIAL"
	CategoryHoliday    EventCategory = "HOLIDAY"
)

// Categories lists every event category in menu order.
var Categories = []EventCategory{
	CategoryUniversity,
	CategoryConcert,
	CategoryClub,
	CategorySocial,
	CategoryHoliday,
}

// IsValidCategory reports whether s is a member of the category enum.
func IsValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

type BookingStatus string

const (
	BookingPending         BookingStatus = "PENDING"
	BookingAwaitingPayment BookingStatus = "AWAITING_PAYMENT"
	BookingPaid            BookingStatus = "PAID"
	BookingCancelled       BookingStatus = "CANCELLED"
	BookingExpired         BookingStatus = "EXPIRED"
)

type PaymentMethod string

const (
	PaymentMpesa PaymentMethod = "MPESA"
	PaymentCard  PaymentMethod = "CARD"
)

// ─── Conversation state ─────────────────────────────────────

// ConversationState is the per-user position in the purchase dialog.
type ConversationState string

const (
	StateIdle                  ConversationState = "IDLE"
	StateSelectingCategory     ConversationState = "SELECTING_CATEGORY"
	StateBrowsingEvents        ConversationState = "BROWSING_EVENTS"
	StateSelectingTier         ConversationState = "SELECTING_TIER"
	StateSelectingQuantity     ConversationState = "SELECTING_QUANTITY"
	StateAwaitingPaymentMethod ConversationState = "AWAITING_PAYMENT_METHOD"
	StateAwaitingPaymentPhone  ConversationState = "AWAITING_PAYMENT_PHONE"
	StateAwaitingSTKPush       ConversationState = "AWAITING_STK_PUSH"
)

// Session data keys recognized by the conversation controller.
const (
	DataEventID          = "eventId"
	DataSelectedCategory = "selectedCategory"
	DataTierID           = "tierId"
	DataQuantity         = "quantity"
	DataTotalAmount      = "totalAmount"
	DataPaymentMethod    = "paymentMethod"
	DataTempBookingID    = "tempBookingId"
)

// Session is the conversational state stored per normalized phone number.
type Session struct {
	State ConversationState `json:"state"`
	Data  map[string]string `json:"data"`
}

// NewIdleSession returns the zero session used when nothing is stored.
func NewIdleSession() Session {
	return Session{State: StateIdle, Data: map[string]string{}}
}

// ─── Domain Models ──────────────────────────────────────────

// Event maps to the `events` table.
type Event struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Venue       string        `json:"venue"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	IsActive    bool          `json:"is_active"`
	Category    EventCategory `json:"category"`
	CreatedAt   time.Time     `json:"created_at"`
}

// TicketTier maps to the `ticket_tiers` table.
type TicketTier struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	QuantitySold int             `json:"quantity_sold"`
}

// Available returns the number of unsold tickets in the tier.
func (t *TicketTier) Available() int {
	return t.Quantity - t.QuantitySold
}

// User maps to the `users` table. PhoneNumber is the normalized
// 254XXXXXXXXX form and is the only identity in the system.
type User struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Booking maps to the `bookings` table.
type Booking struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	TierID             string          `json:"tier_id"`
	Quantity           int             `json:"quantity"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Status             BookingStatus   `json:"status"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	PaymentPhoneNumber string          `json:"payment_phone_number,omitempty"`
	PaymentReference   *string         `json:"payment_reference,omitempty"`
	ExpiryTime         time.Time       `json:"expiry_time"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Ticket maps to the `tickets` table. UniqueCode is the XXXX-XXXX
// receipt code printed on the QR image; it is globally unique.
type Ticket struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"booking_id"`
	UniqueCode string    `json:"unique_code"`
	IsRedeemed bool      `json:"is_redeemed"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventWithTiers is the catalog read-side view for the tier list step.
type EventWithTiers struct {
	Event Event        `json:"event"`
	Tiers []TicketTier `json:"tiers"`
}

// TierWithEvent is the catalog read-side view for booking creation.
type TierWithEvent struct {
	Tier  TicketTier `json:"tier"`
	Event Event      `json:"event"`
}
