package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/payment"
	"github.com/wekesa/tikiti/internal/service"
	"github.com/wekesa/tikiti/pkg/phone"
)

// confirmTimeout bounds the asynchronous post-payment confirmation
// (message + ticket images) kicked off after a webhook is acknowledged.
const confirmTimeout = 2 * time.Minute

// Completer drives bookings to PAID, satisfied by *service.BookingEngine.
type Completer interface {
	Complete(ctx context.Context, bookingID, paymentRef, payerPhone string) (*service.CompletionResult, error)
}

// StatusFetcher queries the hosted provider for an order's state,
// satisfied by *payment.HostedClient.
type StatusFetcher interface {
	GetTransactionStatus(ctx context.Context, orderTrackingID string) (*payment.TransactionStatus, error)
}

// UserFetcher resolves a booking's owner for chat delivery, satisfied
// by *repository.UserRepository.
type UserFetcher interface {
	GetByID(ctx context.Context, userID string) (*model.User, error)
}

// TicketDeliverer sends the confirmation and ticket images, satisfied
// by *service.Issuer.
type TicketDeliverer interface {
	DeliverTickets(ctx context.Context, booking *model.Booking, event *model.Event, tier *model.TicketTier, to string, tickets []model.Ticket)
}

// PaymentHandler receives payment provider callbacks and drives the
// booking engine idempotently. Both endpoints always answer with the
// provider's expected acknowledgement shape, success or not — a non-2xx
// here only triggers redelivery storms.
type PaymentHandler struct {
	engine   Completer
	hosted   StatusFetcher
	users    UserFetcher
	catalog  service.Catalog
	sessions service.SessionStore
	issuer   TicketDeliverer
	log      zerolog.Logger
}

// NewPaymentHandler creates the payment-webhook handler.
func NewPaymentHandler(
	engine Completer,
	hosted StatusFetcher,
	users UserFetcher,
	catalog service.Catalog,
	sessions service.SessionStore,
	issuer TicketDeliverer,
	log zerolog.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		engine:   engine,
		hosted:   hosted,
		users:    users,
		catalog:  catalog,
		sessions: sessions,
		issuer:   issuer,
		log:      log.With().Str("component", "webhook.payment").Logger(),
	}
}

// ─── STK provider webhook ───────────────────────────────────

// stkWebhookPayload is the STK provider's callback body.
type stkWebhookPayload struct {
	Challenge string `json:"challenge"`
	State     string `json:"state"`
	APIRef    string `json:"api_ref"`
	InvoiceID string `json:"invoice_id"`
	Account   string `json:"account"`
}

// STKWebhook handles POST /webhooks/mpesa. The response is always
// "OK" with 200: internal failures are logged only.
func (h *PaymentHandler) STKWebhook(w http.ResponseWriter, r *http.Request) {
	ack := func() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	var payload stkWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.log.Warn().Err(err).Msg("unparseable stk webhook")
		ack()
		return
	}

	if payload.Challenge != "complete" {
		h.log.Warn().Str("booking_id", payload.APIRef).Msg("stk webhook with bad challenge")
		ack()
		return
	}
	if payload.State != "COMPLETE" {
		h.log.Info().Str("booking_id", payload.APIRef).Str("state", payload.State).
			Msg("stk webhook ignored, payment not complete")
		ack()
		return
	}

	payerPhone := ""
	if normalized, err := phone.Normalize(payload.Account); err == nil {
		payerPhone = normalized
	}

	result, err := h.engine.Complete(r.Context(), payload.APIRef, payload.InvoiceID, payerPhone)
	if err != nil {
		h.log.Error().Err(err).Str("booking_id", payload.APIRef).Msg("stk completion failed")
		ack()
		return
	}
	h.confirmAsync(result)
	ack()
}

// ─── Hosted redirect provider webhook ───────────────────────

// hostedEcho is the provider's expected response shape for both GET
// validation pings and POST notifications.
type hostedEcho struct {
	OrderNotificationType string `json:"orderNotificationType"`
	OrderTrackingID       string `json:"orderTrackingId"`
	Status                int    `json:"status"`
}

type hostedWebhookBody struct {
	OrderTrackingID       string `json:"OrderTrackingId"`
	OrderNotificationType string `json:"OrderNotificationType"`
}

// HostedWebhook handles GET|POST /webhooks/hosted.
//
// GET requests are URL-validation pings and only echo their inputs.
// POST requests trigger a status query and, when the order completed,
// an idempotent booking completion.
func (h *PaymentHandler) HostedWebhook(w http.ResponseWriter, r *http.Request) {
	trackingID := r.URL.Query().Get("OrderTrackingId")
	notifType := r.URL.Query().Get("OrderNotificationType")

	if r.Method == http.MethodPost && trackingID == "" {
		var body hostedWebhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			trackingID = body.OrderTrackingID
			notifType = body.OrderNotificationType
		}
	}

	echo := hostedEcho{
		OrderNotificationType: notifType,
		OrderTrackingID:       trackingID,
		Status:                http.StatusOK,
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, echo)
		return
	}

	status, err := h.hosted.GetTransactionStatus(r.Context(), trackingID)
	if err != nil {
		h.log.Error().Err(err).Str("order_tracking_id", trackingID).Msg("hosted status query failed")
		echo.Status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, echo)
		return
	}
	if !status.IsCompleted() {
		h.log.Info().Str("order_tracking_id", trackingID).Msg("hosted webhook ignored, payment not completed")
		writeJSON(w, http.StatusOK, echo)
		return
	}

	result, err := h.engine.Complete(r.Context(),
		status.MerchantReferenceValue(), status.PaymentReferenceValue(), status.PayerPhone())
	if err != nil {
		h.log.Error().Err(err).Str("order_tracking_id", trackingID).Msg("hosted completion failed")
		echo.Status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, echo)
		return
	}
	h.confirmAsync(result)
	writeJSON(w, http.StatusOK, echo)
}

// ─── Confirmation fan-out ───────────────────────────────────

// confirmAsync fires the confirmation message and ticket images in the
// background. Only a NEW transition triggers it: a webhook that lost
// the completion race must not duplicate the confirmation.
func (h *PaymentHandler) confirmAsync(result *service.CompletionResult) {
	if result == nil || !result.NewlyCompleted {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
		defer cancel()

		booking := result.Booking
		user, err := h.users.GetByID(ctx, booking.UserID)
		if err != nil {
			h.log.Error().Err(err).Str("booking_id", booking.ID).Msg("confirmation: user lookup failed")
			return
		}
		tw, err := h.catalog.GetTierWithEvent(ctx, booking.TierID)
		if err != nil {
			h.log.Error().Err(err).Str("booking_id", booking.ID).Msg("confirmation: tier lookup failed")
			return
		}

		h.issuer.DeliverTickets(ctx, booking, &tw.Event, &tw.Tier, user.PhoneNumber, result.Tickets)
		h.sessions.Clear(ctx, user.PhoneNumber)
	}()
}
