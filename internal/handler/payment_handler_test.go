package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/payment"
	"github.com/wekesa/tikiti/internal/service"
)

// ─── Fakes ──────────────────────────────────────────────────

type completeCall struct {
	bookingID  string
	paymentRef string
	payerPhone string
}

type fakeCompleter struct {
	mu     sync.Mutex
	result *service.CompletionResult
	err    error
	calls  []completeCall
}

func (f *fakeCompleter) Complete(ctx context.Context, bookingID, paymentRef, payerPhone string) (*service.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, completeCall{bookingID, paymentRef, payerPhone})
	return f.result, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStatusFetcher struct {
	status *payment.TransactionStatus
	err    error
	called bool
}

func (f *fakeStatusFetcher) GetTransactionStatus(ctx context.Context, orderTrackingID string) (*payment.TransactionStatus, error) {
	f.called = true
	return f.status, f.err
}

type fakeUserFetcher struct{}

func (fakeUserFetcher) GetByID(ctx context.Context, userID string) (*model.User, error) {
	return &model.User{ID: userID, PhoneNumber: "254712345678"}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) ListEventsByCategory(ctx context.Context, category model.EventCategory) ([]model.Event, error) {
	return nil, nil
}

func (fakeCatalog) GetEventWithTiers(ctx context.Context, eventID string) (*model.EventWithTiers, error) {
	return nil, errors.New("not used")
}

func (fakeCatalog) GetTierWithEvent(ctx context.Context, tierID string) (*model.TierWithEvent, error) {
	return &model.TierWithEvent{
		Tier:  model.TicketTier{ID: tierID, Name: "VIP"},
		Event: model.Event{ID: "ev-1", Title: "Sol Fest"},
	}, nil
}

type fakeSessions struct {
	cleared chan string
}

func (f *fakeSessions) Get(ctx context.Context, phone string) model.Session {
	return model.NewIdleSession()
}

func (f *fakeSessions) Update(ctx context.Context, phone string, state model.ConversationState, patch map[string]string) {
}

func (f *fakeSessions) Clear(ctx context.Context, phone string) {
	select {
	case f.cleared <- phone:
	default:
	}
}

type fakeDeliverer struct {
	delivered chan string
}

func (f *fakeDeliverer) DeliverTickets(ctx context.Context, booking *model.Booking, event *model.Event, tier *model.TicketTier, to string, tickets []model.Ticket) {
	select {
	case f.delivered <- booking.ID:
	default:
	}
}

type handlerHarness struct {
	h         *PaymentHandler
	completer *fakeCompleter
	status    *fakeStatusFetcher
	sessions  *fakeSessions
	deliverer *fakeDeliverer
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()
	hh := &handlerHarness{
		completer: &fakeCompleter{},
		status:    &fakeStatusFetcher{},
		sessions:  &fakeSessions{cleared: make(chan string, 1)},
		deliverer: &fakeDeliverer{delivered: make(chan string, 1)},
	}
	hh.h = NewPaymentHandler(hh.completer, hh.status, fakeUserFetcher{},
		fakeCatalog{}, hh.sessions, hh.deliverer, zerolog.Nop())
	return hh
}

func newCompletion(newly bool) *service.CompletionResult {
	return &service.CompletionResult{
		Booking: &model.Booking{
			ID: "bk-1", UserID: "user-1", TierID: "tier-1",
			Quantity: 2, TotalAmount: decimal.NewFromInt(2000),
			Status: model.BookingPaid,
		},
		Tickets: []model.Ticket{
			{UniqueCode: "AB12-CD34"}, {UniqueCode: "EF56-AB78"},
		},
		NewlyCompleted: newly,
	}
}

func waitDelivery(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation delivery never happened")
		return ""
	}
}

func assertNoDelivery(t *testing.T, ch chan string) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unexpected confirmation delivery for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

// ─── STK webhook ────────────────────────────────────────────

func postSTK(h *PaymentHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.STKWebhook(w, req)
	return w
}

func TestSTKWebhookCompletes(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.completer.result = newCompletion(true)

	w := postSTK(hh.h, `{
		"challenge": "complete", "state": "COMPLETE",
		"api_ref": "bk-1", "invoice_id": "INV-7", "account": "0712 345 678"
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	require.Equal(t, 1, hh.completer.callCount())
	call := hh.completer.calls[0]
	assert.Equal(t, "bk-1", call.bookingID)
	assert.Equal(t, "INV-7", call.paymentRef)
	assert.Equal(t, "254712345678", call.payerPhone, "account is normalized before completion")

	assert.Equal(t, "bk-1", waitDelivery(t, hh.deliverer.delivered))
	assert.Equal(t, "254712345678", <-hh.sessions.cleared)
}

func TestSTKWebhookBadChallenge(t *testing.T) {
	hh := newHandlerHarness(t)

	w := postSTK(hh.h, `{"challenge": "guess", "state": "COMPLETE", "api_ref": "bk-1"}`)

	// Still acknowledged: the provider must not retry a forgery.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Zero(t, hh.completer.callCount())
}

func TestSTKWebhookIgnoresNonComplete(t *testing.T) {
	hh := newHandlerHarness(t)

	for _, state := range []string{"PENDING", "FAILED", "PROCESSING"} {
		w := postSTK(hh.h, `{"challenge": "complete", "state": "`+state+`", "api_ref": "bk-1"}`)
		assert.Equal(t, http.StatusOK, w.Code, "state %s", state)
	}
	assert.Zero(t, hh.completer.callCount())
}

func TestSTKWebhookMalformedBody(t *testing.T) {
	hh := newHandlerHarness(t)

	w := postSTK(hh.h, `{{{not json`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Zero(t, hh.completer.callCount())
}

func TestSTKWebhookDuplicateSkipsConfirmation(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.completer.result = newCompletion(false)

	w := postSTK(hh.h, `{
		"challenge": "complete", "state": "COMPLETE",
		"api_ref": "bk-1", "invoice_id": "INV-7-retry"
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, hh.completer.callCount())
	assertNoDelivery(t, hh.deliverer.delivered)
}

func TestSTKWebhookCompletionErrorStillAcks(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.completer.err = errors.New("db down")

	w := postSTK(hh.h, `{"challenge": "complete", "state": "COMPLETE", "api_ref": "bk-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

// ─── Hosted webhook ─────────────────────────────────────────

func TestHostedWebhookGETEchoesWithoutSideEffects(t *testing.T) {
	hh := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/hosted?OrderTrackingId=trk-1&OrderNotificationType=IPNCHANGE", nil)
	w := httptest.NewRecorder()
	hh.h.HostedWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var echo hostedEcho
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &echo))
	assert.Equal(t, "trk-1", echo.OrderTrackingID)
	assert.Equal(t, "IPNCHANGE", echo.OrderNotificationType)
	assert.Equal(t, http.StatusOK, echo.Status)

	assert.False(t, hh.status.called, "validation ping must not query the provider")
	assert.Zero(t, hh.completer.callCount())
}

func TestHostedWebhookPOSTCompletes(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.status.status = &payment.TransactionStatus{
		PaymentStatusDescription: "Completed",
		OrderMerchantReference:   "bk-1",
		ConfirmationCode:         "CONF-9",
		PaymentAccount:           "254712345678",
	}
	hh.completer.result = newCompletion(true)

	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/hosted?OrderTrackingId=trk-1&OrderNotificationType=IPNCHANGE", nil)
	w := httptest.NewRecorder()
	hh.h.HostedWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, hh.completer.callCount())
	call := hh.completer.calls[0]
	assert.Equal(t, "bk-1", call.bookingID)
	assert.Equal(t, "CONF-9", call.paymentRef)
	assert.Equal(t, "254712345678", call.payerPhone)

	assert.Equal(t, "bk-1", waitDelivery(t, hh.deliverer.delivered))
}

func TestHostedWebhookPOSTBodyFallback(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.status.status = &payment.TransactionStatus{Status: "Pending"}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/hosted",
		strings.NewReader(`{"OrderTrackingId":"trk-2","OrderNotificationType":"IPNCHANGE"}`))
	w := httptest.NewRecorder()
	hh.h.HostedWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var echo hostedEcho
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &echo))
	assert.Equal(t, "trk-2", echo.OrderTrackingID)
	assert.True(t, hh.status.called)
}

func TestHostedWebhookPOSTIgnoresIncomplete(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.status.status = &payment.TransactionStatus{PaymentStatusDescription: "Failed"}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/hosted?OrderTrackingId=trk-1", nil)
	w := httptest.NewRecorder()
	hh.h.HostedWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, hh.completer.callCount())
}

func TestHostedWebhookStatusQueryFailure(t *testing.T) {
	hh := newHandlerHarness(t)
	hh.status.err = errors.New("provider 503")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/hosted?OrderTrackingId=trk-1", nil)
	w := httptest.NewRecorder()
	hh.h.HostedWebhook(w, req)

	// The body keeps the provider's expected shape even on failure.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var echo hostedEcho
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &echo))
	assert.Equal(t, "trk-1", echo.OrderTrackingID)
	assert.Equal(t, http.StatusInternalServerError, echo.Status)
}
