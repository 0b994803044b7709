package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/whatsapp"
)

type fakeUserStore struct {
	upserted chan string
}

func (f *fakeUserStore) UpsertByPhone(ctx context.Context, phoneNumber, name string) (*model.User, error) {
	select {
	case f.upserted <- phoneNumber:
	default:
	}
	return &model.User{ID: "user-1", PhoneNumber: phoneNumber, Name: name}, nil
}

type fakeDispatcher struct {
	handled chan *whatsapp.InboundMessage
}

func (f *fakeDispatcher) HandleMessage(ctx context.Context, user *model.User, in *whatsapp.InboundMessage) {
	select {
	case f.handled <- in:
	default:
	}
}

type fakeReadMarker struct{}

func (fakeReadMarker) MarkRead(ctx context.Context, messageID string) error { return nil }

func newWhatsAppHarness(t *testing.T) (*WhatsAppHandler, *fakeUserStore, *fakeDispatcher) {
	t.Helper()
	users := &fakeUserStore{upserted: make(chan string, 1)}
	dispatcher := &fakeDispatcher{handled: make(chan *whatsapp.InboundMessage, 1)}
	h := NewWhatsAppHandler("verify-secret", users, dispatcher, fakeReadMarker{}, zerolog.Nop())
	return h, users, dispatcher
}

func TestVerifyHandshake(t *testing.T) {
	h, _, _ := newWhatsAppHarness(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	h, _, _ := newWhatsAppHarness(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReceiveAcksAndDispatches(t *testing.T) {
	h, users, dispatcher := newWhatsAppHarness(t)

	body := `{
	  "entry": [{"changes": [{"value": {
	    "contacts": [{"profile": {"name": "Wanjiku"}}],
	    "messages": [{"id": "wamid.1", "from": "0712345678", "type": "text",
	                  "text": {"body": "hi"}}]
	  }}]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EVENT_RECEIVED", w.Body.String())

	select {
	case phone := <-users.upserted:
		assert.Equal(t, "254712345678", phone, "sender phone is normalized before upsert")
	case <-time.After(2 * time.Second):
		t.Fatal("user was never upserted")
	}

	select {
	case in := <-dispatcher.handled:
		require.NotNil(t, in)
		assert.Equal(t, "hi", in.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("message was never dispatched")
	}
}

func TestReceiveIgnoresStatusOnlyDeliveries(t *testing.T) {
	h, _, dispatcher := newWhatsAppHarness(t)

	body := `{"entry": [{"changes": [{"value": {"statuses": [{"status": "delivered"}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case <-dispatcher.handled:
		t.Fatal("status-only delivery must not be dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}
