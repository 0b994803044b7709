package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/whatsapp"
	"github.com/wekesa/tikiti/pkg/phone"
)

// dispatchTimeout bounds the background processing of one inbound
// message after the webhook has already been acknowledged.
const dispatchTimeout = 60 * time.Second

// UserStore upserts chat users, satisfied by *repository.UserRepository.
type UserStore interface {
	UpsertByPhone(ctx context.Context, phoneNumber, name string) (*model.User, error)
}

// Dispatcher is the conversation controller entry point.
type Dispatcher interface {
	HandleMessage(ctx context.Context, user *model.User, in *whatsapp.InboundMessage)
}

// ReadMarker sends read receipts, satisfied by *whatsapp.Client.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// WhatsAppHandler receives the messaging platform's webhooks.
type WhatsAppHandler struct {
	verifyToken string
	users       UserStore
	dispatcher  Dispatcher
	reader      ReadMarker
	log         zerolog.Logger
}

// NewWhatsAppHandler creates the user-webhook handler.
func NewWhatsAppHandler(verifyToken string, users UserStore, dispatcher Dispatcher, reader ReadMarker, log zerolog.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		verifyToken: verifyToken,
		users:       users,
		dispatcher:  dispatcher,
		reader:      reader,
		log:         log.With().Str("component", "webhook.whatsapp").Logger(),
	}
}

// Verify handles GET /webhook — the platform's subscription handshake.
func (h *WhatsAppHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// Receive handles POST /webhook. It acknowledges with 200 immediately
// and processes the message in the background; processing errors are
// logged, never propagated (the platform would redeliver).
func (h *WhatsAppHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.log.Warn().Err(err).Msg("read webhook body")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))

	go h.process(body)
}

func (h *WhatsAppHandler) process(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	in, err := whatsapp.ParseInbound(body)
	if err != nil {
		if err != whatsapp.ErrNoMessage {
			h.log.Warn().Err(err).Msg("unparseable webhook payload")
		}
		return
	}

	normalized, err := phone.Normalize(in.Phone)
	if err != nil {
		h.log.Warn().Str("phone", phone.Mask(in.Phone)).Msg("inbound message from unnormalizable phone")
		return
	}

	// Read receipt is fire-and-forget.
	go func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rcancel()
		if err := h.reader.MarkRead(rctx, in.MessageID); err != nil {
			h.log.Debug().Err(err).Msg("read receipt failed")
		}
	}()

	user, err := h.users.UpsertByPhone(ctx, normalized, in.Name)
	if err != nil {
		h.log.Error().Err(err).Str("phone", phone.Mask(normalized)).Msg("user upsert failed")
		return
	}

	h.dispatcher.HandleMessage(ctx, user, in)
}
