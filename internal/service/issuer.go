package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/whatsapp"
	"github.com/wekesa/tikiti/pkg/phone"
)

// qrSize is the edge length of generated ticket images in pixels.
const qrSize = 400

// Messenger is the outbound messaging contract, satisfied by
// *whatsapp.Client.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendButtons(ctx context.Context, to, body string, buttons []whatsapp.Button) error
	SendList(ctx context.Context, to, body, buttonText string, sections []whatsapp.Section) error
	SendImageByID(ctx context.Context, to, mediaID, caption string) error
	UploadMedia(ctx context.Context, filename string, png []byte) (string, error)
}

// QRRenderer renders a ticket code as a PNG. The default uses
// skip2/go-qrcode with high error correction.
type QRRenderer interface {
	Render(content string, size int) ([]byte, error)
}

type qrRenderer struct{}

func (qrRenderer) Render(content string, size int) ([]byte, error) {
	return qrcode.Encode(content, qrcode.High, size)
}

// NewQRRenderer returns the default PNG renderer.
func NewQRRenderer() QRRenderer { return qrRenderer{} }

// Issuer delivers purchased tickets over chat: one confirmation text
// followed by a best-effort parallel fan-out of per-ticket QR images.
// Nothing here ever fails the payment that triggered it.
type Issuer struct {
	messenger Messenger
	renderer  QRRenderer
	log       zerolog.Logger
}

// NewIssuer creates a ticket issuer.
func NewIssuer(messenger Messenger, renderer QRRenderer, log zerolog.Logger) *Issuer {
	return &Issuer{
		messenger: messenger,
		renderer:  renderer,
		log:       log.With().Str("component", "issuer").Logger(),
	}
}

// DeliverTickets sends the payment confirmation and the ticket images
// to the booking's chat phone. Every failure is logged and swallowed.
func (i *Issuer) DeliverTickets(ctx context.Context, booking *model.Booking, event *model.Event, tier *model.TicketTier, to string, tickets []model.Ticket) {
	if err := i.messenger.SendText(ctx, to, i.confirmationText(booking, event, tier, tickets)); err != nil {
		i.log.Warn().Err(err).Str("booking_id", booking.ID).
			Str("phone", phone.Mask(to)).Msg("confirmation message failed")
	}

	caption := fmt.Sprintf("%s — %s", event.Title, tier.Name)

	var wg sync.WaitGroup
	for _, t := range tickets {
		wg.Add(1)
		go func(t model.Ticket) {
			defer wg.Done()
			i.deliverOne(ctx, to, caption, t)
		}(t)
	}
	wg.Wait()
}

func (i *Issuer) deliverOne(ctx context.Context, to, caption string, t model.Ticket) {
	png, err := i.renderer.Render(t.UniqueCode, qrSize)
	if err != nil {
		i.log.Warn().Err(err).Str("code", t.UniqueCode).Msg("qr render failed")
		return
	}
	mediaID, err := i.messenger.UploadMedia(ctx, "ticket-"+t.UniqueCode+".png", png)
	if err != nil {
		i.log.Warn().Err(err).Str("code", t.UniqueCode).Msg("media upload failed")
		return
	}
	if err := i.messenger.SendImageByID(ctx, to, mediaID, caption); err != nil {
		i.log.Warn().Err(err).Str("code", t.UniqueCode).Msg("ticket image send failed")
	}
}

func (i *Issuer) confirmationText(booking *model.Booking, event *model.Event, tier *model.TicketTier, tickets []model.Ticket) string {
	codes := make([]string, 0, len(tickets))
	for _, t := range tickets {
		codes = append(codes, t.UniqueCode)
	}
	return fmt.Sprintf(
		"Payment received! 🎉\n\n%s\n📅 %s\n📍 %s\n🎟 %s × %d\n💰 KES %s\n\nYour ticket codes:\n%s\n\nYour QR tickets are on the way. Show them at the gate.",
		event.Title,
		event.StartTime.Format("Mon, 2 Jan 2006 3:04 PM"),
		event.Venue,
		tier.Name,
		booking.Quantity,
		booking.TotalAmount.StringFixed(2),
		strings.Join(codes, "\n"),
	)
}
