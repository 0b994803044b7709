package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/internal/payment"
	"github.com/wekesa/tikiti/internal/whatsapp"
	"github.com/wekesa/tikiti/pkg/phone"
)

// Interactive element ids understood by the controller.
const (
	idBackToCategories = "BACK_TO_CATEGORIES"
	idPayMpesa         = "PAY_MPESA"
	idPayCard          = "PAY_CARD"
	idUseCurrentYes    = "USE_CURRENT_YES"
	idUseCurrentNo     = "USE_CURRENT_NO"
)

// menuCooldown suppresses re-sending the category menu to the same
// phone. Retry paths re-entering the same state would otherwise echo
// the menu at every inbound message.
const menuCooldown = 5 * time.Second

// lockTTL bounds the quantity→payment reservation window.
const lockTTL = 10 * time.Minute

// ─── Collaborator contracts ─────────────────────────────────

// Catalog is the read side of events and tiers, satisfied by
// *repository.CatalogRepository.
type Catalog interface {
	ListEventsByCategory(ctx context.Context, category model.EventCategory) ([]model.Event, error)
	GetEventWithTiers(ctx context.Context, eventID string) (*model.EventWithTiers, error)
	GetTierWithEvent(ctx context.Context, tierID string) (*model.TierWithEvent, error)
}

// SessionStore is satisfied by *session.Store.
type SessionStore interface {
	Get(ctx context.Context, phone string) model.Session
	Update(ctx context.Context, phone string, state model.ConversationState, patch map[string]string)
	Clear(ctx context.Context, phone string)
}

// LockRegistry is satisfied by *lock.Registry.
type LockRegistry interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) bool
	ReleaseOwned(ctx context.Context, resource, owner string) bool
}

// STKPusher is satisfied by *payment.MpesaClient.
type STKPusher interface {
	InitiateSTKPush(ctx context.Context, payerPhone string, amount decimal.Decimal, apiRef string) (*payment.STKPushResult, error)
}

// LinkMinter is satisfied by *payment.HostedClient.
type LinkMinter interface {
	GetPaymentLink(ctx context.Context, booking *model.Booking, description string) (string, error)
}

// ─── Conversation ───────────────────────────────────────────

// Conversation drives one user message through the purchase dialog.
//
// Per-user ordering is NOT strictly serialized: two quick messages from
// one phone may interleave. Every step therefore re-reads session state
// before acting, and invalid transitions simply re-prompt. The one
// window where interleaving buys tickets twice — quantity→payment — is
// bounded by the tier/user lock.
type Conversation struct {
	sessions  SessionStore
	locks     LockRegistry
	catalog   Catalog
	engine    *BookingEngine
	messenger Messenger
	stk       STKPusher
	hosted    LinkMinter
	botPhone  string
	log       zerolog.Logger

	menuMu   sync.Mutex
	lastMenu map[string]time.Time
}

// NewConversation wires the controller to its collaborators. botPhone
// is the bot's own number, used for the deep link back into chat after
// a hosted card payment; empty disables the link.
func NewConversation(
	sessions SessionStore,
	locks LockRegistry,
	catalog Catalog,
	engine *BookingEngine,
	messenger Messenger,
	stk STKPusher,
	hosted LinkMinter,
	botPhone string,
	log zerolog.Logger,
) *Conversation {
	return &Conversation{
		sessions:  sessions,
		locks:     locks,
		catalog:   catalog,
		engine:    engine,
		messenger: messenger,
		stk:       stk,
		hosted:    hosted,
		botPhone:  botPhone,
		log:       log.With().Str("component", "conversation").Logger(),
		lastMenu:  make(map[string]time.Time),
	}
}

var globalCommands = map[string]bool{
	"hi": true, "menu": true, "start": true,
	"restart": true, "reset": true, "cancel": true,
}

// HandleMessage processes one inbound message for an upserted user.
// It never returns an error: failures become chat messages and logs.
func (c *Conversation) HandleMessage(ctx context.Context, user *model.User, in *whatsapp.InboundMessage) {
	phoneNum := user.PhoneNumber

	// Interactive payloads carry the element id; plain text only a
	// body. Resolve as "id, falling back to body".
	input := strings.TrimSpace(in.ID)
	if input == "" {
		input = strings.TrimSpace(in.Body)
	}

	if globalCommands[strings.ToLower(input)] {
		c.sessions.Clear(ctx, phoneNum)
		c.sendCategoryMenu(ctx, phoneNum, true)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
		return
	}

	sess := c.sessions.Get(ctx, phoneNum)
	switch sess.State {
	case model.StateIdle:
		c.sendCategoryMenu(ctx, phoneNum, false)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
	case model.StateSelectingCategory:
		c.handleCategorySelection(ctx, phoneNum, input)
	case model.StateBrowsingEvents:
		c.handleEventBrowsing(ctx, phoneNum, input)
	case model.StateSelectingTier:
		c.handleTierSelection(ctx, phoneNum, sess, input)
	case model.StateSelectingQuantity:
		c.handleQuantity(ctx, phoneNum, sess, input)
	case model.StateAwaitingPaymentMethod:
		c.handlePaymentMethod(ctx, user, sess, input)
	case model.StateAwaitingPaymentPhone:
		c.handlePaymentPhone(ctx, user, sess, input)
	case model.StateAwaitingSTKPush:
		c.sendText(ctx, phoneNum, "Your payment is being processed. We'll confirm here as soon as it lands. Type 'menu' to start over.")
	default:
		c.sessions.Clear(ctx, phoneNum)
		c.sendCategoryMenu(ctx, phoneNum, false)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
	}
}

// ─── State handlers ─────────────────────────────────────────

func (c *Conversation) handleCategorySelection(ctx context.Context, phoneNum, input string) {
	if !model.IsValidCategory(input) {
		c.sendCategoryMenu(ctx, phoneNum, false)
		return
	}

	events, err := c.catalog.ListEventsByCategory(ctx, model.EventCategory(input))
	if err != nil {
		c.internalError(ctx, phoneNum, err)
		return
	}
	c.sendEventList(ctx, phoneNum, input, events)
	c.sessions.Update(ctx, phoneNum, model.StateBrowsingEvents,
		map[string]string{model.DataSelectedCategory: input})
}

func (c *Conversation) handleEventBrowsing(ctx context.Context, phoneNum, input string) {
	if input == idBackToCategories {
		c.sendCategoryMenu(ctx, phoneNum, true)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
		return
	}

	ev, err := c.catalog.GetEventWithTiers(ctx, input)
	if err != nil || !eventOnSale(ev) {
		c.sendText(ctx, phoneNum, "Sorry, that event isn't available anymore. Here are the categories again.")
		c.sendCategoryMenu(ctx, phoneNum, true)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
		return
	}

	c.sendTierList(ctx, phoneNum, ev)
	c.sessions.Update(ctx, phoneNum, model.StateSelectingTier,
		map[string]string{model.DataEventID: ev.Event.ID})
}

func (c *Conversation) handleTierSelection(ctx context.Context, phoneNum string, sess model.Session, input string) {
	if input == idBackToCategories {
		c.sendCategoryMenu(ctx, phoneNum, true)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
		return
	}

	tw, err := c.catalog.GetTierWithEvent(ctx, input)
	if err == nil {
		if tw.Tier.EventID == sess.Data[model.DataEventID] && tw.Event.IsActive && tw.Tier.Available() > 0 {
			c.sendText(ctx, phoneNum, fmt.Sprintf(
				"%s — %s (KES %s each, %d left).\nHow many tickets? Type a number from 1 to %d.",
				tw.Event.Title, tw.Tier.Name, tw.Tier.Price.String(),
				tw.Tier.Available(), c.engine.MaxQuantity()))
			c.sessions.Update(ctx, phoneNum, model.StateSelectingQuantity,
				map[string]string{model.DataTierID: tw.Tier.ID})
			return
		}
		c.sendText(ctx, phoneNum, "That ticket isn't available anymore. Here are the categories again.")
		c.sendCategoryMenu(ctx, phoneNum, true)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
		return
	}

	// The platform can deliver a stale list reply carrying an EVENT id
	// while we sit in tier selection. Silently re-open that event.
	if ev, evErr := c.catalog.GetEventWithTiers(ctx, input); evErr == nil && eventOnSale(ev) {
		c.sendTierList(ctx, phoneNum, ev)
		c.sessions.Update(ctx, phoneNum, model.StateSelectingTier,
			map[string]string{model.DataEventID: ev.Event.ID})
		return
	}

	c.sendText(ctx, phoneNum, "I couldn't find that option. Here are the categories again.")
	c.sendCategoryMenu(ctx, phoneNum, true)
	c.sessions.Update(ctx, phoneNum, model.StateSelectingCategory, nil)
}

func (c *Conversation) handleQuantity(ctx context.Context, phoneNum string, sess model.Session, input string) {
	qty, err := strconv.Atoi(input)
	if err != nil || qty < 1 || qty > c.engine.MaxQuantity() {
		c.sendText(ctx, phoneNum, fmt.Sprintf("Please type a number between 1 and %d.", c.engine.MaxQuantity()))
		return
	}

	tierID := sess.Data[model.DataTierID]
	resource := fmt.Sprintf("tier:%s:user:%s", tierID, phoneNum)
	// The lock keys on (tier, user): it throttles this user's own
	// double-submits, not other buyers. The database conditional
	// update is the oversell barrier.
	if !c.locks.Acquire(ctx, resource, phoneNum, lockTTL) {
		c.sendText(ctx, phoneNum, "These tickets are in high demand right now. Please try again in a few minutes.")
		c.sessions.Clear(ctx, phoneNum)
		return
	}

	tw, err := c.catalog.GetTierWithEvent(ctx, tierID)
	if err != nil {
		c.internalError(ctx, phoneNum, err)
		return
	}
	total := tw.Tier.Price.Mul(decimal.NewFromInt(int64(qty)))

	err = c.messenger.SendButtons(ctx, phoneNum,
		fmt.Sprintf("%d × %s for %s.\nTotal: KES %s.\nHow would you like to pay?",
			qty, tw.Tier.Name, tw.Event.Title, total.String()),
		[]whatsapp.Button{
			{ID: idPayMpesa, Title: "M-Pesa"},
			{ID: idPayCard, Title: "Card"},
		})
	if err != nil {
		c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("method prompt failed")
	}
	c.sessions.Update(ctx, phoneNum, model.StateAwaitingPaymentMethod, map[string]string{
		model.DataQuantity:    strconv.Itoa(qty),
		model.DataTotalAmount: total.String(),
	})
}

func (c *Conversation) handlePaymentMethod(ctx context.Context, user *model.User, sess model.Session, input string) {
	phoneNum := user.PhoneNumber
	switch strings.ToLower(input) {
	case strings.ToLower(idPayMpesa), "mpesa", "m-pesa":
		err := c.messenger.SendButtons(ctx, phoneNum,
			fmt.Sprintf("Should we send the M-Pesa prompt to this number (%s)?", phoneNum),
			[]whatsapp.Button{
				{ID: idUseCurrentYes, Title: "Yes"},
				{ID: idUseCurrentNo, Title: "No, another number"},
			})
		if err != nil {
			c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("phone prompt failed")
		}
		c.sessions.Update(ctx, phoneNum, model.StateAwaitingPaymentPhone,
			map[string]string{model.DataPaymentMethod: string(model.PaymentMpesa)})

	case strings.ToLower(idPayCard), "card":
		c.startCardPayment(ctx, user, sess)

	default:
		qty := sess.Data[model.DataQuantity]
		total := sess.Data[model.DataTotalAmount]
		err := c.messenger.SendButtons(ctx, phoneNum,
			fmt.Sprintf("Please choose how to pay for your %s tickets (KES %s).", qty, total),
			[]whatsapp.Button{
				{ID: idPayMpesa, Title: "M-Pesa"},
				{ID: idPayCard, Title: "Card"},
			})
		if err != nil {
			c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("method re-prompt failed")
		}
	}
}

func (c *Conversation) handlePaymentPhone(ctx context.Context, user *model.User, sess model.Session, input string) {
	phoneNum := user.PhoneNumber
	switch strings.ToLower(input) {
	case strings.ToLower(idUseCurrentYes), "yes", "y":
		c.startSTKPayment(ctx, user, sess, phoneNum)
	case strings.ToLower(idUseCurrentNo), "no", "n":
		c.sendText(ctx, phoneNum, "Please type the M-Pesa number to use (e.g. 0712 345 678).")
	default:
		payPhone, err := phone.Normalize(input)
		if err != nil {
			c.sendText(ctx, phoneNum, "That doesn't look like a valid Kenyan number. Try again (e.g. 0712 345 678).")
			return
		}
		c.startSTKPayment(ctx, user, sess, payPhone)
	}
}

// ─── Payment kick-off ───────────────────────────────────────

func (c *Conversation) startSTKPayment(ctx context.Context, user *model.User, sess model.Session, payPhone string) {
	phoneNum := user.PhoneNumber
	booking, tw, ok := c.createBooking(ctx, user, sess, model.PaymentMpesa, payPhone)
	if !ok {
		return
	}

	_, err := c.stk.InitiateSTKPush(ctx, payPhone, booking.TotalAmount, booking.ID)
	if err != nil {
		c.log.Warn().Err(err).Str("booking_id", booking.ID).
			Str("phone", phone.Mask(payPhone)).Msg("stk push failed")
		c.sendText(ctx, phoneNum, "We couldn't reach M-Pesa just now. Please pick a payment method again.")
		c.sessions.Update(ctx, phoneNum, model.StateAwaitingPaymentMethod, nil)
		return
	}

	c.sendText(ctx, phoneNum, fmt.Sprintf(
		"Check your phone 📲 — an M-Pesa prompt for KES %s (%s, %s) is on its way. Enter your PIN to complete the purchase.",
		booking.TotalAmount.String(), tw.Event.Title, tw.Tier.Name))
	c.sessions.Update(ctx, phoneNum, model.StateAwaitingSTKPush,
		map[string]string{model.DataTempBookingID: booking.ID})
}

func (c *Conversation) startCardPayment(ctx context.Context, user *model.User, sess model.Session) {
	phoneNum := user.PhoneNumber
	booking, tw, ok := c.createBooking(ctx, user, sess, model.PaymentCard, phoneNum)
	if !ok {
		return
	}

	description := fmt.Sprintf("%s — %s × %d", tw.Event.Title, tw.Tier.Name, booking.Quantity)
	link, err := c.hosted.GetPaymentLink(ctx, booking, description)
	if err != nil {
		c.log.Warn().Err(err).Str("booking_id", booking.ID).Msg("payment link failed")
		c.sendText(ctx, phoneNum, "We couldn't set up the card payment just now. Please pick a payment method again.")
		return
	}

	msg := fmt.Sprintf("Complete your card payment of KES %s here:\n%s",
		booking.TotalAmount.String(), link)
	if c.botPhone != "" {
		msg += fmt.Sprintf("\n\nWhen you're done, tap here to come back: https://wa.me/%s", c.botPhone)
	}
	msg += "\n\nWe'll send your tickets in this chat once payment is confirmed."
	c.sendText(ctx, phoneNum, msg)
	c.sessions.Clear(ctx, phoneNum)
}

// createBooking gathers the session inputs into a pending booking.
// Returns ok=false after messaging the user about any problem.
func (c *Conversation) createBooking(ctx context.Context, user *model.User, sess model.Session, method model.PaymentMethod, payPhone string) (*model.Booking, *model.TierWithEvent, bool) {
	phoneNum := user.PhoneNumber

	qty, err := strconv.Atoi(sess.Data[model.DataQuantity])
	if err != nil {
		c.internalError(ctx, phoneNum, fmt.Errorf("session quantity %q: %w", sess.Data[model.DataQuantity], err))
		return nil, nil, false
	}
	tw, err := c.catalog.GetTierWithEvent(ctx, sess.Data[model.DataTierID])
	if err != nil {
		c.internalError(ctx, phoneNum, err)
		return nil, nil, false
	}

	booking, err := c.engine.CreatePending(ctx, user.ID, &tw.Tier, qty, method, payPhone)
	if err != nil {
		c.internalError(ctx, phoneNum, err)
		return nil, nil, false
	}
	return booking, tw, true
}

// ─── Outbound helpers ───────────────────────────────────────

// sendCategoryMenu sends the category list unless one went out to this
// phone within the cooldown. force bypasses the guard for explicit
// retries (global commands, back buttons).
func (c *Conversation) sendCategoryMenu(ctx context.Context, phoneNum string, force bool) {
	c.menuMu.Lock()
	last, seen := c.lastMenu[phoneNum]
	now := time.Now()
	if !force && seen && now.Sub(last) < menuCooldown {
		c.menuMu.Unlock()
		return
	}
	c.lastMenu[phoneNum] = now
	c.menuMu.Unlock()

	rows := make([]whatsapp.Row, 0, len(model.Categories))
	for _, cat := range model.Categories {
		rows = append(rows, whatsapp.Row{
			ID:    string(cat),
			Title: categoryTitle(cat),
		})
	}
	err := c.messenger.SendList(ctx, phoneNum,
		"Karibu! 🎫 What kind of event are you looking for?",
		"Browse events",
		[]whatsapp.Section{{Title: "Categories", Rows: rows}})
	if err != nil {
		c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("category menu failed")
	}
}

func (c *Conversation) sendEventList(ctx context.Context, phoneNum, category string, events []model.Event) {
	rows := make([]whatsapp.Row, 0, len(events)+1)
	for _, e := range events {
		rows = append(rows, whatsapp.Row{
			ID:          e.ID,
			Title:       e.Title,
			Description: fmt.Sprintf("%s · %s", e.StartTime.Format("Mon 2 Jan"), e.Venue),
		})
	}
	rows = appendBackRow(rows)

	body := fmt.Sprintf("Upcoming %s events:", strings.ToLower(category))
	if len(events) == 0 {
		body = fmt.Sprintf("No upcoming %s events right now. Check another category!", strings.ToLower(category))
	}
	err := c.messenger.SendList(ctx, phoneNum, body, "Pick an event",
		[]whatsapp.Section{{Title: "Events", Rows: rows}})
	if err != nil {
		c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("event list failed")
	}
}

func (c *Conversation) sendTierList(ctx context.Context, phoneNum string, ev *model.EventWithTiers) {
	rows := make([]whatsapp.Row, 0, len(ev.Tiers)+1)
	for _, t := range ev.Tiers {
		if t.Available() <= 0 {
			continue
		}
		rows = append(rows, whatsapp.Row{
			ID:          t.ID,
			Title:       t.Name,
			Description: fmt.Sprintf("KES %s · %d left", t.Price.String(), t.Available()),
		})
	}
	rows = appendBackRow(rows)

	err := c.messenger.SendList(ctx, phoneNum,
		fmt.Sprintf("%s\n📅 %s\n📍 %s\n\nPick a ticket type:",
			ev.Event.Title, ev.Event.StartTime.Format("Mon, 2 Jan 2006 3:04 PM"), ev.Event.Venue),
		"Ticket types",
		[]whatsapp.Section{{Title: "Tickets", Rows: rows}})
	if err != nil {
		c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("tier list failed")
	}
}

func (c *Conversation) sendText(ctx context.Context, phoneNum, text string) {
	if err := c.messenger.SendText(ctx, phoneNum, text); err != nil {
		c.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("text send failed")
	}
}

func (c *Conversation) internalError(ctx context.Context, phoneNum string, err error) {
	c.log.Error().Err(err).Str("phone", phone.Mask(phoneNum)).Msg("conversation step failed")
	c.sendText(ctx, phoneNum, "Something went wrong on our side. Type 'menu' to start over.")
}

// appendBackRow adds the back-navigation row, dropping trailing content
// rows first so it survives the platform's list cap.
func appendBackRow(rows []whatsapp.Row) []whatsapp.Row {
	if len(rows) > whatsapp.MaxListRows-1 {
		rows = rows[:whatsapp.MaxListRows-1]
	}
	return append(rows, whatsapp.Row{ID: idBackToCategories, Title: "« Categories"})
}

// ─── Small helpers ──────────────────────────────────────────

func eventOnSale(ev *model.EventWithTiers) bool {
	if ev == nil || !ev.Event.IsActive || !ev.Event.StartTime.After(time.Now()) {
		return false
	}
	for _, t := range ev.Tiers {
		if t.Available() > 0 {
			return true
		}
	}
	return false
}

func categoryTitle(c model.EventCategory) string {
	s := strings.ToLower(string(c))
	return strings.ToUpper(s[:1]) + s[1:]
}
