package notify

import (
	"context"
	"fmt"

	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

// Role identifies who a message is for. The role decides which bot credential
// carries the message; the routing table here is the single owner of that
// decision.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleCourier  Role = "courier"
)

// Recipients holds the fixed staff chat ids from configuration.
type Recipients struct {
	AdminChatID   int64
	CourierChatID int64
	OpsChatID     int64 // defaults to AdminChatID when zero
}

func (r Recipients) ops() int64 {
	if r.OpsChatID != 0 {
		return r.OpsChatID
	}
	return r.AdminChatID
}

// Dispatcher sends one message to one recipient identity, selecting the bot
// credential by role. It has no local state beyond the routing table.
type Dispatcher struct {
	routes     map[Role]transport.Client
	recipients Recipients
	log        logx.Logger
}

func NewDispatcher(customer, staff transport.Client, rec Recipients, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		routes: map[Role]transport.Client{
			RoleCustomer: customer,
			RoleAdmin:    staff,
			RoleCourier:  staff,
		},
		recipients: rec,
		log:        log,
	}
}

// Send delivers html to the given chat through the bot assigned to role.
// The underlying client splits over-limit text into chunks; the returned ref
// is the last chunk's, which is what retraction bookkeeping needs.
func (d *Dispatcher) Send(ctx context.Context, role Role, chatID int64, html tghtml.H, buttons [][]transport.Button) (transport.MessageRef, error) {
	c, ok := d.routes[role]
	if !ok || c == nil {
		return transport.MessageRef{}, fmt.Errorf("no bot route for role %q", role)
	}
	opt := &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Buttons:        buttons,
	}
	return c.SendText(ctx, transport.ChatTarget{ChatID: chatID}, html.String(), opt)
}

// Delete retracts a previously sent message, best-effort.
func (d *Dispatcher) Delete(ctx context.Context, role Role, ref transport.MessageRef) error {
	c, ok := d.routes[role]
	if !ok || c == nil {
		return fmt.Errorf("no bot route for role %q", role)
	}
	return c.DeleteMessage(ctx, ref)
}

// SendAdmin sends to the configured admin chat via the staff bot.
func (d *Dispatcher) SendAdmin(ctx context.Context, html tghtml.H, buttons [][]transport.Button) (transport.MessageRef, error) {
	return d.Send(ctx, RoleAdmin, d.recipients.AdminChatID, html, buttons)
}

// SendCourier sends to the configured courier chat via the staff bot.
func (d *Dispatcher) SendCourier(ctx context.Context, html tghtml.H, buttons [][]transport.Button) (transport.MessageRef, error) {
	return d.Send(ctx, RoleCourier, d.recipients.CourierChatID, html, buttons)
}

// SendOps sends to the operational report chat via the staff bot.
func (d *Dispatcher) SendOps(ctx context.Context, html tghtml.H) (transport.MessageRef, error) {
	return d.Send(ctx, RoleAdmin, d.recipients.ops(), html, nil)
}

// AlertDeliveryFailure tells staff that a customer-facing send failed,
// naming the cause so "user blocked the bot" and "chat is gone" are
// distinguishable at a glance.
func (d *Dispatcher) AlertDeliveryFailure(ctx context.Context, orderID, chatID int64, cause error) {
	var what string
	switch transport.Classify(cause) {
	case transport.ErrorBotBlocked:
		what = "user blocked the bot"
	case transport.ErrorChatNotFound:
		what = "customer chat not found"
	case transport.ErrorRateLimited:
		what = "rate limited by Telegram"
	default:
		what = "delivery error"
	}
	text := tghtml.Lines(
		tghtml.B("Notification not delivered"),
		tghtml.Esc(fmt.Sprintf("Order #%d, chat %d: %s", orderID, chatID, what)),
		tghtml.Code(cause.Error()),
	)
	if _, err := d.SendAdmin(ctx, text, nil); err != nil {
		d.log.Error("admin alert failed", logx.Int64("order_id", orderID), logx.Err(err))
	}
}
