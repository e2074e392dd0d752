package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

// Rules maps an order status transition to outbound messages. It is a pure
// dispatch table over the new status; all I/O happens through the Dispatcher
// and the order store (for last-message bookkeeping).
type Rules struct {
	d      *Dispatcher
	orders storage.OrderStore
	log    logx.Logger
}

func NewRules(d *Dispatcher, os storage.OrderStore, log logx.Logger) *Rules {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rules{d: d, orders: os, log: log}
}

// report is the set of directives one transition produces.
type report struct {
	staffRole    Role
	staffText    tghtml.H
	staffButtons [][]transport.Button

	customerText    tghtml.H
	customerButtons [][]transport.Button
}

// OnTransition reacts to a committed status write on an order.
// Re-processing the same write (previous == current status) is a no-op.
func (r *Rules) OnTransition(ctx context.Context, o orders.Order, prev orders.Status) error {
	if prev == o.Status {
		r.log.Debug("transition already processed",
			logx.Int64("order_id", o.ID), logx.String("status", string(o.Status)))
		return nil
	}

	rep, ok := r.compose(o)
	if !ok {
		// Statuses with no directives (e.g. delivered) fall through silently.
		return nil
	}
	return r.sendReport(ctx, o, rep)
}

func (r *Rules) compose(o orders.Order) (report, bool) {
	id := o.ID
	total := fmt.Sprintf("%.2f", o.Total)

	switch o.Status {
	case orders.StatusUnpaid:
		return report{
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d", id)),
				tghtml.Esc(fmt.Sprintf("Amount due: %s. Pay by card or transfer and confirm below.", total)),
			),
			customerButtons: [][]transport.Button{{
				{Text: "I paid", Callback: fmt.Sprintf("order:paid:%d", id)},
			}},
		}, true

	case orders.StatusPaid:
		return report{
			staffRole: RoleAdmin,
			staffText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d awaiting confirmation", id)),
				tghtml.Esc(fmt.Sprintf("Customer reported payment of %s. Please verify.", total)),
			),
			staffButtons: [][]transport.Button{{
				{Text: "Approve", Callback: fmt.Sprintf("order:approve:%d", id)},
				{Text: "Reject", Callback: fmt.Sprintf("order:reject:%d", id)},
			}},
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d", id)),
				tghtml.Esc("We are verifying your payment. You will get a confirmation shortly."),
			),
		}, true

	case orders.StatusProcessing:
		return report{
			staffRole: RoleCourier,
			staffText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d ready to ship", id)),
				tghtml.Esc("Please ship and attach the tracking number."),
			),
			staffButtons: [][]transport.Button{{
				{Text: "Attach tracking number", Callback: fmt.Sprintf("order:track:%d", id)},
			}},
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d", id)),
				tghtml.Esc("Payment confirmed. We are preparing your shipment."),
			),
		}, true

	case orders.StatusShipped:
		return report{
			staffRole: RoleCourier,
			staffText: tghtml.Esc(fmt.Sprintf("Order #%d marked shipped, tracking %s.", id, o.TrackingNumber)),
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d is on its way", id)),
				tghtml.JoinH(" ", tghtml.Esc("Tracking number:"), tghtml.Code(o.TrackingNumber)),
			),
		}, true

	case orders.StatusCancelled:
		return report{
			staffRole: RoleAdmin,
			staffText: tghtml.Esc(fmt.Sprintf("Order #%d was cancelled.", id)),
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d cancelled", id)),
				tghtml.Esc("The order was cancelled. Contact support if this is unexpected."),
			),
		}, true

	case orders.StatusRefunded:
		return report{
			staffRole: RoleAdmin,
			staffText: tghtml.Esc(fmt.Sprintf("Order #%d refunded (%s).", id, total)),
		}, true

	case orders.StatusOverdue:
		return report{
			customerText: tghtml.Lines(
				tghtml.B(fmt.Sprintf("Order #%d", id)),
				tghtml.Esc("Final notice: the order is still unpaid and will be cancelled soon."),
			),
		}, true
	}
	return report{}, false
}

// sendReport delivers one transition's directives in a fixed order:
//  1. staff message (so staff keep context even if the customer send fails)
//  2. best-effort retraction of the previous customer message
//  3. customer message
//  4. persist the new last message id
//
// A snapshot whose last_outbound_message_id no longer matches the stored row
// means this transition was already handled (for example a retried job racing
// a synchronous send); the report is skipped and counts as success.
func (r *Rules) sendReport(ctx context.Context, o orders.Order, rep report) error {
	cur, err := r.orders.GetOrder(ctx, o.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("order %d vanished: %w", o.ID, err)
		}
		return err
	}
	if cur.LastMessageID != o.LastMessageID {
		r.log.Debug("stale transition snapshot, skipping report",
			logx.Int64("order_id", o.ID),
			logx.Int("snapshot_msg", o.LastMessageID),
			logx.Int("stored_msg", cur.LastMessageID))
		return nil
	}

	if rep.staffText != "" {
		var serr error
		switch rep.staffRole {
		case RoleCourier:
			_, serr = r.d.SendCourier(ctx, rep.staffText, rep.staffButtons)
		default:
			_, serr = r.d.SendAdmin(ctx, rep.staffText, rep.staffButtons)
		}
		if serr != nil {
			// Staff alerts are not allowed to block the customer path.
			r.log.Warn("staff notification failed",
				logx.Int64("order_id", o.ID), logx.String("role", string(rep.staffRole)), logx.Err(serr))
		}
	}

	if rep.customerText == "" {
		return nil
	}

	if cur.LastMessageID != 0 {
		ref := transport.MessageRef{ChatID: cur.UserID, MessageID: cur.LastMessageID}
		if derr := r.d.Delete(ctx, RoleCustomer, ref); derr != nil {
			r.log.Debug("previous customer message not retracted",
				logx.Int64("order_id", o.ID), logx.Int("message_id", cur.LastMessageID), logx.Err(derr))
		}
	}

	ref, err := r.d.Send(ctx, RoleCustomer, cur.UserID, rep.customerText, rep.customerButtons)
	if err != nil {
		r.d.AlertDeliveryFailure(ctx, o.ID, cur.UserID, err)
		return err
	}

	if err := r.orders.SetLastMessageID(ctx, o.ID, ref.MessageID); err != nil {
		// The message went out; losing the bookkeeping only costs one stale
		// retraction later. Log it, don't fail the transition.
		r.log.Warn("last message id not persisted",
			logx.Int64("order_id", o.ID), logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
	return nil
}
