// Package executor performs the side effect of one due job. It is a
// single-attempt unit of work: retry and backoff policy belong to the caller
// (poller or fast-queue drain loop), which keeps both independently testable.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/notify"
	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

// TransitionHandler re-enters the order notification rules after the executor
// mutates an order (auto-cancel), so the customer hears about it through the
// normal channel.
type TransitionHandler interface {
	OnTransition(ctx context.Context, o orders.Order, prev orders.Status) error
}

type Executor struct {
	d      *notify.Dispatcher
	rules  TransitionHandler
	orders storage.OrderStore
	subs   storage.SubscriptionStore
	log    logx.Logger
}

func New(d *notify.Dispatcher, rules TransitionHandler, os storage.OrderStore, subs storage.SubscriptionStore, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{d: d, rules: rules, orders: os, subs: subs, log: log}
}

// Execute runs one job to completion. A nil return means the job is done,
// including the stale-state case where the world moved past the job's
// relevance; any error is handed back for the caller's retry decision.
func (e *Executor) Execute(ctx context.Context, j jobs.Job) error {
	switch j.Kind {
	case jobs.KindPaymentReminderFirst:
		return e.paymentReminder(ctx, j)
	case jobs.KindPaymentReminderFinal:
		return e.finalWarning(ctx, j)
	case jobs.KindPaymentAutoCancel:
		return e.autoCancel(ctx, j)
	case jobs.KindBonusNotice:
		return e.bonusNotice(ctx, j)
	case jobs.KindRestockNotice:
		return e.restockNotice(ctx, j)
	case jobs.KindAccountTierNotice:
		return e.tierNotice(ctx, j)
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

// paymentReminder sends the first nudge for an unpaid order. The live status
// re-check (not the payload snapshot) is what prevents a stale reminder from
// firing after the customer already paid.
func (e *Executor) paymentReminder(ctx context.Context, j jobs.Job) error {
	o, err := e.orders.GetOrder(ctx, j.TargetID)
	if err != nil {
		return fmt.Errorf("reminder: %w", err)
	}
	if o.Status != orders.StatusUnpaid {
		e.logStale(j, o.Status)
		return nil
	}

	text := tghtml.Lines(
		tghtml.B(fmt.Sprintf("Order #%d is waiting for payment", o.ID)),
		tghtml.Esc(fmt.Sprintf("Amount due: %.2f. Confirm once you have paid.", o.Total)),
	)
	buttons := [][]transport.Button{{
		{Text: "I paid", Callback: fmt.Sprintf("order:paid:%d", o.ID)},
	}}
	_, err = e.d.Send(ctx, notify.RoleCustomer, o.UserID, text, buttons)
	return err
}

// finalWarning escalates a still-unpaid order to overdue and routes the
// customer's final notice through the normal transition rules.
func (e *Executor) finalWarning(ctx context.Context, j jobs.Job) error {
	o, err := e.orders.GetOrder(ctx, j.TargetID)
	if err != nil {
		return fmt.Errorf("final warning: %w", err)
	}
	if o.Status != orders.StatusUnpaid {
		e.logStale(j, o.Status)
		return nil
	}

	updated, err := e.orders.UpdateOrderStatus(ctx, o.ID, orders.StatusOverdue, orders.StatusUpdate{})
	if err != nil {
		return fmt.Errorf("final warning: mark overdue: %w", err)
	}
	return e.rules.OnTransition(ctx, updated, o.Status)
}

// autoCancel cancels an order that is still unpaid (or already marked
// overdue by the final warning) and notifies through the normal channel.
func (e *Executor) autoCancel(ctx context.Context, j jobs.Job) error {
	o, err := e.orders.GetOrder(ctx, j.TargetID)
	if err != nil {
		return fmt.Errorf("auto-cancel: %w", err)
	}
	if o.Status != orders.StatusUnpaid && o.Status != orders.StatusOverdue {
		e.logStale(j, o.Status)
		return nil
	}

	updated, err := e.orders.UpdateOrderStatus(ctx, o.ID, orders.StatusCancelled, orders.StatusUpdate{})
	if err != nil {
		return fmt.Errorf("auto-cancel: %w", err)
	}
	e.log.Info("order auto-cancelled", logx.Int64("order_id", o.ID))
	return e.rules.OnTransition(ctx, updated, o.Status)
}

func (e *Executor) bonusNotice(ctx context.Context, j jobs.Job) error {
	p, ok := j.Payload.(jobs.BonusPayload)
	if !ok {
		return fmt.Errorf("bonus notice %s: bad payload %T", j.ID, j.Payload)
	}
	parts := []tghtml.H{
		tghtml.B("Bonus credited"),
		tghtml.Esc(fmt.Sprintf("You received %.2f bonus points.", p.Amount)),
	}
	if p.Reason != "" {
		parts = append(parts, tghtml.I(p.Reason))
	}
	text := tghtml.Lines(parts...)
	_, err := e.d.Send(ctx, notify.RoleCustomer, j.UserID, text, nil)
	return err
}

// restockNotice informs one subscriber and consumes the subscription, so a
// duplicate fan-out (or a retried job) cannot notify the same user twice.
func (e *Executor) restockNotice(ctx context.Context, j jobs.Job) error {
	p, ok := j.Payload.(jobs.RestockPayload)
	if !ok {
		return fmt.Errorf("restock notice %s: bad payload %T", j.ID, j.Payload)
	}
	text := tghtml.Lines(
		tghtml.B("Back in stock"),
		tghtml.Esc(fmt.Sprintf("%s is available again. First come, first served.", p.ProductName)),
	)
	if _, err := e.d.Send(ctx, notify.RoleCustomer, j.UserID, text, nil); err != nil {
		return err
	}
	if err := e.subs.RemoveSubscription(ctx, j.UserID, p.ProductID); err != nil {
		// The notice went out; a leftover subscription only risks one extra
		// notice on the next restock. Surface it but don't fail the job.
		e.log.Warn("subscription not consumed",
			logx.Int64("user_id", j.UserID), logx.Int64("product_id", p.ProductID), logx.Err(err))
	}
	return nil
}

func (e *Executor) tierNotice(ctx context.Context, j jobs.Job) error {
	p, ok := j.Payload.(jobs.TierPayload)
	if !ok {
		return fmt.Errorf("tier notice %s: bad payload %T", j.ID, j.Payload)
	}
	text := tghtml.Lines(
		tghtml.B("Account upgraded"),
		tghtml.Esc(fmt.Sprintf("Your account tier is now %s. Enjoy the perks.", p.Tier)),
	)
	_, err := e.d.Send(ctx, notify.RoleCustomer, j.UserID, text, nil)
	return err
}

func (e *Executor) logStale(j jobs.Job, cur orders.Status) {
	e.log.Debug("job is moot, order moved on",
		logx.String("job_id", j.ID),
		logx.String("kind", string(j.Kind)),
		logx.Int64("order_id", j.TargetID),
		logx.String("status", string(cur)))
}

// IsNotFound reports whether err is the storage missing-row case. The retry
// layer deliberately does not special-case it (an accepted simplification:
// business errors consume retry attempts like transport errors do), but the
// fast queue logs it at a lower level.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
