// Package engine is the public surface of the notification system: the
// surrounding storefront calls it on order transitions and account events,
// everything behind it (rules, scheduler, durable poller, fast queue) is
// wiring detail.
package engine

import (
	"context"
	"fmt"

	"github.com/osama-agency/telesklad-sub000/internal/fastqueue"
	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/notify"
	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/internal/scheduler"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

type Engine struct {
	store storage.Store
	rules *notify.Rules
	sched *scheduler.Scheduler
	fast  *fastqueue.Queue // nil when the fast path is disabled
	log   logx.Logger
}

func New(store storage.Store, rules *notify.Rules, sched *scheduler.Scheduler, fast *fastqueue.Queue, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, rules: rules, sched: sched, fast: fast, log: log}
}

// OnOrderStatusChanged applies a status transition: persists it, fires the
// notification rules synchronously, and adjusts follow-up jobs. A move into
// unpaid arms the reminder chain; leaving unpaid or overdue disarms it.
func (e *Engine) OnOrderStatusChanged(ctx context.Context, orderID int64, status orders.Status, upd orders.StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("engine: unknown order status %q", status)
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %d: %w", orderID, err)
	}
	prev := o.Status
	if prev == status {
		return nil
	}
	updated, err := e.store.UpdateOrderStatus(ctx, orderID, status, upd)
	if err != nil {
		return fmt.Errorf("engine: update order %d: %w", orderID, err)
	}

	if status == orders.StatusUnpaid {
		if err := e.sched.ScheduleUnpaidOrderFollowups(ctx, updated); err != nil {
			e.log.Error("followup scheduling failed", logx.Int64("order_id", orderID), logx.Err(err))
		}
	} else if prev == orders.StatusUnpaid || prev == orders.StatusOverdue {
		if n, err := e.sched.CancelFollowups(ctx, orderID); err != nil {
			e.log.Error("followup cancel failed", logx.Int64("order_id", orderID), logx.Err(err))
		} else if n > 0 {
			e.log.Debug("followups cancelled", logx.Int64("order_id", orderID), logx.Int64("count", n))
		}
	}

	return e.rules.OnTransition(ctx, updated, prev)
}

// CreateOrder persists a new order and, when it starts unpaid, arms the
// payment follow-up chain and sends the initial report.
func (e *Engine) CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	created, err := e.store.CreateOrder(ctx, o)
	if err != nil {
		return orders.Order{}, fmt.Errorf("engine: create order: %w", err)
	}
	if created.Status == orders.StatusUnpaid {
		if err := e.sched.ScheduleUnpaidOrderFollowups(ctx, created); err != nil {
			e.log.Error("followup scheduling failed", logx.Int64("order_id", created.ID), logx.Err(err))
		}
	}
	if err := e.rules.OnTransition(ctx, created, ""); err != nil {
		return created, err
	}
	return created, nil
}

// ScheduleUnpaidOrderFollowups arms the payment escalation triad for an
// order created outside this engine (e.g. imported by the storefront).
func (e *Engine) ScheduleUnpaidOrderFollowups(ctx context.Context, orderID int64) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %d: %w", orderID, err)
	}
	return e.sched.ScheduleUnpaidOrderFollowups(ctx, o)
}

// CancelFollowups cancels the pending payment jobs for an order paid or
// cancelled out of band.
func (e *Engine) CancelFollowups(ctx context.Context, orderID int64) (int64, error) {
	return e.sched.CancelFollowups(ctx, orderID)
}

// NotifyRestock fans a restock notice out to every subscriber of a product.
func (e *Engine) NotifyRestock(ctx context.Context, productID int64, productName string) (int, error) {
	return e.sched.ScheduleRestockFanout(ctx, productID, productName)
}

// NotifyBonus tells a user about a bonus credit. With the fast queue it goes
// out near-instantly; without one it becomes a durable near-term job the
// poller picks up.
func (e *Engine) NotifyBonus(ctx context.Context, userID int64, amount float64, reason string) error {
	if e.fast != nil {
		j := e.sched.BuildImmediate(jobs.KindBonusNotice, userID, userID, jobs.BonusPayload{Amount: amount, Reason: reason})
		return e.fast.Enqueue(ctx, j)
	}
	_, err := e.sched.ScheduleBonusNotice(ctx, userID, amount, reason)
	return err
}

// NotifyTierChange tells a user their account tier changed. Routing matches
// NotifyBonus.
func (e *Engine) NotifyTierChange(ctx context.Context, userID int64, tier string) error {
	if e.fast != nil {
		j := e.sched.BuildImmediate(jobs.KindAccountTierNotice, userID, userID, jobs.TierPayload{Tier: tier})
		return e.fast.Enqueue(ctx, j)
	}
	_, err := e.sched.ScheduleTierNotice(ctx, userID, tier)
	return err
}

// Subscribe registers a user for restock notices on a product.
func (e *Engine) Subscribe(ctx context.Context, userID, productID int64) error {
	return e.store.AddSubscription(ctx, userID, productID)
}

// JobStats reports queue depth by status and kind.
func (e *Engine) JobStats(ctx context.Context) (storage.JobStats, error) {
	return e.store.JobStats(ctx)
}
