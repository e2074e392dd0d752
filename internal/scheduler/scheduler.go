// Package scheduler turns business events into durable jobs. It never sends
// anything itself; it only writes future-dated rows for the poller to claim.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/internal/settings"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

// Delays are the configured fallbacks. The triad delays can be overridden at
// runtime through the settings table; they are resolved at schedule time, not
// baked in, so operators can tune escalation without a deploy.
type Delays struct {
	ReminderFirst time.Duration // default 48h
	ReminderFinal time.Duration // default 51h
	AutoCancel    time.Duration // default 72h
	Bonus         time.Duration // default 10s
	Restock       time.Duration // default 5s
	Tier          time.Duration // default 10s
}

// withDefaults fills zero fields with the stock escalation timing.
func (d Delays) withDefaults() Delays {
	if d.ReminderFirst <= 0 {
		d.ReminderFirst = 48 * time.Hour
	}
	if d.ReminderFinal <= 0 {
		d.ReminderFinal = 51 * time.Hour
	}
	if d.AutoCancel <= 0 {
		d.AutoCancel = 72 * time.Hour
	}
	if d.Bonus <= 0 {
		d.Bonus = 10 * time.Second
	}
	if d.Restock <= 0 {
		d.Restock = 5 * time.Second
	}
	if d.Tier <= 0 {
		d.Tier = 10 * time.Second
	}
	return d
}

type Scheduler struct {
	store    storage.JobStore
	subs     storage.SubscriptionStore
	settings *settings.Cache
	delays   Delays
	now      func() time.Time
	log      logx.Logger
}

type Option func(*Scheduler)

// WithClock overrides the scheduler's time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store storage.JobStore, subs storage.SubscriptionStore, st *settings.Cache, delays Delays, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:    store,
		subs:     subs,
		settings: st,
		delays:   delays.withDefaults(),
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleUnpaidOrderFollowups writes the escalation triad for a fresh order
// in one transaction: first reminder, final warning, auto-cancel. The payload
// snapshots the order as it is now; executors re-check live state themselves.
func (s *Scheduler) ScheduleUnpaidOrderFollowups(ctx context.Context, o orders.Order) error {
	now := s.now()
	payload := jobs.PaymentPayload{OrderID: o.ID, Total: o.Total}

	triad := []jobs.Job{
		s.newJob(jobs.KindPaymentReminderFirst, o.ID, o.UserID,
			now.Add(s.delay(ctx, settings.KeyReminderFirstDelay, s.delays.ReminderFirst)), payload),
		s.newJob(jobs.KindPaymentReminderFinal, o.ID, o.UserID,
			now.Add(s.delay(ctx, settings.KeyReminderFinalDelay, s.delays.ReminderFinal)), payload),
		s.newJob(jobs.KindPaymentAutoCancel, o.ID, o.UserID,
			now.Add(s.delay(ctx, settings.KeyAutoCancelDelay, s.delays.AutoCancel)), payload),
	}
	if err := s.store.CreateJobs(ctx, triad...); err != nil {
		return err
	}
	s.log.Info("unpaid followups scheduled",
		logx.Int64("order_id", o.ID), logx.Int64("user_id", o.UserID))
	return nil
}

// CancelFollowups cancels every still-pending job in the payment family for
// the order. Jobs a poller already claimed run to completion; their own live
// status re-check makes them harmless.
func (s *Scheduler) CancelFollowups(ctx context.Context, orderID int64) (int64, error) {
	n, err := s.store.CancelPending(ctx, orderID, jobs.PaymentKinds...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("followups cancelled", logx.Int64("order_id", orderID), logx.Int64("count", n))
	}
	return n, nil
}

// ScheduleRestockFanout creates one restock-notice job per current
// subscriber. The executor consumes the subscription after a successful send,
// so a second fan-out for the same restock finds no subscribers left.
func (s *Scheduler) ScheduleRestockFanout(ctx context.Context, productID int64, productName string) (int, error) {
	subs, err := s.subs.ListSubscribers(ctx, productID)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	at := s.now().Add(s.delays.Restock)
	payload := jobs.RestockPayload{ProductID: productID, ProductName: productName}
	js := make([]jobs.Job, 0, len(subs))
	for _, uid := range subs {
		js = append(js, s.newJob(jobs.KindRestockNotice, productID, uid, at, payload))
	}
	if err := s.store.CreateJobs(ctx, js...); err != nil {
		return 0, err
	}
	s.log.Info("restock fanout scheduled",
		logx.Int64("product_id", productID), logx.Int("subscribers", len(js)))
	return len(js), nil
}

// ScheduleBonusNotice schedules a near-term bonus notification.
func (s *Scheduler) ScheduleBonusNotice(ctx context.Context, userID int64, amount float64, reason string) (jobs.Job, error) {
	j := s.newJob(jobs.KindBonusNotice, userID, userID,
		s.now().Add(s.delays.Bonus), jobs.BonusPayload{Amount: amount, Reason: reason})
	return j, s.store.CreateJobs(ctx, j)
}

// ScheduleTierNotice schedules an account tier upgrade notification.
func (s *Scheduler) ScheduleTierNotice(ctx context.Context, userID int64, tier string) (jobs.Job, error) {
	j := s.newJob(jobs.KindAccountTierNotice, userID, userID,
		s.now().Add(s.delays.Tier), jobs.TierPayload{Tier: tier})
	return j, s.store.CreateJobs(ctx, j)
}

// BuildImmediate returns a job shaped for the fast path: due now, never
// persisted by the scheduler itself.
func (s *Scheduler) BuildImmediate(kind jobs.Kind, targetID, userID int64, payload jobs.Payload) jobs.Job {
	return s.newJob(kind, targetID, userID, s.now(), payload)
}

func (s *Scheduler) delay(ctx context.Context, key string, def time.Duration) time.Duration {
	if s.settings == nil {
		return def
	}
	return s.settings.Duration(ctx, key, def)
}

func (s *Scheduler) newJob(kind jobs.Kind, targetID, userID int64, at time.Time, payload jobs.Payload) jobs.Job {
	return jobs.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		TargetID:    targetID,
		UserID:      userID,
		ScheduledAt: at,
		Status:      jobs.StatusPending,
		Payload:     payload,
		CreatedAt:   s.now(),
	}
}
