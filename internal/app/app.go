// Package app wires configuration, storage, transport and the notification
// services into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/osama-agency/telesklad-sub000/internal/config"
	"github.com/osama-agency/telesklad-sub000/internal/engine"
	"github.com/osama-agency/telesklad-sub000/internal/executor"
	"github.com/osama-agency/telesklad-sub000/internal/fastqueue"
	"github.com/osama-agency/telesklad-sub000/internal/notify"
	"github.com/osama-agency/telesklad-sub000/internal/poller"
	"github.com/osama-agency/telesklad-sub000/internal/runtime/supervisor"
	"github.com/osama-agency/telesklad-sub000/internal/scheduler"
	"github.com/osama-agency/telesklad-sub000/internal/settings"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/internal/transport/telegram"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store

	settings *settings.Cache
	disp     *notify.Dispatcher
	rules    *notify.Rules
	exec     *executor.Executor
	sched    *scheduler.Scheduler
	poll     *poller.Poller
	fast     *fastqueue.Queue
	engine   *engine.Engine
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgm: cfgm, log: log, logs: logSvc}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	customer, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Customer.Token,
		RatePerSec: cfg.Telegram.Customer.RatePerSec,
	}, a.log.With(logx.String("comp", "tg.customer")))
	if err != nil {
		return fmt.Errorf("customer bot: %w", err)
	}
	staff, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Staff.Token,
		RatePerSec: cfg.Telegram.Staff.RatePerSec,
	}, a.log.With(logx.String("comp", "tg.staff")))
	if err != nil {
		return fmt.Errorf("staff bot: %w", err)
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	cacheTTL, err := config.ParseDurationOrDefault("settings.cache_ttl", cfg.Settings.CacheTTL, time.Minute)
	if err != nil {
		return err
	}
	a.settings = settings.NewCache(store, cacheTTL)

	a.disp = notify.NewDispatcher(customer, staff, notify.Recipients{
		AdminChatID:   cfg.Recipients.AdminChatID,
		CourierChatID: cfg.Recipients.CourierChatID,
		OpsChatID:     cfg.Recipients.OpsChatID,
	}, a.log.With(logx.String("comp", "notify")))

	a.rules = notify.NewRules(a.disp, store, a.log.With(logx.String("comp", "rules")))
	a.exec = executor.New(a.disp, a.rules, store, store, a.log.With(logx.String("comp", "executor")))

	delays, err := mapDelays(cfg.Escalation)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(store, store, a.settings, delays, a.log.With(logx.String("comp", "scheduler")))

	pollCfg, err := mapPollerConfig(cfg.Poller)
	if err != nil {
		return err
	}
	a.poll = poller.New(pollCfg, store, a.exec, a.disp, a.log.With(logx.String("comp", "poller")))

	if fq := cfg.FastQueue; fq != nil && fq.Enabled {
		drain, err := config.ParseDurationOrDefault("fast_queue.drain_interval", fq.DrainInterval, time.Second)
		if err != nil {
			return err
		}
		a.fast = fastqueue.New(fastqueue.Config{
			Addr:          fq.RedisAddr,
			KeyPrefix:     fq.KeyPrefix,
			DrainInterval: drain,
			RetryMax:      fq.RetryMax,
		}, a.exec, a.log.With(logx.String("comp", "fastqueue")))
	}

	a.engine = engine.New(store, a.rules, a.sched, a.fast, a.log.With(logx.String("comp", "engine")))
	return nil
}

// Engine exposes the notification entrypoints to the embedding storefront.
func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	if err := a.poll.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.fast != nil {
		a.fast.Start(a.sup.Context())
	}
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.watchConfig)

	a.log.Info("engine started", logx.Bool("fast_queue", a.fast != nil))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.poll != nil {
		a.poll.Stop(ctx)
	}
	if a.fast != nil {
		a.fast.Stop()
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("storage close", logx.Err(cerr))
		}
	}
	a.log.Info("engine stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return err
}

// watchConfig applies hot-reloadable settings on config change. Bot tokens,
// storage path and queue topology need a restart; logging, escalation delays
// and the settings cache pick up the new values live.
func (a *App) watchConfig(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	// Delay overrides live in the settings table; dropping the cache makes a
	// changed escalation default visible on the next schedule.
	a.settings.InvalidateAll()
	a.log.Info("config reloaded")
}

func mapDelays(e config.EscalationConfig) (scheduler.Delays, error) {
	var d scheduler.Delays
	var err error
	if d.ReminderFirst, err = config.ParseDurationOrDefault("escalation.reminder_first", e.ReminderFirst, 48*time.Hour); err != nil {
		return d, err
	}
	if d.ReminderFinal, err = config.ParseDurationOrDefault("escalation.reminder_final", e.ReminderFinal, 51*time.Hour); err != nil {
		return d, err
	}
	if d.AutoCancel, err = config.ParseDurationOrDefault("escalation.auto_cancel", e.AutoCancel, 72*time.Hour); err != nil {
		return d, err
	}
	if d.Bonus, err = config.ParseDurationOrDefault("escalation.bonus_delay", e.BonusDelay, 10*time.Second); err != nil {
		return d, err
	}
	if d.Restock, err = config.ParseDurationOrDefault("escalation.restock_delay", e.RestockDelay, 5*time.Second); err != nil {
		return d, err
	}
	if d.Tier, err = config.ParseDurationOrDefault("escalation.tier_delay", e.TierDelay, 10*time.Second); err != nil {
		return d, err
	}
	return d, nil
}

func mapPollerConfig(p config.PollerConfig) (poller.Config, error) {
	var c poller.Config
	var err error
	if c.SweepInterval, err = config.ParseDurationOrDefault("poller.sweep_interval", p.SweepInterval, time.Minute); err != nil {
		return c, err
	}
	if c.CleanupInterval, err = config.ParseDurationOrDefault("poller.cleanup_interval", p.CleanupInterval, time.Hour); err != nil {
		return c, err
	}
	if c.ReportInterval, err = config.ParseDurationOrDefault("poller.report_interval", p.ReportInterval, 6*time.Hour); err != nil {
		return c, err
	}
	if c.RetryBackoff, err = config.ParseDurationOrDefault("poller.retry_backoff", p.RetryBackoff, 5*time.Minute); err != nil {
		return c, err
	}
	if c.Retention, err = config.ParseDurationOrDefault("poller.retention", p.Retention, 7*24*time.Hour); err != nil {
		return c, err
	}
	c.BatchSize = p.BatchSize
	c.Workers = p.Workers
	c.RetryMax = p.RetryMax
	return c, nil
}
