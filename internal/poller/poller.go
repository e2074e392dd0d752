// Package poller drives the job store: a cron tick claims due jobs and runs
// them with bounded parallelism, a slower tick purges terminal rows, and a
// third tick posts an aggregate status report to the ops chat.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/notify"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

// Executor is the single-attempt unit of work the poller drives.
type Executor interface {
	Execute(ctx context.Context, j jobs.Job) error
}

type Config struct {
	SweepInterval   time.Duration // default 60s
	CleanupInterval time.Duration // default 1h
	ReportInterval  time.Duration // default 6h
	BatchSize       int           // default 50
	Workers         int           // default 4
	RetryMax        int           // default 2
	RetryBackoff    time.Duration // default 5m
	Retention       time.Duration // default 7d
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 6 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Poller struct {
	mu  sync.Mutex
	cfg Config

	store storage.JobStore
	exec  Executor
	d     *notify.Dispatcher
	log   logx.Logger
	now   func() time.Time

	c       *cron.Cron
	stopCh  chan struct{}
	sweepMu sync.Mutex // one sweep at a time in this process; claims make overlap safe anyway
}

type Option func(*Poller)

// WithClock overrides the poller's time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(cfg Config, store storage.JobStore, exec Executor, d *notify.Dispatcher, log logx.Logger, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		d:     d,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return nil
	}
	p.stopCh = make(chan struct{})

	p.c = cron.New()
	specs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"sweep", fmt.Sprintf("@every %s", p.cfg.SweepInterval), p.Sweep},
		{"cleanup", fmt.Sprintf("@every %s", p.cfg.CleanupInterval), p.cleanup},
		{"report", fmt.Sprintf("@every %s", p.cfg.ReportInterval), p.report},
	}
	for _, s := range specs {
		fn := s.fn
		if _, err := p.c.AddFunc(s.spec, func() { fn(ctx) }); err != nil {
			p.stopCh = nil
			p.c = nil
			return fmt.Errorf("poller: add %s tick: %w", s.name, err)
		}
	}
	p.c.Start()
	p.log.Info("poller started",
		logx.Duration("sweep", p.cfg.SweepInterval),
		logx.Int("batch", p.cfg.BatchSize),
		logx.Int("workers", p.cfg.Workers))
	return nil
}

func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	c := p.c
	p.c = nil
	p.mu.Unlock()

	if c != nil {
		// Stop() returns a context that is done once running jobs finish.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	p.log.Info("poller stopped")
}

// Sweep claims up to BatchSize due jobs and executes them with bounded
// parallelism. One job's failure never aborts the batch. Exported so the
// engine can force an immediate pass (ops/tests).
func (p *Poller) Sweep(ctx context.Context) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	now := p.now()
	claimed, err := p.store.ClaimDueJobs(ctx, now, p.cfg.BatchSize)
	if err != nil {
		p.log.Error("claim failed", logx.Err(err))
		// Fall through: jobs claimed before the error still have to finish,
		// or they would sit in executing forever.
	}
	if len(claimed) == 0 {
		return
	}
	p.log.Debug("claimed due jobs", logx.Int("count", len(claimed)))

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, j := range claimed {
		j := j
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.runOne(ctx, j)
		}()
	}
	wg.Wait()
}

func (p *Poller) runOne(ctx context.Context, j jobs.Job) {
	start := p.now()
	err := p.exec.Execute(ctx, j)
	if err == nil {
		if merr := p.store.MarkExecuted(ctx, j.ID); merr != nil {
			p.log.Error("mark executed failed", logx.String("job_id", j.ID), logx.Err(merr))
		}
		p.log.Debug("job executed",
			logx.String("job_id", j.ID),
			logx.String("kind", string(j.Kind)),
			logx.Duration("took", p.now().Sub(start)))
		return
	}

	if j.RetryCount < p.cfg.RetryMax {
		at := p.now().Add(p.cfg.RetryBackoff)
		if rerr := p.store.Reschedule(ctx, j.ID, at, j.RetryCount+1, err.Error()); rerr != nil {
			p.log.Error("reschedule failed", logx.String("job_id", j.ID), logx.Err(rerr))
			return
		}
		p.log.Warn("job failed, retry scheduled",
			logx.String("job_id", j.ID),
			logx.String("kind", string(j.Kind)),
			logx.Int("attempt", j.RetryCount+1),
			logx.Time("next_at", at),
			logx.Err(err))
		return
	}

	if merr := p.store.MarkFailed(ctx, j.ID, err.Error()); merr != nil {
		p.log.Error("mark failed failed", logx.String("job_id", j.ID), logx.Err(merr))
		return
	}
	// A recipient error (chat gone, bot blocked) never resolves on its own;
	// tell staff once, when the retries are spent.
	if p.d != nil && !transport.Retryable(err) {
		p.d.AlertDeliveryFailure(ctx, j.TargetID, j.UserID, err)
	}
	p.log.Error("job failed permanently",
		logx.String("job_id", j.ID),
		logx.String("kind", string(j.Kind)),
		logx.Int("retries", j.RetryCount),
		logx.Err(err))
}

// cleanup purges terminal jobs older than the retention window. Failed jobs
// stay visible for the whole window for operator follow-up.
func (p *Poller) cleanup(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.Retention)
	n, err := p.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		p.log.Error("cleanup failed", logx.Err(err))
		return
	}
	if n > 0 {
		p.log.Info("terminal jobs purged", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
}

// report posts counts by status and kind to the ops chat.
func (p *Poller) report(ctx context.Context) {
	st, err := p.store.JobStats(ctx)
	if err != nil {
		p.log.Error("stats failed", logx.Err(err))
		return
	}
	if p.d == nil {
		return
	}
	if _, err := p.d.SendOps(ctx, renderStats(st)); err != nil {
		p.log.Warn("ops report not delivered", logx.Err(err))
	}
}

func renderStats(st storage.JobStats) tghtml.H {
	parts := []tghtml.H{
		tghtml.B("Notification jobs"),
		tghtml.Esc(fmt.Sprintf("Total: %d", st.Total)),
	}

	statuses := make([]string, 0, len(st.ByStatus))
	for s := range st.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		parts = append(parts, tghtml.Esc(fmt.Sprintf("  %s: %d", s, st.ByStatus[jobs.Status(s)])))
	}

	kinds := make([]string, 0, len(st.ByKind))
	for k := range st.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		parts = append(parts, tghtml.Esc(fmt.Sprintf("  %s: %d", k, st.ByKind[jobs.Kind(k)])))
	}
	return tghtml.Lines(parts...)
}
