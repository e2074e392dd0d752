// Package fastqueue is a Redis-backed low-latency path for notices that do
// not need the durability of the sqlite job store (bonus credits, account
// tier changes). Producers push an envelope onto a list, a drain loop pops
// and executes. When Redis is down the queue degrades to inline execution,
// so the fast path never loses a notice, it only loses "fast".
package fastqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

// Executor runs a single queued notice. Shared with the durable poller.
type Executor interface {
	Execute(ctx context.Context, j jobs.Job) error
}

type Config struct {
	Addr          string
	KeyPrefix     string        // default "notify"
	DrainInterval time.Duration // default 1s
	RetryMax      int           // default 3, attempts before a notice is dropped
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "notify"
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	return c
}

// envelope is the wire form of a queued notice. Payload stays encoded until
// execution so the queue never depends on payload schemas.
type envelope struct {
	ID       string          `json:"id"`
	Kind     jobs.Kind       `json:"kind"`
	TargetID int64           `json:"target_id"`
	UserID   int64           `json:"user_id"`
	RunAt    time.Time       `json:"run_at"`
	Attempts int             `json:"attempts"`
	Payload  json.RawMessage `json:"payload"`
}

type Queue struct {
	cfg  Config
	rdb  *redis.Client
	exec Executor
	log  logx.Logger
	now  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(cfg Config, exec Executor, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:  cfg.withDefaults(),
		rdb:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		exec: exec,
		log:  log,
		now:  time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) key() string { return q.cfg.KeyPrefix + ":fast" }

// Enqueue pushes a notice onto the fast queue. If Redis is unreachable the
// notice is executed inline instead and the error, if any, is the execution
// error.
func (q *Queue) Enqueue(ctx context.Context, j jobs.Job) error {
	pl, err := jobs.EncodePayload(j.Payload)
	if err != nil {
		return fmt.Errorf("fastqueue: encode payload %s: %w", j.ID, err)
	}
	env := envelope{
		ID:       j.ID,
		Kind:     j.Kind,
		TargetID: j.TargetID,
		UserID:   j.UserID,
		RunAt:    j.ScheduledAt,
		Payload:  pl,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fastqueue: encode %s: %w", j.ID, err)
	}
	if err := q.rdb.RPush(ctx, q.key(), raw).Err(); err != nil {
		q.log.Warn("redis push failed, executing inline",
			logx.String("job_id", j.ID),
			logx.String("kind", string(j.Kind)),
			logx.Err(err))
		return q.exec.Execute(ctx, j)
	}
	q.log.Debug("notice enqueued", logx.String("job_id", j.ID), logx.String("kind", string(j.Kind)))
	return nil
}

// Start launches the drain loop. Stop waits for it to exit.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done != nil {
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.drainLoop(dctx, q.done)
}

func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := q.rdb.Close(); err != nil {
		q.log.Warn("redis close", logx.Err(err))
	}
}

func (q *Queue) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(q.cfg.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Drain(ctx)
		}
	}
}

// Drain pops and executes queued notices until the list is empty. Exported
// for tests and for a forced flush on shutdown.
func (q *Queue) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := q.rdb.LPop(ctx, q.key()).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			q.log.Warn("redis pop failed", logx.Err(err))
			return
		}
		if parked := q.handle(ctx, []byte(raw)); parked {
			// A not-yet-due entry went back to the tail; stop before the
			// loop pops it right back.
			return
		}
	}
}

// handle runs one popped entry. It reports whether the entry was parked
// (requeued without an attempt) because its run time has not arrived.
func (q *Queue) handle(ctx context.Context, raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A malformed entry can only loop forever, drop it.
		q.log.Error("malformed queue entry dropped", logx.Err(err))
		return false
	}
	if env.RunAt.After(q.now()) {
		if perr := q.rdb.RPush(ctx, q.key(), raw).Err(); perr != nil {
			q.log.Error("requeue failed, notice lost",
				logx.String("job_id", env.ID),
				logx.Err(perr))
			return false
		}
		return true
	}
	pl, err := jobs.DecodePayload(env.Kind, env.Payload)
	if err != nil {
		q.log.Error("queue entry payload dropped",
			logx.String("job_id", env.ID),
			logx.String("kind", string(env.Kind)),
			logx.Err(err))
		return false
	}
	j := jobs.Job{
		ID:          env.ID,
		Kind:        env.Kind,
		TargetID:    env.TargetID,
		UserID:      env.UserID,
		ScheduledAt: env.RunAt,
		Status:      jobs.StatusExecuting,
		Payload:     pl,
	}
	err = q.exec.Execute(ctx, j)
	if err == nil {
		q.log.Debug("notice executed", logx.String("job_id", env.ID), logx.String("kind", string(env.Kind)))
		return false
	}
	env.Attempts++
	if env.Attempts >= q.cfg.RetryMax {
		q.log.Error("notice dropped after retries",
			logx.String("job_id", env.ID),
			logx.String("kind", string(env.Kind)),
			logx.Int("attempts", env.Attempts),
			logx.Err(err))
		return false
	}
	rq, merr := json.Marshal(env)
	if merr != nil {
		q.log.Error("requeue encode failed", logx.String("job_id", env.ID), logx.Err(merr))
		return false
	}
	if perr := q.rdb.RPush(ctx, q.key(), rq).Err(); perr != nil {
		q.log.Error("requeue failed, notice lost",
			logx.String("job_id", env.ID),
			logx.Err(perr))
		return false
	}
	q.log.Warn("notice failed, requeued",
		logx.String("job_id", env.ID),
		logx.Int("attempt", env.Attempts),
		logx.Err(err))
	return false
}
