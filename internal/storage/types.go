package storage

import (
	"context"
	"errors"
	"time"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/orders"
)

var (
	ErrNotFound = errors.New("storage: not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobStore is the durable table of scheduled jobs. All coordination is
// expressed as compare-and-set updates on job rows; there are no in-process
// locks, so multiple pollers may share one store.
type JobStore interface {
	// CreateJobs inserts the given jobs in one transaction. Used for the
	// unpaid-order triad, which must be scheduled atomically.
	CreateJobs(ctx context.Context, js ...jobs.Job) error

	GetJob(ctx context.Context, id string) (jobs.Job, error)

	// ClaimDueJobs atomically transitions up to limit due jobs from pending
	// to executing, oldest scheduled_at first, and returns the claimed rows.
	// A row claimed by a concurrent caller is skipped, never returned twice.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error)

	// MarkExecuted finishes a claimed job. Only an executing row is updated.
	MarkExecuted(ctx context.Context, id string) error

	// MarkFailed terminally fails a claimed job, keeping it visible for ops.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// Reschedule returns a claimed job to pending with a new scheduled_at and
	// retry count, recording the error that caused the retry.
	Reschedule(ctx context.Context, id string, at time.Time, retryCount int, lastError string) error

	// CancelPending cancels all pending jobs matching (targetID, kinds).
	// Rows already claimed as executing are left alone and run to completion.
	CancelPending(ctx context.Context, targetID int64, kinds ...jobs.Kind) (int64, error)

	// PurgeTerminal deletes terminal jobs last updated before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// JobStats returns pending/executing/... counts grouped by status and kind.
	JobStats(ctx context.Context) (JobStats, error)
}

// JobStats is an aggregate snapshot of the jobs table.
type JobStats struct {
	ByStatus map[jobs.Status]int64
	ByKind   map[jobs.Kind]int64
	Total    int64
}

// OrderStore is the transactional order-row API the commerce system exposes.
type OrderStore interface {
	GetOrder(ctx context.Context, id int64) (orders.Order, error)
	CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status orders.Status, upd orders.StatusUpdate) (orders.Order, error)
	// SetLastMessageID records the id of the latest customer-facing message.
	SetLastMessageID(ctx context.Context, orderID int64, messageID int) error
}

// SubscriptionStore tracks restock-notice subscriptions. A subscription is
// consumed (removed) once its notice has been delivered.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, userID, productID int64) error
	ListSubscribers(ctx context.Context, productID int64) ([]int64, error)
	RemoveSubscription(ctx context.Context, userID, productID int64) error
}

// KVStore is a small settings table behind the settings cache.
type KVStore interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Store is the full persistence surface backed by one sqlite database.
type Store interface {
	JobStore
	OrderStore
	SubscriptionStore
	KVStore
	Close() error
}
