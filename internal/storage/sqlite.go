package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Jobs ----

const jobColumns = `id, kind, target_id, user_id, scheduled_at, status, retry_count, payload, last_error, created_at, updated_at`

func (s *sqliteStore) CreateJobs(ctx context.Context, js ...jobs.Job) error {
	if len(js) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, j := range js {
		if !j.Kind.Valid() {
			return fmt.Errorf("invalid job kind %q", j.Kind)
		}
		payload, err := jobs.EncodePayload(j.Payload)
		if err != nil {
			return err
		}
		if j.Status == "" {
			j.Status = jobs.StatusPending
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, string(j.Kind), j.TargetID, j.UserID, j.ScheduledAt.UnixMilli(),
			string(j.Status), j.RetryCount, string(payload), nullStr(j.LastError),
			j.CreatedAt.UnixMilli(), j.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`,
		string(jobs.StatusPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// The claim itself is a per-row compare-and-set: a row grabbed by a
	// concurrent poller between the SELECT above and the UPDATE below is
	// simply skipped.
	claimed := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(jobs.StatusExecuting), now.UnixMilli(), id, string(jobs.StatusPending),
		)
		if err != nil {
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n != 1 {
			continue
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, jobs.StatusExecuted, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	return s.finishJob(ctx, id, jobs.StatusFailed, lastError)
}

func (s *sqliteStore) finishJob(ctx context.Context, id string, status jobs.Status, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), nullStr(lastError), time.Now().UnixMilli(), id, string(jobs.StatusExecuting),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %s not executing: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, at time.Time, retryCount int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, retry_count = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(jobs.StatusPending), at.UnixMilli(), retryCount, nullStr(lastError),
		time.Now().UnixMilli(), id, string(jobs.StatusExecuting),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %s not executing: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CancelPending(ctx context.Context, targetID int64, kinds ...jobs.Kind) (int64, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(kinds)+3)
	args = append(args, string(jobs.StatusCancelled), time.Now().UnixMilli(), targetID)
	ph := make([]string, 0, len(kinds))
	for _, k := range kinds {
		ph = append(ph, "?")
		args = append(args, string(k))
	}
	args = append(args, string(jobs.StatusPending))

	// Only pending rows flip to cancelled; a row a poller already claimed as
	// executing runs to completion and its result stands.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE target_id = ? AND kind IN (`+strings.Join(ph, ",")+`) AND status = ?`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND updated_at < ?`,
		string(jobs.StatusExecuted), string(jobs.StatusFailed), string(jobs.StatusCancelled),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) JobStats(ctx context.Context) (JobStats, error) {
	st := JobStats{
		ByStatus: map[jobs.Status]int64{},
		ByKind:   map[jobs.Kind]int64{},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, kind, COUNT(*) FROM jobs GROUP BY status, kind`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, kind string
		var n int64
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return st, err
		}
		st.ByStatus[jobs.Status(status)] += n
		st.ByKind[jobs.Kind(kind)] += n
		st.Total += n
	}
	return st, rows.Err()
}

// ---- Orders ----

const orderColumns = `id, user_id, status, total, tracking_number, last_message_id, paid_at, shipped_at, created_at, updated_at`

func (s *sqliteStore) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, ErrNotFound
	}
	return o, err
}

func (s *sqliteStore) CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.Status == "" {
		o.Status = orders.StatusUnpaid
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(user_id, status, total, tracking_number, last_message_id, paid_at, shipped_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		o.UserID, string(o.Status), o.Total, nullStr(o.TrackingNumber), o.LastMessageID,
		nullTime(o.PaidAt), nullTime(o.ShippedAt), o.CreatedAt.UnixMilli(), o.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return orders.Order{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return orders.Order{}, err
	}
	return s.GetOrder(ctx, id)
}

func (s *sqliteStore) UpdateOrderStatus(ctx context.Context, id int64, status orders.Status, upd orders.StatusUpdate) (orders.Order, error) {
	if !status.Valid() {
		return orders.Order{}, fmt.Errorf("invalid order status %q", status)
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().UnixMilli()}
	if upd.TrackingNumber != nil {
		set = append(set, "tracking_number = ?")
		args = append(args, nullStr(*upd.TrackingNumber))
	}
	if upd.PaidAt != nil {
		set = append(set, "paid_at = ?")
		args = append(args, upd.PaidAt.UnixMilli())
	}
	if upd.ShippedAt != nil {
		set = append(set, "shipped_at = ?")
		args = append(args, upd.ShippedAt.UnixMilli())
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return orders.Order{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, err
	}
	if n != 1 {
		return orders.Order{}, ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *sqliteStore) SetLastMessageID(ctx context.Context, orderID int64, messageID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, time.Now().UnixMilli(), orderID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// ---- Subscriptions ----

func (s *sqliteStore) AddSubscription(ctx context.Context, userID, productID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, product_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(user_id, product_id) DO NOTHING`,
		userID, productID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListSubscribers(ctx context.Context, productID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE product_id = ? ORDER BY created_at ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, userID, productID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND product_id = ?`, userID, productID)
	return err
}

// ---- Settings KV ----

func (s *sqliteStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (jobs.Job, error) {
	var (
		j                   jobs.Job
		kind, status        string
		schedMS, crMS, upMS int64
		payload, lastErr    sql.NullString
	)
	err := r.Scan(&j.ID, &kind, &j.TargetID, &j.UserID, &schedMS, &status,
		&j.RetryCount, &payload, &lastErr, &crMS, &upMS)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	j.ScheduledAt = time.UnixMilli(schedMS)
	j.CreatedAt = time.UnixMilli(crMS)
	j.UpdatedAt = time.UnixMilli(upMS)
	j.LastError = lastErr.String
	if payload.Valid {
		p, err := jobs.DecodePayload(j.Kind, []byte(payload.String))
		if err != nil {
			return jobs.Job{}, err
		}
		j.Payload = p
	}
	return j, nil
}

func scanOrder(r rowScanner) (orders.Order, error) {
	var (
		o              orders.Order
		status         string
		tracking       sql.NullString
		paid, shipped  sql.NullInt64
		crMS, upMS     int64
	)
	err := r.Scan(&o.ID, &o.UserID, &status, &o.Total, &tracking,
		&o.LastMessageID, &paid, &shipped, &crMS, &upMS)
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	o.TrackingNumber = tracking.String
	if paid.Valid {
		t := time.UnixMilli(paid.Int64)
		o.PaidAt = &t
	}
	if shipped.Valid {
		t := time.UnixMilli(shipped.Int64)
		o.ShippedAt = &t
	}
	o.CreatedAt = time.UnixMilli(crMS)
	o.UpdatedAt = time.UnixMilli(upMS)
	return o, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
