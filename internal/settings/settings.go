// Package settings exposes operator-tunable values (escalation delays and
// similar knobs) stored in the settings table, behind a small TTL cache.
//
// The cache is an injected dependency, never a package-level singleton, and
// takes its clock from the caller so tests stay deterministic.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/osama-agency/telesklad-sub000/internal/config"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
)

// Well-known keys. Values are Go duration strings ("48h", "5m").
const (
	KeyReminderFirstDelay = "notify.reminder_first_delay"
	KeyReminderFinalDelay = "notify.reminder_final_delay"
	KeyAutoCancelDelay    = "notify.auto_cancel_delay"
)

type Cache struct {
	store storage.KVStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value   string
	found   bool
	savedAt time.Time
}

type Option func(*Cache)

// WithClock overrides the cache's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(store storage.KVStore, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]entry{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the stored value for key, reading through the cache.
// Misses are cached too, so a missing key does not hammer the store.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Sub(e.savedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, e.found, nil
	}
	c.mu.Unlock()

	v, found, err := c.store.GetValue(ctx, key)
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	c.entries[key] = entry{value: v, found: found, savedAt: now}
	c.mu.Unlock()
	return v, found, nil
}

// Set writes through to the store and refreshes the cache entry.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.store.PutValue(ctx, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, found: true, savedAt: c.now()}
	c.mu.Unlock()
	return nil
}

// Invalidate drops one cached key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry, e.g. after a config reload.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[string]entry{}
	c.mu.Unlock()
}

// Duration resolves key as a duration, falling back to def on a miss or a
// value that does not parse.
func (c *Cache) Duration(ctx context.Context, key string, def time.Duration) time.Duration {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	d, err := config.ParseDurationField(key, raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
