package settings

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeKV counts reads so tests can assert cache behavior.
type fakeKV struct {
	values map[string]string
	gets   int
	err    error
}

func (f *fakeKV) GetValue(ctx context.Context, key string) (string, bool, error) {
	f.gets++
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) PutValue(ctx context.Context, key, value string) error {
	if f.err != nil {
		return f.err
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = value
	return nil
}

func (f *fakeKV) DeleteValue(ctx context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{values: map[string]string{KeyReminderFirstDelay: "24h"}}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(kv, time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, ok, err := c.Get(ctx, KeyReminderFirstDelay)
		if err != nil || !ok || v != "24h" {
			t.Fatalf("get %d: %q ok=%v err=%v", i, v, ok, err)
		}
	}
	if kv.gets != 1 {
		t.Fatalf("store reads = %d, want 1", kv.gets)
	}

	// Past the TTL the store is consulted again.
	now = now.Add(2 * time.Minute)
	if _, _, err := c.Get(ctx, KeyReminderFirstDelay); err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if kv.gets != 2 {
		t.Fatalf("store reads = %d, want 2", kv.gets)
	}
}

func TestGetCachesMisses(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{}
	c := NewCache(kv, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok, err := c.Get(ctx, "absent"); ok || err != nil {
			t.Fatalf("get %d: ok=%v err=%v", i, ok, err)
		}
	}
	if kv.gets != 1 {
		t.Fatalf("store reads = %d, want 1", kv.gets)
	}
}

func TestSetWritesThrough(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{}
	c := NewCache(kv, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, KeyAutoCancelDelay, "96h"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if kv.values[KeyAutoCancelDelay] != "96h" {
		t.Fatalf("store value = %q", kv.values[KeyAutoCancelDelay])
	}
	v, ok, err := c.Get(ctx, KeyAutoCancelDelay)
	if err != nil || !ok || v != "96h" {
		t.Fatalf("get after set: %q ok=%v err=%v", v, ok, err)
	}
	// Served from cache, not the store.
	if kv.gets != 0 {
		t.Fatalf("store reads = %d, want 0", kv.gets)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{values: map[string]string{"a": "1", "b": "2"}}
	c := NewCache(kv, time.Minute)
	ctx := context.Background()

	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "b")
	if kv.gets != 2 {
		t.Fatalf("store reads = %d", kv.gets)
	}

	c.Invalidate("a")
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "b")
	if kv.gets != 3 {
		t.Fatalf("store reads after single invalidate = %d, want 3", kv.gets)
	}

	c.InvalidateAll()
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "b")
	if kv.gets != 5 {
		t.Fatalf("store reads after full invalidate = %d, want 5", kv.gets)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{values: map[string]string{
		"good": "36h",
		"junk": "soon",
		"zero": "0s",
	}}
	c := NewCache(kv, time.Minute)
	ctx := context.Background()
	def := 48 * time.Hour

	tests := []struct {
		name string
		key  string
		want time.Duration
	}{
		{name: "stored value wins", key: "good", want: 36 * time.Hour},
		{name: "missing falls back", key: "absent", want: def},
		{name: "unparsable falls back", key: "junk", want: def},
		{name: "non-positive falls back", key: "zero", want: def},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Duration(ctx, tt.key, def); got != tt.want {
				t.Fatalf("Duration(%s) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestDurationStoreError(t *testing.T) {
	t.Parallel()
	kv := &fakeKV{err: errors.New("disk gone")}
	c := NewCache(kv, time.Minute)
	if got := c.Duration(context.Background(), "any", time.Hour); got != time.Hour {
		t.Fatalf("Duration on store error = %v, want fallback", got)
	}
}
