package fastqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/osama-agency/telesklad-sub000/internal/jobs"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
)

type recordingExec struct {
	mu   sync.Mutex
	jobs []jobs.Job
	errs map[string]int // job id -> remaining failures
}

func (r *recordingExec) Execute(ctx context.Context, j jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	if n := r.errs[j.ID]; n > 0 {
		r.errs[j.ID] = n - 1
		return errors.New("transient")
	}
	return nil
}

func (r *recordingExec) executed() []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]jobs.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func bonusJob() jobs.Job {
	return jobs.Job{
		ID:          uuid.NewString(),
		Kind:        jobs.KindBonusNotice,
		TargetID:    700,
		UserID:      700,
		ScheduledAt: time.Now().Truncate(time.Millisecond),
		Payload:     jobs.BonusPayload{Amount: 150, Reason: "loyalty"},
	}
}

func newTestQueue(t *testing.T, exec Executor) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := New(Config{Addr: mr.Addr(), KeyPrefix: "test"}, exec, logx.Nop())
	t.Cleanup(func() { _ = q.rdb.Close() })
	return q, mr
}

func TestEnqueueAndDrain(t *testing.T) {
	exec := &recordingExec{}
	q, mr := newTestQueue(t, exec)
	ctx := context.Background()

	j := bonusJob()
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// The notice sits in Redis, not executed inline.
	if len(exec.executed()) != 0 {
		t.Fatal("enqueue executed inline with Redis up")
	}
	if n, _ := mr.List("test:fast"); len(n) != 1 {
		t.Fatalf("list length = %d", len(n))
	}

	q.Drain(ctx)

	got := exec.executed()
	if len(got) != 1 {
		t.Fatalf("executed %d jobs, want 1", len(got))
	}
	if got[0].ID != j.ID || got[0].Kind != jobs.KindBonusNotice || got[0].UserID != 700 {
		t.Fatalf("job: %#v", got[0])
	}
	p, ok := got[0].Payload.(jobs.BonusPayload)
	if !ok || p.Amount != 150 || p.Reason != "loyalty" {
		t.Fatalf("payload: %#v", got[0].Payload)
	}
	if n, _ := mr.List("test:fast"); len(n) != 0 {
		t.Fatalf("queue not empty after drain: %d", len(n))
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	exec := &recordingExec{}
	q, _ := newTestQueue(t, exec)
	ctx := context.Background()

	a, b, c := bonusJob(), bonusJob(), bonusJob()
	for _, j := range []jobs.Job{a, b, c} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Drain(ctx)

	got := exec.executed()
	if len(got) != 3 {
		t.Fatalf("executed %d", len(got))
	}
	if got[0].ID != a.ID || got[1].ID != b.ID || got[2].ID != c.ID {
		t.Fatal("fifo order violated")
	}
}

func TestEnqueueFallsBackInlineWhenRedisDown(t *testing.T) {
	exec := &recordingExec{}
	q, mr := newTestQueue(t, exec)
	mr.Close()

	j := bonusJob()
	if err := q.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("inline fallback: %v", err)
	}
	got := exec.executed()
	if len(got) != 1 || got[0].ID != j.ID {
		t.Fatalf("inline execution missing: %#v", got)
	}
}

func TestDrainRetriesThenDrops(t *testing.T) {
	j := bonusJob()
	exec := &recordingExec{errs: map[string]int{j.ID: 10}}
	q, mr := newTestQueue(t, exec)
	ctx := context.Background()

	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Each drain pass pops, fails, and requeues until attempts hit RetryMax.
	for i := 0; i < 5; i++ {
		q.Drain(ctx)
	}
	if got := len(exec.executed()); got != 3 {
		t.Fatalf("attempts = %d, want RetryMax (3)", got)
	}
	if n, _ := mr.List("test:fast"); len(n) != 0 {
		t.Fatalf("dropped notice still queued: %d", len(n))
	}
}

func TestDrainRecoversAfterTransientFailure(t *testing.T) {
	j := bonusJob()
	exec := &recordingExec{errs: map[string]int{j.ID: 1}}
	q, _ := newTestQueue(t, exec)
	ctx := context.Background()

	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Drain(ctx)
	q.Drain(ctx)

	got := exec.executed()
	if len(got) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got))
	}
}

func TestDrainParksFutureNotice(t *testing.T) {
	exec := &recordingExec{}
	mr := miniredis.RunT(t)
	now := time.Now().Truncate(time.Millisecond)
	q := New(Config{Addr: mr.Addr(), KeyPrefix: "test"}, exec, logx.Nop(),
		WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = q.rdb.Close() })
	ctx := context.Background()

	future := bonusJob()
	future.ScheduledAt = now.Add(time.Hour)
	due := bonusJob()
	due.ScheduledAt = now.Add(-time.Second)
	for _, j := range []jobs.Job{future, due} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// First pass parks the future notice at the tail and ends; the due one
	// runs on the following pass.
	q.Drain(ctx)
	if len(exec.executed()) != 0 {
		t.Fatalf("executed %d notices with the future one at the head", len(exec.executed()))
	}
	q.Drain(ctx)
	got := exec.executed()
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("executed: %#v", got)
	}
	if n, _ := mr.List("test:fast"); len(n) != 1 {
		t.Fatalf("parked notice missing from queue: %d entries", len(n))
	}

	// Once its run time passes, the parked notice executes.
	now = now.Add(2 * time.Hour)
	q.Drain(ctx)
	got = exec.executed()
	if len(got) != 2 || got[1].ID != future.ID {
		t.Fatalf("executed after clock advance: %#v", got)
	}
}

func TestDrainDropsMalformedEntry(t *testing.T) {
	exec := &recordingExec{}
	q, mr := newTestQueue(t, exec)
	ctx := context.Background()

	if _, err := mr.Push("test:fast", "{not json"); err != nil {
		t.Fatalf("push garbage: %v", err)
	}
	good := bonusJob()
	if err := q.Enqueue(ctx, good); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.Drain(ctx)

	got := exec.executed()
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("executed: %#v", got)
	}
	if n, _ := mr.List("test:fast"); len(n) != 0 {
		t.Fatalf("garbage still queued: %d", len(n))
	}
}

func TestStartStopDrainLoop(t *testing.T) {
	exec := &recordingExec{}
	mr := miniredis.RunT(t)
	q := New(Config{Addr: mr.Addr(), KeyPrefix: "test", DrainInterval: 10 * time.Millisecond}, exec, logx.Nop())

	ctx := context.Background()
	q.Start(ctx)
	j := bonusJob()
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(exec.executed()) == 0 {
		select {
		case <-deadline:
			t.Fatal("drain loop never executed the notice")
		case <-time.After(10 * time.Millisecond):
		}
	}
	q.Stop()
}
