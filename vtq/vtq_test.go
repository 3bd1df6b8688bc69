package vtq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/intelsync/dbopen"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupQ(t *testing.T, opts Options) (*Q, *fakeClock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	opts.Now = clock.Now
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, clock
}

func TestPublishClaimAck(t *testing.T) {
	q, _ := setupQ(t, Options{Queue: "test", Visibility: time.Minute})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.ID != "j1" || string(job.Payload) != "hello" || job.Attempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	// Hidden while claimed.
	again, _ := q.Claim(ctx)
	if again != nil {
		t.Fatalf("job visible while claimed: %+v", again)
	}

	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d after ack", n)
	}
}

func TestVisibilityExpiry(t *testing.T) {
	q, clock := setupQ(t, Options{Queue: "test", Visibility: 10 * time.Second})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)

	if job, _ := q.Claim(ctx); job == nil {
		t.Fatal("expected job")
	}
	clock.Advance(11 * time.Second)
	job, _ := q.Claim(ctx)
	if job == nil {
		t.Fatal("job should reappear after visibility window")
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestNackDelay(t *testing.T) {
	q, clock := setupQ(t, Options{Queue: "test", Visibility: time.Hour})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)
	q.Claim(ctx)

	if err := q.Nack(ctx, "j1", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("nacked job visible before delay")
	}
	clock.Advance(5 * time.Second)
	if job, _ := q.Claim(ctx); job == nil {
		t.Fatal("nacked job should be visible after delay")
	}
}

func TestPublishIfIdle(t *testing.T) {
	q, _ := setupQ(t, Options{Queue: "coalesce"})
	ctx := context.Background()

	ok, err := q.PublishIfIdle(ctx, "a", nil)
	if err != nil || !ok {
		t.Fatalf("first publish: %v %v", ok, err)
	}
	ok, err = q.PublishIfIdle(ctx, "b", nil)
	if err != nil || ok {
		t.Fatalf("second publish should coalesce: %v %v", ok, err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	db := dbopen.OpenMemory(t)
	a := New(db, Options{Queue: "a"})
	b := New(db, Options{Queue: "b"})
	ctx := context.Background()
	a.EnsureTable(ctx)

	a.Publish(ctx, "ja", nil)
	if job, _ := b.Claim(ctx); job != nil {
		t.Fatal("queue b claimed a job from queue a")
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Fatalf("b len = %d", n)
	}
}

func TestDrain(t *testing.T) {
	q, _ := setupQ(t, Options{Queue: "drain", Visibility: time.Minute})
	ctx := context.Background()
	q.Publish(ctx, "ok", nil)
	q.Publish(ctx, "fail", nil)

	var seen []string
	n := q.Drain(ctx, func(ctx context.Context, job *Job) error {
		seen = append(seen, job.ID)
		if job.ID == "fail" {
			return errors.New("boom")
		}
		return nil
	})
	if n != 2 || len(seen) != 2 {
		t.Fatalf("handled %d (%v), want 2", n, seen)
	}
	// Failed job stays in the table, hidden.
	if l, _ := q.Len(ctx); l != 1 {
		t.Fatalf("len = %d, want 1", l)
	}
}

func TestMaxAttempts(t *testing.T) {
	q, clock := setupQ(t, Options{Queue: "max", Visibility: time.Second, MaxAttempts: 1})
	ctx := context.Background()
	q.Publish(ctx, "j", nil)

	q.Drain(ctx, func(context.Context, *Job) error { return errors.New("fail") })
	clock.Advance(2 * time.Second)

	calls := 0
	q.Drain(ctx, func(context.Context, *Job) error { calls++; return nil })
	if calls != 0 {
		t.Fatalf("handler called %d times for exhausted job", calls)
	}
	if l, _ := q.Len(ctx); l != 0 {
		t.Fatalf("len = %d, want 0 (discarded)", l)
	}
}
