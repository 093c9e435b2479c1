package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"blackai/internal/modes"
)

type stubCounter struct {
	n    int64
	err  error
	keys []string
	ttls []time.Duration
}

func (s *stubCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.n++
	s.keys = append(s.keys, key)
	s.ttls = append(s.ttls, ttl)
	return s.n, s.err
}

func TestAllowWithinBudget(t *testing.T) {
	counter := &stubCounter{}
	l := NewLimiter(counter, nil)
	fast, _ := modes.Resolve("fast")

	for i := 0; i < fast.DailyLimit; i++ {
		if !l.Allow(context.Background(), 7, fast) {
			t.Fatalf("request %d should be within budget", i+1)
		}
	}
	if l.Allow(context.Background(), 7, fast) {
		t.Fatalf("request beyond the daily limit must be rejected")
	}
}

func TestAllowKeyShape(t *testing.T) {
	counter := &stubCounter{}
	l := NewLimiter(counter, nil)
	think, _ := modes.Resolve("think")
	l.Allow(context.Background(), 42, think)

	if len(counter.keys) != 1 {
		t.Fatalf("expected one increment")
	}
	key := counter.keys[0]
	want := "quota:42:think:" + time.Now().UTC().Format("2006-01-02")
	if key != want {
		t.Fatalf("key %q, want %q", key, want)
	}
	if counter.ttls[0] != ResetWindow {
		t.Fatalf("ttl %v, want %v", counter.ttls[0], ResetWindow)
	}
}

func TestAllowFailsOpen(t *testing.T) {
	fast, _ := modes.Resolve("fast")

	l := NewLimiter(nil, nil)
	if !l.Allow(context.Background(), 1, fast) {
		t.Fatalf("nil counter must fail open")
	}

	l = NewLimiter(&stubCounter{err: errors.New("redis down")}, nil)
	if !l.Allow(context.Background(), 1, fast) {
		t.Fatalf("counter failure must fail open")
	}
}

func TestAllowUnlimitedMode(t *testing.T) {
	counter := &stubCounter{n: 9999}
	l := NewLimiter(counter, nil)
	if !l.Allow(context.Background(), 1, modes.Mode{ID: "internal", DailyLimit: 0}) {
		t.Fatalf("zero limit means unmetered")
	}
	if len(counter.keys) != 0 {
		t.Fatalf("unmetered mode must not touch the counter")
	}
}
