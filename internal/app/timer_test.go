package app_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
)

func TestRemainingSecondsFormula(t *testing.T) {
	start := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		now      time.Time
		total    int
		override *domain.TimerOverride
		want     int
	}{
		{"fresh start", start, 300, nil, 300},
		{"mid flight", start.Add(100 * time.Second), 300, nil, 200},
		{"clamped at zero", start.Add(time.Hour), 300, nil, 0},
		{"default when quiz has no duration", start.Add(50 * time.Second), 0, nil, 250},
		{
			"override supersedes start and total",
			start.Add(10 * time.Minute),
			300,
			&domain.TimerOverride{TotalDurationSec: 120, ResetAt: start.Add(10*time.Minute - 30*time.Second)},
			90,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := app.RemainingSeconds(tc.now, start, tc.total, tc.override)
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestRemainingSecondsNeverIncreases(t *testing.T) {
	start := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	prev := app.RemainingSeconds(start, start, 60, nil)
	for i := 1; i <= 90; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		remaining := app.RemainingSeconds(now, start, 60, nil)
		if remaining > prev {
			t.Fatalf("remaining increased from %d to %d at t+%ds", prev, remaining, i)
		}
		if remaining < 0 {
			t.Fatalf("remaining went negative: %d", remaining)
		}
		prev = remaining
	}
}

func TestTimerRegistryExpiresOnce(t *testing.T) {
	registry := app.NewTimerRegistryWithTick(time.Now, 5*time.Millisecond)

	var expired int32
	done := make(chan struct{})
	registry.Start("a1", "s1", "quiz-1", 3, 3, nil, func(string) {
		if atomic.AddInt32(&expired, 1) == 1 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timer never expired")
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&expired); n != 1 {
		t.Fatalf("expected exactly one expiry, got %d", n)
	}
	if _, ok := registry.Remaining("a1"); ok {
		t.Fatalf("expired session should have removed itself")
	}
}

func TestTimerRegistryClearThenCreate(t *testing.T) {
	registry := app.NewTimerRegistryWithTick(time.Now, time.Hour)

	var mu sync.Mutex
	ticks := map[string]int{}
	onTick := func(id string, _ int) {
		mu.Lock()
		ticks[id]++
		mu.Unlock()
	}

	registry.Start("a1", "s1", "quiz-1", 100, 100, onTick, nil)
	registry.Start("a1", "s1", "quiz-1", 200, 200, onTick, nil)

	remaining, ok := registry.Remaining("a1")
	if !ok || remaining != 200 {
		t.Fatalf("expected replacement session with 200s, got %d ok=%v", remaining, ok)
	}

	registry.Cancel("a1")
	if _, ok := registry.Remaining("a1"); ok {
		t.Fatalf("cancel should remove the session")
	}
	// Cancelling an unknown id is a no-op.
	registry.Cancel("a1")
}

func TestRemainingFollowsClockWithoutTicks(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(units int) {
		mu.Lock()
		now = now.Add(time.Duration(units) * time.Hour)
		mu.Unlock()
	}

	// Hour-long tick units: the ticker never fires during the test, the
	// way a stalled ticker behaves under load. The reported countdown must
	// track elapsed time regardless.
	registry := app.NewTimerRegistryWithTick(clock, time.Hour)
	registry.Start("a1", "s1", "quiz-1", 300, 300, nil, nil)

	advance(40)
	if remaining, ok := registry.Remaining("a1"); !ok || remaining != 260 {
		t.Fatalf("expected 260 after 40 elapsed units, got %d ok=%v", remaining, ok)
	}

	advance(400)
	if remaining, ok := registry.Remaining("a1"); !ok || remaining != 0 {
		t.Fatalf("expected clamp at zero, got %d ok=%v", remaining, ok)
	}
	registry.Cancel("a1")
}

func TestTimerRegistryDropAll(t *testing.T) {
	registry := app.NewTimerRegistryWithTick(time.Now, time.Hour)
	registry.Start("a1", "s1", "quiz-1", 100, 100, nil, nil)
	registry.Start("a2", "s2", "quiz-1", 100, 100, nil, nil)

	registry.DropAll()
	if _, ok := registry.Remaining("a1"); ok {
		t.Fatalf("expected a1 dropped")
	}
	if _, ok := registry.Remaining("a2"); ok {
		t.Fatalf("expected a2 dropped")
	}
}
