package session

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUnderMax(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("admin") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		rl.Record("admin")
	}
	if rl.Allow("admin") {
		t.Error("fourth attempt should be denied")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	base := time.Now()
	rl.now = func() time.Time { return base }
	rl.Record("admin")
	rl.Record("admin")
	if rl.Allow("admin") {
		t.Fatal("expected denial at the limit")
	}

	// Once the first attempt ages out, one slot opens.
	rl.now = func() time.Time { return base.Add(61 * time.Second) }
	if !rl.Allow("admin") {
		t.Error("expected attempts to age out of the window")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	rl.Record("admin")
	rl.Record("admin")
	rl.Reset("admin")

	if !rl.Allow("admin") {
		t.Error("reset should clear the attempt history")
	}
	if got := rl.Remaining("admin"); got != 2 {
		t.Errorf("expected 2 remaining after reset, got %d", got)
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	rl.Record("alice")
	if rl.Allow("alice") {
		t.Error("alice should be limited")
	}
	if !rl.Allow("bob") {
		t.Error("bob should be unaffected by alice's attempts")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	if got := rl.Remaining("admin"); got != 3 {
		t.Errorf("expected 3 remaining, got %d", got)
	}
	rl.Record("admin")
	if got := rl.Remaining("admin"); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
	rl.Record("admin")
	rl.Record("admin")
	rl.Record("admin")
	if got := rl.Remaining("admin"); got != 0 {
		t.Errorf("expected 0 remaining, got %d", got)
	}
}
