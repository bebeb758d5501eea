package session

import (
	"sync"
	"time"
)

// RateLimiter tracks failed attempts per user over a sliding window.
// Attempts age out lazily on the next check, so an idle user costs
// nothing.
type RateLimiter struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether userID may attempt authentication. Attempts
// older than the window are pruned before counting.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	live := rl.prune(userID)
	return len(live) < rl.max
}

// Record registers a failed attempt for userID.
func (rl *RateLimiter) Record(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.attempts[userID] = append(rl.prune(userID), rl.now())
}

// Reset clears the entire attempt history for userID. Called after a
// successful authentication.
func (rl *RateLimiter) Reset(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, userID)
}

// Remaining reports how many attempts userID has left in the current
// window.
func (rl *RateLimiter) Remaining(userID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	live := rl.prune(userID)
	if n := rl.max - len(live); n > 0 {
		return n
	}
	return 0
}

// prune drops attempts older than the window and stores the survivors.
// Caller holds mu.
func (rl *RateLimiter) prune(userID string) []time.Time {
	cutoff := rl.now().Add(-rl.window)
	old := rl.attempts[userID]
	live := old[:0]
	for _, t := range old {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		delete(rl.attempts, userID)
		return nil
	}
	rl.attempts[userID] = live
	return live
}
