// Package session manages opaque session tokens and the sliding-window
// rate limiter used to guard authentication.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

// TokenBytes is the entropy of a session token before encoding.
// Matches the 32 bytes of a URL-safe token.
const TokenBytes = 32

// Session is the registry's record for one issued token.
type Session struct {
	Token       string
	UserID      string
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int
}

// Registry creates, validates, expires, and destroys session tokens.
// A token absent from the registry is unconditionally invalid; a token
// older than the timeout since its last access is invalid and evicted
// on the next touch.
type Registry struct {
	timeout  time.Duration
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		timeout:  timeout,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create issues a new URL-safe token for userID.
func (r *Registry) Create(userID string) (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sessions[token] = &Session{
		Token:      token,
		UserID:     userID,
		CreatedAt:  now,
		LastAccess: now,
	}
	log.Printf("session: created session for user %q", userID)
	return token, nil
}

// Validate checks a token, bumping its last access time and access
// count on success. An unknown token returns false with a nil error;
// an expired token is evicted and reported as kwerr.ErrSessionExpired.
func (r *Registry) Validate(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return false, nil
	}

	now := r.now()
	if now.Sub(s.LastAccess) > r.timeout {
		delete(r.sessions, token)
		return false, kwerr.ErrSessionExpired
	}

	s.LastAccess = now
	s.AccessCount++
	return true, nil
}

// Destroy removes a token. Destroying an absent token is a no-op.
func (r *Registry) Destroy(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[token]; ok {
		delete(r.sessions, token)
		log.Printf("session: destroyed session for user %q", s.UserID)
	}
}

// DestroyAll removes every live session and returns how many were
// destroyed. Used by the system-wide lock.
func (r *Registry) DestroyAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	return n
}

// CleanupExpired evicts sessions past the timeout without touching the
// rest.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted int
	for token, s := range r.sessions {
		if now.Sub(s.LastAccess) > r.timeout {
			delete(r.sessions, token)
			evicted++
		}
	}
	return evicted
}

// Info returns a copy of the session record for token, or false.
func (r *Registry) Info(token string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len reports the number of live sessions, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
