// Package security composes the session registry, rate limiter,
// secure memory, keychain cache, and audit sink into one
// authentication facade with system-wide lock semantics and idle
// auto-lock.
package security

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/keychain"
	"github.com/keywarden/keywarden/pkg/kwerr"
	"github.com/keywarden/keywarden/pkg/secmem"
	"github.com/keywarden/keywarden/pkg/session"
)

// MinSecretLen is the minimum accepted master secret length.
const MinSecretLen = 8

// DefaultAttemptWindow bounds the sliding window for failed
// authentication attempts.
const DefaultAttemptWindow = 5 * time.Minute

// Config holds the security manager's tunables.
type Config struct {
	SessionTimeout  time.Duration
	AutoLockTimeout time.Duration
	MaxRetries      int
	AttemptWindow   time.Duration // zero means DefaultAttemptWindow
	UseKeychain     bool
	KeychainKey     string // lookup key for the cached secret, the store path
}

// Manager is the authentication and authorization facade. All methods
// are safe for concurrent use.
type Manager struct {
	cfg      Config
	sessions *session.Registry
	limiter  *session.RateLimiter
	memory   *secmem.Store
	cache    keychain.Cache
	auditor  *audit.Logger

	mu           sync.Mutex
	locked       bool
	lastActivity time.Time
	lockHooks    []func()
	now          func() time.Time
}

// NewManager wires the facade. cache may be a keychain.Noop; auditor
// may be nil, in which case audit events are skipped.
func NewManager(cfg Config, cache keychain.Cache, auditor *audit.Logger) *Manager {
	window := cfg.AttemptWindow
	if window == 0 {
		window = DefaultAttemptWindow
	}
	return &Manager{
		cfg:          cfg,
		sessions:     session.NewRegistry(cfg.SessionTimeout),
		limiter:      session.NewRateLimiter(cfg.MaxRetries, window),
		memory:       secmem.NewStore(),
		cache:        cache,
		auditor:      auditor,
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

// OnLock registers a hook invoked whenever the system locks, either
// explicitly or by auto-lock. Hooks run outside the manager's mutex.
func (m *Manager) OnLock(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockHooks = append(m.lockHooks, hook)
}

// Authenticate checks the rate limit, verifies the secret, and issues
// a session token. A rejected admission check records no new attempt;
// a failed verification does.
func (m *Manager) Authenticate(userID, secret, method string) (string, error) {
	return m.AuthenticateWith(userID, secret, method, nil)
}

// AuthenticateWith is Authenticate with an external credential
// verifier, typically the store unlock, run between the admission
// check and session creation. The rate limiter only resets once the
// verifier has accepted the secret.
func (m *Manager) AuthenticateWith(userID, secret, method string, verify func() error) (string, error) {
	if !m.limiter.Allow(userID) {
		m.auditError(audit.OpAuthRateLimited, userID, kwerr.ErrRateLimited, "too many attempts")
		return "", fmt.Errorf("security: too many authentication attempts for %q, try again later: %w",
			userID, kwerr.ErrRateLimited)
	}

	if len(secret) < MinSecretLen {
		m.limiter.Record(userID)
		m.auditError(audit.OpAuthLoginFailed, userID, kwerr.ErrAuthentication, "secret too short")
		return "", fmt.Errorf("security: authentication failed: %w", kwerr.ErrAuthentication)
	}

	if verify != nil {
		if err := verify(); err != nil {
			m.limiter.Record(userID)
			m.auditError(audit.OpAuthLoginFailed, userID, kwerr.ErrAuthentication, "credential verification failed")
			return "", err
		}
	}

	if m.cfg.UseKeychain {
		if err := m.cache.Store(m.cfg.KeychainKey, secret); err != nil {
			// Caching is best-effort; authentication proceeds.
			log.Printf("security: keychain store failed: %v", err)
		}
	}

	token, err := m.sessions.Create(userID)
	if err != nil {
		return "", err
	}
	m.limiter.Reset(userID)
	m.touch()

	if m.auditor != nil {
		_ = m.auditor.Log(audit.OpAuthLogin, audit.SourceMCP, audit.ResultSuccess,
			audit.Actor{UserID: userID, Session: tokenPrefix(token)}, "", nil,
			map[string]interface{}{"method": method})
	}
	return token, nil
}

// ValidateSession checks a token against the registry. It fails with
// ErrSecurity while the system is locked, and refreshes the idle
// timestamp on success.
func (m *Manager) ValidateSession(token string) (bool, error) {
	m.mu.Lock()
	locked := m.locked
	m.mu.Unlock()
	if locked {
		return false, fmt.Errorf("security: system is locked: %w", kwerr.ErrSecurity)
	}

	ok, err := m.sessions.Validate(token)
	if err != nil {
		if m.auditor != nil {
			_ = m.auditor.Log(audit.OpSessionExpired, audit.SourceMCP, audit.ResultError,
				audit.Actor{Session: tokenPrefix(token)}, "", nil, nil)
		}
		return false, err
	}
	if ok {
		m.touch()
	}
	return ok, nil
}

// Logout destroys the session. Unknown tokens are ignored.
func (m *Manager) Logout(token string) {
	var userID string
	if info, ok := m.sessions.Info(token); ok {
		userID = info.UserID
	}
	m.sessions.Destroy(token)
	if m.auditor != nil {
		_ = m.auditor.LogSuccess(audit.OpAuthLogout, audit.SourceMCP,
			audit.Actor{UserID: userID, Session: tokenPrefix(token)}, "")
	}
}

// LockSystem sets the global lock flag, wipes secure memory, and
// destroys every live session. Only a fresh authentication via
// UnlockSystem reverses it.
func (m *Manager) LockSystem() {
	m.mu.Lock()
	m.locked = true
	hooks := append([]func(){}, m.lockHooks...)
	m.mu.Unlock()

	m.memory.Clear()
	n := m.sessions.DestroyAll()
	log.Printf("security: system locked, %d sessions destroyed", n)

	if m.auditor != nil {
		_ = m.auditor.LogSuccess(audit.OpDBLock, audit.SourceMCP, audit.Actor{UserID: "system"}, "")
	}
	for _, hook := range hooks {
		hook()
	}
}

// UnlockSystem re-authenticates and clears the lock flag. It fails
// with ErrSecurity when the system is not locked.
func (m *Manager) UnlockSystem(userID, secret string) (string, error) {
	return m.UnlockSystemWith(userID, secret, nil)
}

// UnlockSystemWith is UnlockSystem with an external credential
// verifier. The lock flag stays set unless the verifier accepts.
func (m *Manager) UnlockSystemWith(userID, secret string, verify func() error) (string, error) {
	m.mu.Lock()
	locked := m.locked
	m.mu.Unlock()
	if !locked {
		return "", fmt.Errorf("security: system is not locked: %w", kwerr.ErrSecurity)
	}

	token, err := m.AuthenticateWith(userID, secret, "unlock", verify)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
	m.touch()
	return token, nil
}

// CheckAutoLock locks the system when the idle timeout has elapsed.
// It must be polled by the caller; nothing schedules it. Returns true
// when this call triggered the lock.
func (m *Manager) CheckAutoLock() bool {
	m.mu.Lock()
	if m.locked || m.cfg.AutoLockTimeout <= 0 {
		m.mu.Unlock()
		return false
	}
	idle := m.now().Sub(m.lastActivity)
	m.mu.Unlock()

	if idle <= m.cfg.AutoLockTimeout {
		return false
	}
	log.Printf("security: auto-lock after %s idle", idle.Round(time.Second))
	m.LockSystem()
	return true
}

// IsLocked reports the global lock flag.
func (m *Manager) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Memory exposes the secure memory store for holding transient
// secrets tied to the system lock lifecycle.
func (m *Manager) Memory() *secmem.Store {
	return m.memory
}

// Sessions exposes the session registry for introspection.
func (m *Manager) Sessions() *session.Registry {
	return m.sessions
}

// CachedSecret returns the keychain-cached secret, if any.
func (m *Manager) CachedSecret() (string, error) {
	return m.cache.Retrieve(m.cfg.KeychainKey)
}

// Cleanup wipes secure memory and evicts expired sessions.
func (m *Manager) Cleanup() {
	m.memory.Clear()
	m.sessions.CleanupExpired()
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

func (m *Manager) auditError(op, userID string, kind error, msg string) {
	if m.auditor == nil {
		return
	}
	_ = m.auditor.LogError(op, audit.SourceMCP, audit.Actor{UserID: userID}, "", kwerr.Code(kind), msg)
}

// tokenPrefix returns the loggable prefix of a session token.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
