// Package audit writes an append-only JSONL activity log with an HMAC
// chain for tamper detection. Events that name a credential record the
// HMAC of its title rather than the title itself.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinDiskSpace is the minimum free space required before a write.
const MinDiskSpace = 1024 * 1024

// Operation types.
const (
	OpAuthLogin       = "auth.login"
	OpAuthLoginFailed = "auth.login_failed"
	OpAuthLogout      = "auth.logout"
	OpAuthRateLimited = "auth.rate_limited"

	OpSessionExpired = "session.expired"

	OpDBUnlock     = "db.unlock"
	OpDBLock       = "db.lock"
	OpDBSave       = "db.save"
	OpDBHealth     = "db.health_check"
	OpDBSearch     = "db.search"
	OpDBVersionLog = "db.version_log"

	OpEntryGet       = "entry.get"
	OpEntryCreate    = "entry.create"
	OpEntryUpdate    = "entry.update"
	OpEntryDelete    = "entry.delete"
	OpEntryMove      = "entry.move"
	OpEntryDuplicate = "entry.duplicate"
	OpEntryPassword  = "entry.password_access"

	OpGroupCreate = "group.create"
	OpGroupUpdate = "group.update"
	OpGroupDelete = "group.delete"
	OpGroupMove   = "group.move"

	OpBackupCreate  = "backup.create"
	OpBackupRestore = "backup.restore"
	OpBackupDelete  = "backup.delete"
	OpBackupVerify  = "backup.verify"
)

// Source identifies where the operation originated.
const (
	SourceMCP = "mcp"
	SourceCLI = "cli"
)

// Result indicates the outcome of an operation.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	Target    string `json:"target,omitempty"` // HMAC of the entry or group name

	Actor Actor `json:"actor"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]interface{} `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor records who performed the operation.
type Actor struct {
	UserID  string `json:"user_id,omitempty"`
	Source  string `json:"source"`
	Session string `json:"session,omitempty"` // prefix of the session token
}

// ErrorInfo carries the protocol error code and message.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links each record to the previous one.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger appends audit events to monthly JSONL files under a
// directory, maintaining the HMAC chain across restarts via a
// metadata file.
type Logger struct {
	path       string
	hmacKey    []byte
	mu         sync.Mutex
	sequence   int64
	prevHash   string
	hmacKeySet bool
}

func NewLogger(path string) *Logger {
	return &Logger{
		path:     path,
		prevHash: "genesis",
	}
}

// SetHMACKey derives the chain key from the master key with HKDF and
// resumes the chain from the saved state, if any.
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := hkdf.New(sha256.New, masterKey, nil, []byte("keywarden-audit-v1"))
	l.hmacKey = make([]byte, 32)
	if _, err := r.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKeySet = true

	if err := l.loadChainState(); err != nil {
		// First run, start a fresh chain.
		l.sequence = 0
		l.prevHash = "genesis"
	}
	return nil
}

// Log records one event. target, errInfo, and ctx may be empty.
func (l *Logger) Log(op, source, result string, actor Actor, target string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	actor.Source = source
	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Actor:     actor,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}

	if !l.hmacKeySet {
		// The chain key is derived from the master key, so failed
		// logins and rate-limit rejections can precede it. Those are
		// the events most worth keeping; write them unchained rather
		// than dropping them. The target is omitted since it cannot
		// be hashed without the key.
		return l.writeEvent(&event)
	}

	if target != "" {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(target))
		event.Target = hex.EncodeToString(mac.Sum(nil))
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(l.recordData(&event))
	event.Chain.HMAC = hex.EncodeToString(mac.Sum(nil))
	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(&event); err != nil {
		return err
	}
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source string, actor Actor, target string) error {
	return l.Log(op, source, ResultSuccess, actor, target, nil, nil)
}

// LogError records a failed operation with its protocol error code.
func (l *Logger) LogError(op, source string, actor Actor, target, code, msg string) error {
	return l.Log(op, source, ResultError, actor, target, &ErrorInfo{Code: code, Message: msg}, nil)
}

// LogDenied records a refused operation and the reason.
func (l *Logger) LogDenied(op, source string, actor Actor, target, reason string) error {
	return l.Log(op, source, ResultDenied, actor, target, nil, map[string]interface{}{"reason": reason})
}

// recordData serializes every significant field into the HMAC input.
// Context keys are sorted so the HMAC is deterministic.
func (l *Logger) recordData(event *Event) []byte {
	errorData := ""
	if event.Error != nil {
		errorData = fmt.Sprintf("%s|%s", event.Error.Code, event.Error.Message)
	}

	contextData := ""
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			contextData += fmt.Sprintf("%s=%v|", k, event.Context[k])
		}
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Target,
		event.Actor.UserID,
		event.Actor.Source,
		event.Actor.Session,
		event.Result,
		errorData+contextData,
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	return []byte(data)
}

// writeEvent appends the event to the current month's log file.
func (l *Logger) writeEvent(event *Event) error {
	name := time.Now().UTC().Format("2006-01") + ".jsonl"
	path := filepath.Join(l.path, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Unchained    int      `json:"unchained,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence numbers,
// chain links, and per-record HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, fmt.Errorf("audit: HMAC key not set")
	}

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files) // YYYY-MM names sort chronologically

	result := &VerifyResult{Valid: true}
	expectedPrev := "genesis"
	var expectedSeq int64 = 1

	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		for _, event := range events {
			result.RecordsTotal++

			// Events written before the chain key existed carry no
			// chain entry and cannot be checked.
			if event.Chain.Sequence == 0 && event.Chain.HMAC == "" {
				result.Unchained++
				continue
			}

			if event.Chain.Sequence != expectedSeq {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"sequence gap at record %s: expected %d, got %d",
					event.ID, expectedSeq, event.Chain.Sequence))
			}
			if event.Chain.PrevHash != expectedPrev {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"chain broken at record %s: expected prev %s, got %s",
					event.ID, expectedPrev, event.Chain.PrevHash))
			}

			mac := hmac.New(sha256.New, l.hmacKey)
			mac.Write(l.recordData(&event))
			if event.Chain.HMAC != hex.EncodeToString(mac.Sum(nil)) {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"HMAC mismatch at record %s: possible tampering", event.ID))
			}

			expectedPrev = event.Chain.HMAC
			expectedSeq++
		}
	}
	return result, nil
}

// ListEvents returns events in chronological order. limit 0 means all;
// a zero since means no time filter. With a limit the most recent
// events are returned.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}

	if !since.IsZero() {
		var filtered []Event
		for _, event := range all {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, event)
			}
		}
		all = filtered
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Path returns the audit log directory.
func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var event Event
				if err := json.Unmarshal(data[start:i], &event); err != nil {
					return nil, fmt.Errorf("failed to parse line: %w", err)
				}
				events = append(events, event)
			}
			start = i + 1
		}
	}
	return events, nil
}
