package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if logger.path != tmpDir {
		t.Errorf("expected path %s, got %s", tmpDir, logger.path)
	}
	if logger.prevHash != "genesis" {
		t.Errorf("expected prevHash 'genesis', got %s", logger.prevHash)
	}
}

func TestSetHMACKey(t *testing.T) {
	logger := NewLogger(t.TempDir())

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if !logger.hmacKeySet {
		t.Error("expected hmacKeySet to be true")
	}
	if len(logger.hmacKey) != 32 {
		t.Errorf("expected hmacKey length 32, got %d", len(logger.hmacKey))
	}
}

func TestLogBeforeHMACKey(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	// Failed logins precede the key, which is derived from the master
	// password. They must land on disk, unchained and with no hashed
	// target.
	err := logger.LogError(OpAuthLoginFailed, SourceMCP, Actor{UserID: "admin"}, "GitHub", "AUTH_FAILED", "bad password")
	if err != nil {
		t.Fatalf("LogError before key failed: %v", err)
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Operation != OpAuthLoginFailed {
		t.Errorf("operation = %s", events[0].Operation)
	}
	if events[0].Target != "" {
		t.Errorf("pre-key event must not carry a target, got %q", events[0].Target)
	}
	if events[0].Chain.Sequence != 0 || events[0].Chain.HMAC != "" {
		t.Errorf("pre-key event must be unchained, got %+v", events[0].Chain)
	}

	// Once the key arrives, the chain starts after the unchained
	// events and Verify reports them without failing.
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if err := logger.LogSuccess(OpAuthLogin, SourceMCP, Actor{UserID: "admin"}, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain should verify, errors: %v", result.Errors)
	}
	if result.RecordsTotal != 2 || result.Unchained != 1 {
		t.Errorf("RecordsTotal = %d, Unchained = %d; want 2 and 1",
			result.RecordsTotal, result.Unchained)
	}
}

func TestLogSuccess(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub")
	if err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if event.Version != 1 {
		t.Errorf("expected version 1, got %d", event.Version)
	}
	if event.Operation != OpEntryGet {
		t.Errorf("expected operation %s, got %s", OpEntryGet, event.Operation)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected result %s, got %s", ResultSuccess, event.Result)
	}
	if event.Actor.Source != SourceMCP {
		t.Errorf("expected source %s, got %s", SourceMCP, event.Actor.Source)
	}
	if event.Actor.UserID != "admin" {
		t.Errorf("expected user admin, got %s", event.Actor.UserID)
	}
	if event.Target == "" || event.Target == "GitHub" {
		t.Errorf("expected HMACed target, got %q", event.Target)
	}
	if event.Chain.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", event.Chain.Sequence)
	}
	if event.Chain.PrevHash != "genesis" {
		t.Errorf("expected prevHash 'genesis', got %s", event.Chain.PrevHash)
	}
	if event.Chain.HMAC == "" {
		t.Error("expected non-empty HMAC")
	}
}

func TestLogError(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogError(OpAuthLoginFailed, SourceMCP, Actor{UserID: "admin"}, "", "AUTH_ERROR", "invalid master password")
	if err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	data, _ := os.ReadFile(files[0])

	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if event.Result != ResultError {
		t.Errorf("expected result %s, got %s", ResultError, event.Result)
	}
	if event.Error == nil {
		t.Fatal("expected error info to be set")
	}
	if event.Error.Code != "AUTH_ERROR" {
		t.Errorf("expected error code AUTH_ERROR, got %s", event.Error.Code)
	}
	if event.Error.Message != "invalid master password" {
		t.Errorf("unexpected error message %q", event.Error.Message)
	}
}

func TestLogDenied(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogDenied(OpEntryCreate, SourceMCP, Actor{UserID: "admin"}, "GitHub", "read-only mode")
	if err != nil {
		t.Fatalf("LogDenied failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	data, _ := os.ReadFile(files[0])

	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if event.Result != ResultDenied {
		t.Errorf("expected result %s, got %s", ResultDenied, event.Result)
	}
	if event.Context == nil {
		t.Error("expected context to be set")
	} else if event.Context["reason"] != "read-only mode" {
		t.Errorf("expected reason 'read-only mode', got %v", event.Context["reason"])
	}
}

func TestChainIntegrity(t *testing.T) {
	logger := NewLogger(t.TempDir())
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := logger.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub"); err != nil {
			t.Fatalf("LogSuccess failed on iteration %d: %v", i, err)
		}
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got errors: %v", result.Errors)
	}
	if result.RecordsTotal != 5 {
		t.Errorf("expected 5 records, got %d", result.RecordsTotal)
	}
}

func TestChainPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	logger1 := NewLogger(tmpDir)
	if err := logger1.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := logger1.LogSuccess(OpDBSave, SourceMCP, Actor{UserID: "admin"}, ""); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	// A fresh logger over the same directory must continue the chain.
	logger2 := NewLogger(tmpDir)
	if err := logger2.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := logger2.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	result, err := logger2.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain after resume, got errors: %v", result.Errors)
	}
	if result.RecordsTotal != 5 {
		t.Errorf("expected 5 total records, got %d", result.RecordsTotal)
	}
}

func TestTamperingDetection(t *testing.T) {
	t.Run("detect modified record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := logger.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub"); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
		if len(files) == 0 {
			t.Fatal("no log files found")
		}
		data, err := os.ReadFile(files[0])
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}

		// Flip one operation in place.
		tampered := []byte(string(data))
		for i := 0; i+9 <= len(tampered); i++ {
			if string(tampered[i:i+9]) == "entry.get" {
				copy(tampered[i:i+9], "db.search")
				break
			}
		}
		if err := os.WriteFile(files[0], tampered, 0600); err != nil {
			t.Fatalf("failed to write tampered file: %v", err)
		}

		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}
		result, err := logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after tampering")
		}
		if len(result.Errors) == 0 {
			t.Error("expected errors to be reported")
		}
	})

	t.Run("detect deleted record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 5; i++ {
			if err := logger.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub"); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
		data, _ := os.ReadFile(files[0])

		// Drop the third line.
		var kept []byte
		lineCount := 0
		start := 0
		for i := 0; i < len(data); i++ {
			if data[i] == '\n' {
				lineCount++
				if lineCount != 3 {
					kept = append(kept, data[start:i+1]...)
				}
				start = i + 1
			}
		}
		if err := os.WriteFile(files[0], kept, 0600); err != nil {
			t.Fatalf("failed to write modified file: %v", err)
		}

		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}
		result, err := logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after record deletion")
		}
	})

	t.Run("detect wrong HMAC key", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := logger.LogSuccess(OpEntryGet, SourceMCP, Actor{UserID: "admin"}, "GitHub"); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		wrongKey := make([]byte, 32)
		for i := range wrongKey {
			wrongKey[i] = byte(255 - i)
		}
		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(wrongKey); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}
		result, err := logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain with wrong HMAC key")
		}
	})
}

func TestVerifyEmptyLog(t *testing.T) {
	logger := NewLogger(t.TempDir())
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid result for empty log: %v", result.Errors)
	}
	if result.RecordsTotal != 0 {
		t.Errorf("expected 0 records, got %d", result.RecordsTotal)
	}
}

func TestListEvents(t *testing.T) {
	logger := NewLogger(t.TempDir())
	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	actor := Actor{UserID: "admin"}
	_ = logger.LogSuccess(OpAuthLogin, SourceMCP, actor, "")
	_ = logger.LogSuccess(OpEntryGet, SourceMCP, actor, "GitHub")
	_ = logger.LogError(OpAuthLoginFailed, SourceMCP, actor, "", "AUTH_ERROR", "bad password")
	_ = logger.LogDenied(OpEntryDelete, SourceMCP, actor, "GitHub", "read-only mode")
	_ = logger.LogSuccess(OpDBLock, SourceMCP, actor, "")

	var zero time.Time
	events, err := logger.ListEvents(100, zero)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	ops := make(map[string]int)
	for _, e := range events {
		ops[e.Operation]++
	}
	if ops[OpAuthLogin] != 1 {
		t.Errorf("expected 1 auth.login, got %d", ops[OpAuthLogin])
	}
	if ops[OpEntryDelete] != 1 {
		t.Errorf("expected 1 entry.delete, got %d", ops[OpEntryDelete])
	}

	// A limit returns the most recent events.
	events, err = logger.ListEvents(2, zero)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Operation != OpDBLock {
		t.Errorf("expected last event db.lock, got %s", events[1].Operation)
	}
}
