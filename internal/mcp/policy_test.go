package mcp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePolicy(t *testing.T, dir, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, PolicyFileName), []byte(content), perm); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
}

func TestLoadPolicyNotFound(t *testing.T) {
	_, err := LoadPolicy(t.TempDir())
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, `version: 1
read_only: true
denied_tools:
  - delete_entry
  - restore_backup
`, 0600)

	policy, err := LoadPolicy(dir)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if !policy.ForcesReadOnly() {
		t.Error("read_only: true should force readonly mode")
	}
	if !policy.ToolDenied("delete_entry") || !policy.ToolDenied("restore_backup") {
		t.Error("denied tools not honored")
	}
	if policy.ToolDenied("list_entries") {
		t.Error("undeclared tool reported as denied")
	}
}

func TestLoadPolicyInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "version: 1\n", 0644)

	if _, err := LoadPolicy(dir); !errors.Is(err, ErrPolicyInsecure) {
		t.Errorf("expected ErrPolicyInsecure for 0644, got %v", err)
	}
}

func TestLoadPolicyBadVersion(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "version: 2\n", 0600)

	if _, err := LoadPolicy(dir); err == nil {
		t.Error("expected an error for an unsupported version")
	}
}

func TestNilPolicyAllowsEverything(t *testing.T) {
	var policy *Policy
	if policy.ToolDenied("delete_entry") {
		t.Error("nil policy must not deny tools")
	}
	if policy.ForcesReadOnly() {
		t.Error("nil policy must not force readonly")
	}
}
