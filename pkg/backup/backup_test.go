package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

func newTestManager(t *testing.T, max int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "store.kdbx")
	if err := os.WriteFile(source, []byte("kdbx payload v1"), 0600); err != nil {
		t.Fatalf("failed to seed source file: %v", err)
	}
	m := NewManager(source, filepath.Join(dir, "backups"), max)
	// Deterministic, strictly increasing clock so filenames never collide.
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return m, source
}

func TestCreateAndList(t *testing.T) {
	m, _ := newTestManager(t, 10)

	rec, err := m.Create("manual", false, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !rec.Verified {
		t.Error("expected record to be verified")
	}
	if rec.Compressed {
		t.Error("record should not be marked compressed")
	}
	if !strings.HasSuffix(rec.Filename, "_manual.kdbx") {
		t.Errorf("unexpected filename %q", rec.Filename)
	}
	if rec.Checksum == "" {
		t.Error("expected checksum to be recorded")
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Filename != rec.Filename {
		t.Errorf("List returned %q, want %q", records[0].Filename, rec.Filename)
	}
}

func TestCreateMissingSource(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "absent.kdbx"), filepath.Join(dir, "backups"), 10)
	if _, err := m.Create("manual", false, false); !errors.Is(err, kwerr.ErrBackup) {
		t.Errorf("expected ErrBackup for missing source, got %v", err)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	m, source := newTestManager(t, 10)
	original, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("failed to read source: %v", err)
	}

	rec, err := m.Create("manual", true, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !rec.Compressed || !strings.HasSuffix(rec.Filename, ".gz") {
		t.Errorf("expected compressed artifact, got %q", rec.Filename)
	}

	// Corrupt the live file, then restore.
	if err := os.WriteFile(source, []byte("overwritten"), 0600); err != nil {
		t.Fatalf("failed to overwrite source: %v", err)
	}
	result, err := m.Restore(rec.Filename, true, false)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !result.Verified {
		t.Error("expected restore to be verified")
	}

	restored, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("failed to read restored file: %v", err)
	}
	if string(restored) != string(original) {
		t.Errorf("restored contents differ: got %q, want %q", restored, original)
	}
	if _, err := os.Stat(source + ".rollback"); !os.IsNotExist(err) {
		t.Error("rollback copy should be removed after success")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	m, _ := newTestManager(t, 10)
	rec, err := m.Create("manual", false, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(rec.Path, data, 0600); err != nil {
		t.Fatalf("failed to tamper with artifact: %v", err)
	}

	report, err := m.Verify(rec.Filename)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Valid || report.ChecksumMatch {
		t.Error("expected tampered artifact to fail verification")
	}
	if !report.Exists || !report.MetaPresent {
		t.Error("artifact and metadata should still be reported present")
	}
}

func TestRestoreRejectsTamperedBackup(t *testing.T) {
	m, source := newTestManager(t, 10)
	rec, err := m.Create("manual", false, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(rec.Path, data, 0600); err != nil {
		t.Fatalf("failed to tamper with artifact: %v", err)
	}

	before, _ := os.ReadFile(source)
	if _, err := m.Restore(rec.Filename, true, false); !errors.Is(err, kwerr.ErrBackup) {
		t.Fatalf("expected ErrBackup for tampered backup, got %v", err)
	}
	after, _ := os.ReadFile(source)
	if string(before) != string(after) {
		t.Error("live file must be untouched when pre-restore verification fails")
	}
}

func TestRestoreWithoutMetadata(t *testing.T) {
	m, source := newTestManager(t, 10)
	original, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("failed to read source: %v", err)
	}

	rec, err := m.Create("manual", true, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.Remove(rec.Path + metaSuffix); err != nil {
		t.Fatalf("failed to remove sidecar: %v", err)
	}

	if err := os.WriteFile(source, []byte("overwritten"), 0600); err != nil {
		t.Fatalf("failed to overwrite source: %v", err)
	}

	// List still surfaces the artifact, so it must stay restorable.
	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].Filename != rec.Filename {
		t.Fatalf("expected sidecar-less artifact in listing, got %v", records)
	}

	result, err := m.Restore(rec.Filename, false, false)
	if err != nil {
		t.Fatalf("Restore without sidecar failed: %v", err)
	}
	if result.Verified {
		t.Error("restore without metadata has no checksum to verify against")
	}

	restored, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("failed to read restored file: %v", err)
	}
	if string(restored) != string(original) {
		t.Errorf("restored contents differ: got %q, want %q", restored, original)
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	m, _ := newTestManager(t, 10)
	if _, err := m.Restore("no_such_backup.kdbx", false, false); !errors.Is(err, kwerr.ErrBackup) {
		t.Errorf("expected ErrBackup, got %v", err)
	}
}

func TestRestoreCreatesPreRestoreBackup(t *testing.T) {
	m, _ := newTestManager(t, 10)
	rec, err := m.Create("manual", false, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := m.Restore(rec.Filename, true, true)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.PreRestoreBackup == nil {
		t.Fatal("expected a pre-restore backup record")
	}
	if result.PreRestoreBackup.Reason != "pre_restore" {
		t.Errorf("pre-restore reason = %q", result.PreRestoreBackup.Reason)
	}
	if _, err := os.Stat(result.PreRestoreBackup.Path); err != nil {
		t.Errorf("pre-restore artifact missing: %v", err)
	}
}

func TestRetention(t *testing.T) {
	m, _ := newTestManager(t, 3)

	var names []string
	for i := 0; i < 5; i++ {
		rec, err := m.Create("auto_save_after_create", true, false)
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		names = append(names, rec.Filename)
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 surviving backups, got %d", len(records))
	}
	// Newest first, and the two oldest are gone.
	if records[0].Filename != names[4] {
		t.Errorf("newest = %q, want %q", records[0].Filename, names[4])
	}
	for _, rec := range records {
		if rec.Filename == names[0] || rec.Filename == names[1] {
			t.Errorf("old backup %q should have been evicted", rec.Filename)
		}
	}
}

func TestStatistics(t *testing.T) {
	m, _ := newTestManager(t, 10)
	if _, err := m.Create("manual", false, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create("manual", true, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create("pre_save_manual", true, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stats, err := m.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Count != 3 {
		t.Errorf("Count = %d, want 3", stats.Count)
	}
	if stats.ByReason["manual"] != 2 || stats.ByReason["pre_save_manual"] != 1 {
		t.Errorf("unexpected reason histogram: %v", stats.ByReason)
	}
	if stats.TotalBytes <= 0 {
		t.Error("expected positive total size")
	}
	if !stats.Oldest.Before(stats.Newest) {
		t.Errorf("Oldest %v should precede Newest %v", stats.Oldest, stats.Newest)
	}
}

func TestVerifyMissingArtifact(t *testing.T) {
	m, _ := newTestManager(t, 10)
	report, err := m.Verify("ghost.kdbx")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Exists || report.Valid {
		t.Error("missing artifact must report not existing and invalid")
	}
}
