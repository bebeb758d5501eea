// Package backup creates checksummed, optionally gzip-compressed
// snapshots of the store file, enforces a retention policy, and
// performs verified restore with automatic rollback.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

const metaSuffix = ".meta"

// Record is the sidecar metadata persisted next to every backup.
type Record struct {
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
	Reason       string    `json:"reason"`
	OriginalSize int64     `json:"original_size"`
	BackupSize   int64     `json:"backup_size"`
	Compressed   bool      `json:"compressed"`
	Checksum     string    `json:"checksum"` // sha256 of the source at backup time
	Verified     bool      `json:"verified"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Filename         string    `json:"filename"`
	RestoredAt       time.Time `json:"restored_at"`
	Verified         bool      `json:"verified"`
	PreRestoreBackup *Record   `json:"pre_restore_backup,omitempty"`
}

// VerifyReport is the read-only verification result.
type VerifyReport struct {
	Filename       string `json:"filename"`
	Exists         bool   `json:"exists"`
	MetaPresent    bool   `json:"meta_present"`
	ChecksumMatch  bool   `json:"checksum_match"`
	SizeConsistent bool   `json:"size_consistent"`
	Valid          bool   `json:"valid"`
	Detail         string `json:"detail,omitempty"`
}

// Stats summarizes the backup directory.
type Stats struct {
	Count      int            `json:"count"`
	TotalBytes int64          `json:"total_bytes"`
	ByReason   map[string]int `json:"by_reason"`
	Oldest     time.Time      `json:"oldest,omitempty"`
	Newest     time.Time      `json:"newest,omitempty"`
}

// Manager snapshots one source file into one backup directory.
type Manager struct {
	sourcePath string
	dir        string
	maxBackups int
	now        func() time.Time
}

func NewManager(sourcePath, dir string, maxBackups int) *Manager {
	return &Manager{
		sourcePath: sourcePath,
		dir:        dir,
		maxBackups: maxBackups,
		now:        time.Now,
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create snapshots the source file. The checksum is computed from the
// source before copying, so the record always reflects the pre-backup
// state. With verify, a mismatching artifact is deleted rather than
// left unverifiable on disk. Retention cleanup runs afterwards.
func (m *Manager) Create(reason string, compress, verify bool) (*Record, error) {
	src, err := os.Stat(m.sourcePath)
	if err != nil {
		return nil, fmt.Errorf("backup: source file %s does not exist: %w", m.sourcePath, kwerr.ErrBackup)
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
	}

	checksum, err := fileChecksum(m.sourcePath)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to checksum source: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(m.sourcePath), filepath.Ext(m.sourcePath))
	ext := filepath.Ext(m.sourcePath)
	name := fmt.Sprintf("%s_%s_%s%s", base, m.now().Format("20060102_150405"), reason, ext)
	if compress {
		name += ".gz"
	}
	path := filepath.Join(m.dir, name)

	if err := m.writeArtifact(path, compress); err != nil {
		return nil, err
	}

	rec := &Record{
		Filename:     name,
		Path:         path,
		CreatedAt:    m.now(),
		Reason:       reason,
		OriginalSize: src.Size(),
		Compressed:   compress,
		Checksum:     checksum,
	}
	if st, err := os.Stat(path); err == nil {
		rec.BackupSize = st.Size()
	}

	if verify {
		got, err := artifactChecksum(path, compress)
		if err != nil || got != checksum {
			os.Remove(path)
			if err == nil {
				err = fmt.Errorf("checksum mismatch")
			}
			return nil, fmt.Errorf("backup: verification failed for %s (%v): %w", name, err, kwerr.ErrBackup)
		}
		rec.Verified = true
	}

	if err := m.writeMeta(rec); err != nil {
		os.Remove(path)
		return nil, err
	}

	if _, err := m.Cleanup(); err != nil {
		log.Printf("backup: retention cleanup failed: %v", err)
	}
	log.Printf("backup: created %s (reason: %s)", name, reason)
	return rec, nil
}

// Restore replaces the live source file with a backup. The live file
// is copied aside first and any post-restore verification failure
// rolls it back, so the live store ends either fully restored or
// unchanged.
func (m *Manager) Restore(filename string, verifyBefore, preRestore bool) (*RestoreResult, error) {
	path := filepath.Join(m.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("backup: backup %s not found: %w", filename, kwerr.ErrBackup)
	}

	rec, err := m.readMeta(filename)
	if err != nil {
		// Sidecar-less artifacts are still listed, so they have to
		// stay restorable. Without metadata there is no recorded
		// checksum; the restore proceeds with rollback protection
		// only, inferring compression from the filename as List does.
		rec = &Record{
			Filename:   filename,
			Path:       path,
			Compressed: strings.HasSuffix(filename, ".gz"),
		}
		log.Printf("backup: no metadata for %s, restoring without checksum verification", filename)
	}

	if verifyBefore && rec.Checksum != "" {
		got, err := artifactChecksum(path, rec.Compressed)
		if err != nil || got != rec.Checksum {
			return nil, fmt.Errorf("backup: pre-restore verification failed for %s: %w", filename, kwerr.ErrBackup)
		}
	}

	result := &RestoreResult{Filename: filename}
	if preRestore {
		if _, err := os.Stat(m.sourcePath); err == nil {
			snap, err := m.Create("pre_restore", true, true)
			if err != nil {
				return nil, fmt.Errorf("backup: pre-restore snapshot failed: %w", err)
			}
			result.PreRestoreBackup = snap
		}
	}

	// Transient rollback point next to the live file.
	aside := m.sourcePath + ".rollback"
	haveAside := false
	if _, err := os.Stat(m.sourcePath); err == nil {
		if err := copyFile(m.sourcePath, aside); err != nil {
			return nil, fmt.Errorf("backup: failed to stage rollback copy: %w", err)
		}
		haveAside = true
	}
	defer func() {
		if haveAside {
			os.Remove(aside)
		}
	}()

	if err := m.restoreArtifact(path, rec.Compressed); err != nil {
		m.rollback(aside, haveAside)
		return nil, fmt.Errorf("backup: restore of %s failed: %w", filename, kwerr.ErrBackup)
	}

	if rec.Checksum != "" {
		got, err := fileChecksum(m.sourcePath)
		if err != nil || got != rec.Checksum {
			m.rollback(aside, haveAside)
			return nil, fmt.Errorf("backup: post-restore verification failed for %s, live store rolled back: %w",
				filename, kwerr.ErrBackup)
		}
		result.Verified = true
	}

	result.RestoredAt = m.now()
	log.Printf("backup: restored %s", filename)
	return result, nil
}

// Verify checks a backup without modifying anything.
func (m *Manager) Verify(filename string) (*VerifyReport, error) {
	report := &VerifyReport{Filename: filename}
	path := filepath.Join(m.dir, filename)

	st, err := os.Stat(path)
	if err != nil {
		report.Detail = "backup file not found"
		return report, nil
	}
	report.Exists = true

	rec, err := m.readMeta(filename)
	if err != nil {
		report.Detail = "metadata sidecar missing"
		return report, nil
	}
	report.MetaPresent = true
	report.SizeConsistent = rec.BackupSize == st.Size()

	got, err := artifactChecksum(path, rec.Compressed)
	if err != nil {
		report.Detail = fmt.Sprintf("failed to read artifact: %v", err)
		return report, nil
	}
	report.ChecksumMatch = got == rec.Checksum
	report.Valid = report.ChecksumMatch && report.SizeConsistent
	if !report.Valid && report.Detail == "" {
		report.Detail = "checksum or size mismatch"
	}
	return report, nil
}

// List returns records newest first. Artifacts without a sidecar get
// a record synthesized from the file modification time.
func (m *Manager) List() ([]*Record, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"))
	if err != nil {
		return nil, fmt.Errorf("backup: failed to list backups: %w", err)
	}

	var records []*Record
	for _, p := range paths {
		name := filepath.Base(p)
		if strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if rec, err := m.readMeta(name); err == nil {
			records = append(records, rec)
			continue
		}
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			records = append(records, &Record{
				Filename:   name,
				Path:       p,
				CreatedAt:  st.ModTime(),
				BackupSize: st.Size(),
				Compressed: strings.HasSuffix(name, ".gz"),
			})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Cleanup deletes the oldest backups beyond maxBackups. Individual
// deletion failures are logged and skipped; only successful deletions
// are reported.
func (m *Manager) Cleanup() ([]string, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}
	if m.maxBackups <= 0 || len(records) <= m.maxBackups {
		return nil, nil
	}

	var deleted []string
	for _, rec := range records[m.maxBackups:] {
		if err := os.Remove(rec.Path); err != nil {
			log.Printf("backup: failed to delete %s: %v", rec.Filename, err)
			continue
		}
		os.Remove(rec.Path + metaSuffix)
		deleted = append(deleted, rec.Filename)
	}
	if len(deleted) > 0 {
		log.Printf("backup: retention removed %d old backups", len(deleted))
	}
	return deleted, nil
}

// Statistics summarizes the backup directory.
func (m *Manager) Statistics() (*Stats, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByReason: make(map[string]int)}
	for _, rec := range records {
		stats.Count++
		stats.TotalBytes += rec.BackupSize
		if rec.Reason != "" {
			stats.ByReason[rec.Reason]++
		}
		if stats.Oldest.IsZero() || rec.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = rec.CreatedAt
		}
		if rec.CreatedAt.After(stats.Newest) {
			stats.Newest = rec.CreatedAt
		}
	}
	return stats, nil
}

func (m *Manager) rollback(aside string, haveAside bool) {
	if !haveAside {
		return
	}
	if err := copyFile(aside, m.sourcePath); err != nil {
		log.Printf("backup: rollback failed: %v", err)
	}
}

func (m *Manager) writeArtifact(path string, compress bool) error {
	in, err := os.Open(m.sourcePath)
	if err != nil {
		return fmt.Errorf("backup: failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("backup: failed to create artifact: %w", err)
	}

	var w io.Writer = out
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(out)
		w = gz
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("backup: failed to write artifact: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			out.Close()
			os.Remove(path)
			return fmt.Errorf("backup: failed to finish compression: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("backup: failed to flush artifact: %w", err)
	}
	return nil
}

// restoreArtifact writes the backup contents over the live source via
// a temp file and rename in the same directory.
func (m *Manager) restoreArtifact(path string, compressed bool) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader = in
	if compressed {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.sourcePath), ".keywarden-restore-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, m.sourcePath)
}

func (m *Manager) writeMeta(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(rec.Path+metaSuffix, data, 0600); err != nil {
		return fmt.Errorf("backup: failed to write metadata: %w", err)
	}
	return nil
}

func (m *Manager) readMeta(filename string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, filename+metaSuffix))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// artifactChecksum hashes a backup's logical contents, decompressing
// first when needed.
func artifactChecksum(path string, compressed bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", err
		}
		defer gz.Close()
		r = gz
	}

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
