// Package store owns the single mutable handle to the encrypted
// credential database. One mutex serializes unlock, lock, save, and
// every mutation; all mutation primitives fail fast with
// ErrDatabaseLocked while the store is locked.
package store

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/codec"
	"github.com/keywarden/keywarden/pkg/backup"
	"github.com/keywarden/keywarden/pkg/kwerr"
)

// recycleBinName is the soft-delete destination group.
const recycleBinName = "Recycle Bin"

// staleBackupAge marks the newest backup as stale in health reports.
const staleBackupAge = 7 * 24 * time.Hour

// Config holds the handler's tunables.
type Config struct {
	DBPath   string
	KeyFile  string
	AutoSave bool
}

// Handler is the lock state machine around the encrypted store.
type Handler struct {
	cfg     Config
	backups *backup.Manager

	mu       sync.Mutex
	handle   codec.Handle
	locked   bool
	lastSave time.Time

	// open is swappable so tests can inject a fake codec.
	open func(path, passphrase, keyFile string) (codec.Handle, error)
}

// NewHandler starts in the Locked state.
func NewHandler(cfg Config, backups *backup.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		backups: backups,
		locked:  true,
		open:    codec.Open,
	}
}

// UnlockInfo reports the result of a successful unlock.
type UnlockInfo struct {
	UnlockedAt   time.Time `json:"unlocked_at"`
	DatabasePath string    `json:"database_path"`
	HasKeyFile   bool      `json:"has_key_file"`
	EntryCount   int       `json:"entry_count"`
	GroupCount   int       `json:"group_count"`
}

// Unlock opens the database. Typed failures pass through from the
// codec: ErrAuthentication, ErrDatabaseCorrupted, ErrDatabase.
func (h *Handler) Unlock(password, keyFile string) (*UnlockInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if keyFile == "" {
		keyFile = h.cfg.KeyFile
	}

	handle, err := h.open(h.cfg.DBPath, password, keyFile)
	if err != nil {
		return nil, err
	}
	if h.handle != nil {
		h.handle.Close()
	}
	h.handle = handle
	h.locked = false
	h.lastSave = time.Now()

	log.Printf("store: database unlocked: %s", h.cfg.DBPath)
	return &UnlockInfo{
		UnlockedAt:   time.Now(),
		DatabasePath: h.cfg.DBPath,
		HasKeyFile:   keyFile != "",
		EntryCount:   len(handle.Entries()),
		GroupCount:   len(handle.Groups()),
	}, nil
}

// Lock saves best-effort, then discards the handle and its decrypted
// material. Locking a locked store is a no-op.
func (h *Handler) Lock() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handle != nil && !h.locked {
		if _, err := h.saveLocked("lock_operation"); err != nil {
			// The lock still proceeds; losing unsaved changes beats
			// leaving secrets in memory.
			log.Printf("store: save before lock failed: %v", err)
		}
	}
	if h.handle != nil {
		h.handle.Close()
		h.handle = nil
	}
	h.locked = true
	log.Printf("store: database locked")
	return nil
}

// IsLocked reports the lock state.
func (h *Handler) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// SaveInfo reports a completed save.
type SaveInfo struct {
	SavedAt       time.Time      `json:"saved_at"`
	Reason        string         `json:"reason"`
	BackupCreated bool           `json:"backup_created"`
	Backup        *backup.Record `json:"backup,omitempty"`
}

// Save commits the store to disk. Manual and pre-operation saves
// attempt a verified backup first; a failed backup is logged and the
// save proceeds, since persisting user data outranks snapshotting it.
func (h *Handler) Save(reason string) (*SaveInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked(reason)
}

// saveLocked is Save without the mutex. Caller holds mu.
func (h *Handler) saveLocked(reason string) (*SaveInfo, error) {
	if h.locked || h.handle == nil {
		return nil, fmt.Errorf("store: database is locked: %w", kwerr.ErrDatabaseLocked)
	}

	info := &SaveInfo{Reason: reason}
	if h.backups != nil && (reason == "manual" || reason == "pre_operation") {
		rec, err := h.backups.Create("pre_save_"+reason, true, true)
		if err != nil {
			log.Printf("store: backup before save failed: %v", err)
		} else {
			info.BackupCreated = true
			info.Backup = rec
		}
	}

	if err := h.handle.Save(); err != nil {
		return nil, fmt.Errorf("store: failed to save database: %w", err)
	}
	h.lastSave = time.Now()
	info.SavedAt = h.lastSave
	log.Printf("store: database saved (reason: %s)", reason)
	return info, nil
}

// autoSave persists after a mutation when enabled. Caller holds mu.
func (h *Handler) autoSave(op string) error {
	if !h.cfg.AutoSave {
		return nil
	}
	_, err := h.saveLocked("auto_save_after_" + op)
	return err
}

// requireUnlocked is the mutation gate. Caller holds mu.
func (h *Handler) requireUnlocked() error {
	if h.locked || h.handle == nil {
		return fmt.Errorf("store: database is locked: %w", kwerr.ErrDatabaseLocked)
	}
	return nil
}

// --- Entry operations ---

// Entries returns decrypted snapshots of every entry.
func (h *Handler) Entries() ([]*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.handle.Entries(), nil
}

// GetEntry returns one entry by id.
func (h *Handler) GetEntry(id string) (*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.handle.GetEntry(id)
}

// CreateEntry adds an entry to the given group (root when empty).
func (h *Handler) CreateEntry(groupID string, data codec.EntryData) (*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	if groupID == "" {
		groupID = h.handle.RootGroup().ID
	}
	entry, err := h.handle.AddEntry(groupID, data)
	if err != nil {
		return nil, err
	}
	if err := h.autoSave("create"); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateEntry rewrites an entry's fields.
func (h *Handler) UpdateEntry(id string, data codec.EntryData) (*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	entry, err := h.handle.UpdateEntry(id, data)
	if err != nil {
		return nil, err
	}
	if err := h.autoSave("update"); err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteEntry removes an entry. Without permanent it is moved to the
// recycle bin group, which is created on demand.
func (h *Handler) DeleteEntry(id string, permanent bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}

	if permanent {
		if err := h.handle.DeleteEntry(id); err != nil {
			return err
		}
	} else {
		bin, err := h.recycleBin()
		if err != nil {
			return err
		}
		if err := h.handle.MoveEntry(id, bin.ID); err != nil {
			return err
		}
	}
	return h.autoSave("delete")
}

// MoveEntry relocates an entry to another group.
func (h *Handler) MoveEntry(id, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}
	if err := h.handle.MoveEntry(id, groupID); err != nil {
		return err
	}
	return h.autoSave("move")
}

// DuplicateEntry copies an entry into its own group with a " (Copy)"
// title suffix and a fresh id.
func (h *Handler) DuplicateEntry(id string) (*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}

	src, err := h.handle.GetEntry(id)
	if err != nil {
		return nil, err
	}
	dup, err := h.handle.AddEntry(src.GroupID, codec.EntryData{
		Title:        src.Title + " (Copy)",
		Username:     src.Username,
		Password:     src.Password,
		URL:          src.URL,
		Notes:        src.Notes,
		Tags:         src.Tags,
		CustomFields: src.CustomFields,
	})
	if err != nil {
		return nil, err
	}
	if err := h.autoSave("duplicate"); err != nil {
		return nil, err
	}
	return dup, nil
}

// ListOptions scopes and orders entry listings.
type ListOptions struct {
	GroupID          string
	GroupName        string
	IncludeSubgroups bool
	SortBy           string // title, username, created, modified
	Limit            int
}

// ListEntries returns entries, optionally scoped to a group.
func (h *Handler) ListEntries(opts ListOptions) ([]*codec.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}

	entries := h.handle.Entries()

	if opts.GroupID != "" || opts.GroupName != "" {
		group, err := h.resolveGroup(opts.GroupID, opts.GroupName)
		if err != nil {
			return nil, err
		}
		var scoped []*codec.Entry
		for _, e := range entries {
			if e.GroupID == group.ID {
				scoped = append(scoped, e)
				continue
			}
			if opts.IncludeSubgroups && strings.HasPrefix(e.Group, group.Path+"/") {
				scoped = append(scoped, e)
			}
		}
		entries = scoped
	}

	switch opts.SortBy {
	case "", "title":
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Title) < strings.ToLower(entries[j].Title)
		})
	case "username":
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Username) < strings.ToLower(entries[j].Username)
		})
	case "created":
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Created.Before(entries[j].Created)
		})
	case "modified":
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Modified.Before(entries[j].Modified)
		})
	default:
		return nil, fmt.Errorf("store: unknown sort key %q: %w", opts.SortBy, kwerr.ErrValidation)
	}

	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// --- Group operations ---

// Groups returns snapshots of the whole hierarchy.
func (h *Handler) Groups() ([]*codec.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.handle.Groups(), nil
}

// GetGroup returns one group by id.
func (h *Handler) GetGroup(id string) (*codec.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.handle.GetGroup(id)
}

// CreateGroup adds a group under the given parent (root when empty).
func (h *Handler) CreateGroup(parentID string, data codec.GroupData) (*codec.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	if parentID == "" {
		parentID = h.handle.RootGroup().ID
	}
	group, err := h.handle.AddGroup(parentID, data)
	if err != nil {
		return nil, err
	}
	if err := h.autoSave("group_create"); err != nil {
		return nil, err
	}
	return group, nil
}

// UpdateGroup renames a group or changes its notes.
func (h *Handler) UpdateGroup(id string, data codec.GroupData) (*codec.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	group, err := h.handle.UpdateGroup(id, data)
	if err != nil {
		return nil, err
	}
	if err := h.autoSave("group_update"); err != nil {
		return nil, err
	}
	return group, nil
}

// DeleteGroup removes a group. A non-empty group requires force.
func (h *Handler) DeleteGroup(id string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}

	if !force {
		group, err := h.handle.GetGroup(id)
		if err != nil {
			return err
		}
		if group.EntryCount > 0 || h.hasSubgroups(id) {
			return fmt.Errorf("store: group %q is not empty, use force to delete: %w",
				group.Name, kwerr.ErrValidation)
		}
	}
	if err := h.handle.DeleteGroup(id); err != nil {
		return err
	}
	return h.autoSave("group_delete")
}

// MoveGroup reparents a group. Circular moves are rejected by the
// codec.
func (h *Handler) MoveGroup(id, parentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}
	if err := h.handle.MoveGroup(id, parentID); err != nil {
		return err
	}
	return h.autoSave("group_move")
}

// RootGroup returns the hierarchy root.
func (h *Handler) RootGroup() (*codec.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.handle.RootGroup(), nil
}

// --- Reports ---

// Info is the database report.
type Info struct {
	Path            string    `json:"path"`
	SizeBytes       int64     `json:"size_bytes"`
	EntryCount      int       `json:"entry_count"`
	GroupCount      int       `json:"group_count"`
	LastSaved       time.Time `json:"last_saved"`
	AutoSaveEnabled bool      `json:"auto_save_enabled"`
}

// DatabaseInfo reports counts and file size for the unlocked store.
func (h *Handler) DatabaseInfo() (*Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}

	info := &Info{
		Path:            h.cfg.DBPath,
		EntryCount:      len(h.handle.Entries()),
		GroupCount:      len(h.handle.Groups()),
		LastSaved:       h.lastSave,
		AutoSaveEnabled: h.cfg.AutoSave,
	}
	if st, err := os.Stat(h.cfg.DBPath); err == nil {
		info.SizeBytes = st.Size()
	}
	return info, nil
}

// Health is the health report. Status is "healthy" or
// "issues_detected".
type Health struct {
	Status             string   `json:"status"`
	DatabaseExists     bool     `json:"database_exists"`
	DatabaseAccessible bool     `json:"database_accessible"`
	DatabaseLocked     bool     `json:"database_locked"`
	BackupDirExists    bool     `json:"backup_dir_exists"`
	RecentBackup       bool     `json:"recent_backup_available"`
	LatestBackupAge    string   `json:"latest_backup_age,omitempty"`
	Issues             []string `json:"issues,omitempty"`
}

// HealthCheck never returns an error; every failure becomes an issue
// in the report.
func (h *Handler) HealthCheck() *Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := &Health{DatabaseLocked: h.locked}

	if st, err := os.Stat(h.cfg.DBPath); err == nil {
		report.DatabaseExists = true
		if st.Mode().IsRegular() {
			if f, err := os.Open(h.cfg.DBPath); err == nil {
				report.DatabaseAccessible = true
				f.Close()
			} else {
				report.Issues = append(report.Issues, fmt.Sprintf("database not accessible: %v", err))
			}
		}
	} else {
		report.Issues = append(report.Issues, "database file does not exist")
	}

	if h.backups != nil {
		if _, err := os.Stat(h.backups.Dir()); err == nil {
			report.BackupDirExists = true
			records, err := h.backups.List()
			switch {
			case err != nil:
				report.Issues = append(report.Issues, fmt.Sprintf("could not check backups: %v", err))
			case len(records) == 0:
				report.Issues = append(report.Issues, "no backups found")
			default:
				age := time.Since(records[0].CreatedAt)
				report.LatestBackupAge = age.Round(time.Hour).String()
				report.RecentBackup = age < staleBackupAge
				if !report.RecentBackup {
					report.Issues = append(report.Issues, "newest backup is older than 7 days")
				}
			}
		} else {
			report.Issues = append(report.Issues, "backup directory does not exist")
		}
	}

	if len(report.Issues) == 0 {
		report.Status = "healthy"
	} else {
		report.Status = "issues_detected"
	}
	return report
}

// --- helpers ---

func (h *Handler) resolveGroup(id, name string) (*codec.Group, error) {
	if id != "" {
		return h.handle.GetGroup(id)
	}
	for _, g := range h.handle.Groups() {
		if strings.EqualFold(g.Name, name) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("store: group %q: %w", name, kwerr.ErrGroupNotFound)
}

func (h *Handler) hasSubgroups(id string) bool {
	for _, g := range h.handle.Groups() {
		if g.ParentID == id {
			return true
		}
	}
	return false
}

// recycleBin finds or creates the soft-delete group under the root.
func (h *Handler) recycleBin() (*codec.Group, error) {
	for _, g := range h.handle.Groups() {
		if g.Name == recycleBinName {
			return g, nil
		}
	}
	return h.handle.AddGroup(h.handle.RootGroup().ID, codec.GroupData{Name: recycleBinName})
}
