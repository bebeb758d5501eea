package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tobischo/gokeepasslib/v3"
	w "github.com/tobischo/gokeepasslib/v3/wrappers"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

// KDBX file signature, checked before decoding so a structurally
// broken file is reported as corruption rather than bad credentials.
const (
	kdbxSig1 = 0x9AA2D903
	kdbxSig2 = 0xB54BFB67
)

// Standard KDBX value keys.
const (
	keyTitle    = "Title"
	keyUsername = "UserName"
	keyPassword = "Password"
	keyURL      = "URL"
	keyNotes    = "Notes"
)

type kdbxHandle struct {
	path string
	db   *gokeepasslib.Database
}

// Open decrypts the database at path. Failures are typed: a missing
// file wraps ErrDatabase, a bad signature wraps ErrDatabaseCorrupted,
// and a decode failure on a well-formed file wraps ErrAuthentication.
func Open(path, passphrase, keyFile string) (Handle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("codec: database file not found at %s: %w", path, kwerr.ErrDatabase)
		}
		return nil, fmt.Errorf("codec: failed to read database: %w", err)
	}

	if len(raw) < 8 ||
		binary.LittleEndian.Uint32(raw[0:4]) != kdbxSig1 ||
		binary.LittleEndian.Uint32(raw[4:8]) != kdbxSig2 {
		return nil, fmt.Errorf("codec: %s is not a KDBX database: %w", path, kwerr.ErrDatabaseCorrupted)
	}

	creds, err := credentials(passphrase, keyFile)
	if err != nil {
		return nil, err
	}

	db := gokeepasslib.NewDatabase()
	db.Credentials = creds
	if err := gokeepasslib.NewDecoder(bytes.NewReader(raw)).Decode(db); err != nil {
		// Signature was valid, so decryption failed.
		return nil, fmt.Errorf("codec: failed to decrypt database: %w", kwerr.ErrAuthentication)
	}
	if err := db.UnlockProtectedEntries(); err != nil {
		return nil, fmt.Errorf("codec: failed to unlock protected values: %w", kwerr.ErrDatabaseCorrupted)
	}
	if db.Content == nil || db.Content.Root == nil || len(db.Content.Root.Groups) == 0 {
		return nil, fmt.Errorf("codec: database has no root group: %w", kwerr.ErrDatabaseCorrupted)
	}

	return &kdbxHandle{path: path, db: db}, nil
}

// Create writes a fresh KDBX4 database with a single root group.
func Create(path, passphrase, keyFile string) error {
	creds, err := credentials(passphrase, keyFile)
	if err != nil {
		return err
	}

	db := gokeepasslib.NewDatabase(gokeepasslib.WithDatabaseKDBXVersion4())
	db.Credentials = creds
	root := gokeepasslib.NewGroup()
	root.Name = "Root"
	db.Content.Root = &gokeepasslib.RootData{Groups: []gokeepasslib.Group{root}}

	h := &kdbxHandle{path: path, db: db}
	return h.Save()
}

func credentials(passphrase, keyFile string) (*gokeepasslib.DBCredentials, error) {
	if keyFile == "" {
		return gokeepasslib.NewPasswordCredentials(passphrase), nil
	}
	creds, err := gokeepasslib.NewPasswordAndKeyCredentials(passphrase, keyFile)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to load key file: %w", kwerr.ErrAuthentication)
	}
	return creds, nil
}

// Save re-encrypts to a temp file and renames it over the original.
func (h *kdbxHandle) Save() error {
	if err := h.db.LockProtectedEntries(); err != nil {
		return fmt.Errorf("codec: failed to lock protected values: %w", err)
	}
	defer func() {
		if err := h.db.UnlockProtectedEntries(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to re-unlock protected values: %v\n", err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".keywarden-save-*")
	if err != nil {
		return fmt.Errorf("codec: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := gokeepasslib.NewEncoder(tmp).Encode(h.db); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("codec: failed to encode database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codec: failed to flush database: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codec: failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codec: failed to replace database: %w", err)
	}
	return nil
}

func (h *kdbxHandle) Close() {
	// Drop the decrypted tree; the GC reclaims it. Protected values
	// are additionally re-locked to scrub in-memory plaintext.
	if h.db != nil {
		_ = h.db.LockProtectedEntries()
	}
	h.db = nil
}

func (h *kdbxHandle) root() *gokeepasslib.Group {
	return &h.db.Content.Root.Groups[0]
}

// walk visits every group depth-first with its full path.
func walk(g *gokeepasslib.Group, path string, fn func(g *gokeepasslib.Group, path string)) {
	full := g.Name
	if path != "" {
		full = path + "/" + g.Name
	}
	fn(g, full)
	for i := range g.Groups {
		walk(&g.Groups[i], full, fn)
	}
}

func (h *kdbxHandle) Entries() []*Entry {
	var out []*Entry
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		for i := range g.Entries {
			out = append(out, snapshotEntry(&g.Entries[i], g, path))
		}
	})
	return out
}

func (h *kdbxHandle) Groups() []*Group {
	var out []*Group
	h.walkWithParent(func(g, parent *gokeepasslib.Group, path string) {
		out = append(out, snapshotGroup(g, parent, path))
	})
	return out
}

func (h *kdbxHandle) walkWithParent(fn func(g, parent *gokeepasslib.Group, path string)) {
	var rec func(g, parent *gokeepasslib.Group, path string)
	rec = func(g, parent *gokeepasslib.Group, path string) {
		full := g.Name
		if path != "" {
			full = path + "/" + g.Name
		}
		fn(g, parent, full)
		for i := range g.Groups {
			rec(&g.Groups[i], g, full)
		}
	}
	rec(h.root(), nil, "")
}

func (h *kdbxHandle) RootGroup() *Group {
	root := h.root()
	return snapshotGroup(root, nil, root.Name)
}

func (h *kdbxHandle) GetEntry(id string) (*Entry, error) {
	target, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var found *Entry
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		for i := range g.Entries {
			if g.Entries[i].UUID == target {
				found = snapshotEntry(&g.Entries[i], g, path)
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("codec: entry %s: %w", id, kwerr.ErrEntryNotFound)
	}
	return found, nil
}

func (h *kdbxHandle) GetGroup(id string) (*Group, error) {
	target, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var found *Group
	h.walkWithParent(func(g, parent *gokeepasslib.Group, path string) {
		if g.UUID == target {
			found = snapshotGroup(g, parent, path)
		}
	})
	if found == nil {
		return nil, fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	return found, nil
}

func (h *kdbxHandle) AddEntry(groupID string, data EntryData) (*Entry, error) {
	group, path, err := h.findGroup(groupID)
	if err != nil {
		return nil, err
	}

	entry := gokeepasslib.NewEntry()
	applyEntryData(&entry, data)
	group.Entries = append(group.Entries, entry)

	stored := &group.Entries[len(group.Entries)-1]
	return snapshotEntry(stored, group, path), nil
}

func (h *kdbxHandle) UpdateEntry(id string, data EntryData) (*Entry, error) {
	entry, group, path, err := h.findEntry(id)
	if err != nil {
		return nil, err
	}
	applyEntryData(entry, data)
	return snapshotEntry(entry, group, path), nil
}

func (h *kdbxHandle) DeleteEntry(id string) error {
	target, err := parseUUID(id)
	if err != nil {
		return err
	}
	deleted := false
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		for i := range g.Entries {
			if g.Entries[i].UUID == target {
				g.Entries = append(g.Entries[:i], g.Entries[i+1:]...)
				deleted = true
				return
			}
		}
	})
	if !deleted {
		return fmt.Errorf("codec: entry %s: %w", id, kwerr.ErrEntryNotFound)
	}
	return nil
}

func (h *kdbxHandle) MoveEntry(id, groupID string) error {
	target, err := parseUUID(id)
	if err != nil {
		return err
	}
	dest, _, err := h.findGroup(groupID)
	if err != nil {
		return err
	}

	var moved *gokeepasslib.Entry
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		if moved != nil {
			return
		}
		for i := range g.Entries {
			if g.Entries[i].UUID == target {
				e := g.Entries[i]
				g.Entries = append(g.Entries[:i], g.Entries[i+1:]...)
				moved = &e
				return
			}
		}
	})
	if moved == nil {
		return fmt.Errorf("codec: entry %s: %w", id, kwerr.ErrEntryNotFound)
	}

	now := w.Now()
	moved.Times.LocationChanged = &now
	dest.Entries = append(dest.Entries, *moved)
	return nil
}

func (h *kdbxHandle) AddGroup(parentID string, data GroupData) (*Group, error) {
	parent, path, err := h.findGroup(parentID)
	if err != nil {
		return nil, err
	}
	for i := range parent.Groups {
		if strings.EqualFold(parent.Groups[i].Name, data.Name) {
			return nil, fmt.Errorf("codec: group %q already exists under %q: %w",
				data.Name, parent.Name, kwerr.ErrValidation)
		}
	}

	group := gokeepasslib.NewGroup()
	group.Name = data.Name
	group.Notes = data.Notes
	parent.Groups = append(parent.Groups, group)

	stored := &parent.Groups[len(parent.Groups)-1]
	return snapshotGroup(stored, parent, path+"/"+stored.Name), nil
}

func (h *kdbxHandle) UpdateGroup(id string, data GroupData) (*Group, error) {
	target, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	if h.root().UUID == target {
		return nil, fmt.Errorf("codec: the root group cannot be renamed: %w", kwerr.ErrValidation)
	}

	var out *Group
	var updateErr error
	h.walkWithParent(func(g, parent *gokeepasslib.Group, path string) {
		if g.UUID != target || out != nil || updateErr != nil {
			return
		}
		if data.Name != "" && !strings.EqualFold(g.Name, data.Name) {
			for i := range parent.Groups {
				if strings.EqualFold(parent.Groups[i].Name, data.Name) {
					updateErr = fmt.Errorf("codec: group %q already exists under %q: %w",
						data.Name, parent.Name, kwerr.ErrValidation)
					return
				}
			}
		}
		if data.Name != "" {
			g.Name = data.Name
		}
		g.Notes = data.Notes
		now := w.Now()
		g.Times.LastModificationTime = &now
		out = snapshotGroup(g, parent, path)
	})
	if updateErr != nil {
		return nil, updateErr
	}
	if out == nil {
		return nil, fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	return out, nil
}

func (h *kdbxHandle) DeleteGroup(id string) error {
	target, err := parseUUID(id)
	if err != nil {
		return err
	}
	if h.root().UUID == target {
		return fmt.Errorf("codec: the root group cannot be deleted: %w", kwerr.ErrValidation)
	}

	deleted := false
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		if deleted {
			return
		}
		for i := range g.Groups {
			if g.Groups[i].UUID == target {
				g.Groups = append(g.Groups[:i], g.Groups[i+1:]...)
				deleted = true
				return
			}
		}
	})
	if !deleted {
		return fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	return nil
}

func (h *kdbxHandle) MoveGroup(id, parentID string) error {
	target, err := parseUUID(id)
	if err != nil {
		return err
	}
	if h.root().UUID == target {
		return fmt.Errorf("codec: the root group cannot be moved: %w", kwerr.ErrValidation)
	}
	if id == parentID {
		return fmt.Errorf("codec: cannot move a group into itself: %w", kwerr.ErrValidation)
	}

	// The destination must not sit inside the moved subtree.
	destUUID, err := parseUUID(parentID)
	if err != nil {
		return err
	}
	var subtree *gokeepasslib.Group
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		if g.UUID == target {
			subtree = g
		}
	})
	if subtree == nil {
		return fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	circular := false
	walk(subtree, "", func(g *gokeepasslib.Group, path string) {
		if g.UUID == destUUID {
			circular = true
		}
	})
	if circular {
		return fmt.Errorf("codec: cannot move a group into its own subtree: %w", kwerr.ErrValidation)
	}

	dest, _, err := h.findGroup(parentID)
	if err != nil {
		return err
	}
	for i := range dest.Groups {
		if strings.EqualFold(dest.Groups[i].Name, subtree.Name) {
			return fmt.Errorf("codec: group %q already exists under %q: %w",
				subtree.Name, dest.Name, kwerr.ErrValidation)
		}
	}

	var moved *gokeepasslib.Group
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		if moved != nil {
			return
		}
		for i := range g.Groups {
			if g.Groups[i].UUID == target {
				sub := g.Groups[i]
				g.Groups = append(g.Groups[:i], g.Groups[i+1:]...)
				moved = &sub
				return
			}
		}
	})
	if moved == nil {
		return fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	// Re-resolve: removing the subtree may have shifted the
	// destination's backing array.
	dest, _, err = h.findGroup(parentID)
	if err != nil {
		return err
	}
	dest.Groups = append(dest.Groups, *moved)
	return nil
}

// findGroup resolves a live pointer into the tree.
func (h *kdbxHandle) findGroup(id string) (*gokeepasslib.Group, string, error) {
	target, err := parseUUID(id)
	if err != nil {
		return nil, "", err
	}
	var found *gokeepasslib.Group
	var foundPath string
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		if g.UUID == target {
			found = g
			foundPath = path
		}
	})
	if found == nil {
		return nil, "", fmt.Errorf("codec: group %s: %w", id, kwerr.ErrGroupNotFound)
	}
	return found, foundPath, nil
}

func (h *kdbxHandle) findEntry(id string) (*gokeepasslib.Entry, *gokeepasslib.Group, string, error) {
	target, err := parseUUID(id)
	if err != nil {
		return nil, nil, "", err
	}
	var entry *gokeepasslib.Entry
	var group *gokeepasslib.Group
	var groupPath string
	walk(h.root(), "", func(g *gokeepasslib.Group, path string) {
		for i := range g.Entries {
			if g.Entries[i].UUID == target {
				entry = &g.Entries[i]
				group = g
				groupPath = path
			}
		}
	})
	if entry == nil {
		return nil, nil, "", fmt.Errorf("codec: entry %s: %w", id, kwerr.ErrEntryNotFound)
	}
	return entry, group, groupPath, nil
}

func applyEntryData(entry *gokeepasslib.Entry, data EntryData) {
	setValue(entry, keyTitle, data.Title, false)
	setValue(entry, keyUsername, data.Username, false)
	setValue(entry, keyPassword, data.Password, true)
	setValue(entry, keyURL, data.URL, false)
	setValue(entry, keyNotes, data.Notes, false)
	for key, value := range data.CustomFields {
		setValue(entry, key, value, false)
	}
	entry.Tags = strings.Join(data.Tags, ";")
	now := w.Now()
	entry.Times.LastModificationTime = &now
}

func setValue(entry *gokeepasslib.Entry, key, content string, protected bool) {
	for i := range entry.Values {
		if entry.Values[i].Key == key {
			entry.Values[i].Value.Content = content
			return
		}
	}
	entry.Values = append(entry.Values, gokeepasslib.ValueData{
		Key:   key,
		Value: gokeepasslib.V{Content: content, Protected: w.NewBoolWrapper(protected)},
	})
}

func snapshotEntry(e *gokeepasslib.Entry, g *gokeepasslib.Group, path string) *Entry {
	out := &Entry{
		ID:       formatUUID(e.UUID),
		Title:    e.GetContent(keyTitle),
		Username: e.GetContent(keyUsername),
		Password: e.GetPassword(),
		URL:      e.GetContent(keyURL),
		Notes:    e.GetContent(keyNotes),
		Group:    path,
		GroupID:  formatUUID(g.UUID),
		Tags:     splitTags(e.Tags),
	}
	if e.Times.CreationTime != nil {
		out.Created = e.Times.CreationTime.Time
	}
	if e.Times.LastModificationTime != nil {
		out.Modified = e.Times.LastModificationTime.Time
	}
	for _, v := range e.Values {
		switch v.Key {
		case keyTitle, keyUsername, keyPassword, keyURL, keyNotes:
		default:
			if out.CustomFields == nil {
				out.CustomFields = make(map[string]string)
			}
			out.CustomFields[v.Key] = v.Value.Content
		}
	}
	return out
}

func snapshotGroup(g, parent *gokeepasslib.Group, path string) *Group {
	out := &Group{
		ID:         formatUUID(g.UUID),
		Name:       g.Name,
		Path:       path,
		Notes:      g.Notes,
		EntryCount: len(g.Entries),
	}
	if parent != nil {
		out.ParentID = formatUUID(parent.UUID)
	}
	if g.Times.LastModificationTime != nil {
		out.Modified = g.Times.LastModificationTime.Time
	}
	return out
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	})
	var tags []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tags = append(tags, f)
		}
	}
	return tags
}

func parseUUID(id string) (gokeepasslib.UUID, error) {
	var out gokeepasslib.UUID
	parsed, err := uuid.Parse(id)
	if err != nil {
		return out, fmt.Errorf("codec: invalid id %q: %w", id, kwerr.ErrValidation)
	}
	copy(out[:], parsed[:])
	return out, nil
}

func formatUUID(id gokeepasslib.UUID) string {
	u, err := uuid.FromBytes(id[:])
	if err != nil {
		return ""
	}
	return u.String()
}
