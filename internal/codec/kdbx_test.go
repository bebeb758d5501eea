package codec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

const testPass = "correct horse battery"

func newTestDB(t *testing.T) (string, Handle) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.kdbx")
	if err := Create(path, testPass, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h, err := Open(path, testPass, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return path, h
}

func TestCreateAndOpen(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	if root.Name != "Root" {
		t.Errorf("expected root group 'Root', got %q", root.Name)
	}
	if len(h.Entries()) != 0 {
		t.Errorf("expected empty database, got %d entries", len(h.Entries()))
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.kdbx"), testPass, "")
	if !errors.Is(err, kwerr.ErrDatabase) {
		t.Errorf("expected ErrDatabase, got %v", err)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	path, h := newTestDB(t)
	h.Close()

	_, err := Open(path, "not the password", "")
	if !errors.Is(err, kwerr.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestOpenCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.kdbx")
	if err := os.WriteFile(path, []byte("this is not a database"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Open(path, testPass, "")
	if !errors.Is(err, kwerr.ErrDatabaseCorrupted) {
		t.Errorf("expected ErrDatabaseCorrupted, got %v", err)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	path, h := newTestDB(t)

	root := h.RootGroup()
	created, err := h.AddEntry(root.ID, EntryData{
		Title:        "GitHub",
		Username:     "octocat",
		Password:     "hunter22hunter22",
		URL:          "https://github.com/login",
		Notes:        "work account",
		Tags:         []string{"work", "dev"},
		CustomFields: map[string]string{"recovery_email": "o@example.com"},
	})
	if err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected entry id")
	}
	if err := h.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	h.Close()

	h, err = Open(path, testPass, "")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer h.Close()

	entry, err := h.GetEntry(created.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.Title != "GitHub" || entry.Username != "octocat" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Password != "hunter22hunter22" {
		t.Errorf("password did not round-trip, got %q", entry.Password)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != "work" {
		t.Errorf("tags did not round-trip: %v", entry.Tags)
	}
	if entry.CustomFields["recovery_email"] != "o@example.com" {
		t.Errorf("custom fields did not round-trip: %v", entry.CustomFields)
	}
	if entry.Group != "Root" {
		t.Errorf("expected group path Root, got %q", entry.Group)
	}
}

func TestUpdateEntry(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	created, err := h.AddEntry(root.ID, EntryData{Title: "GitHub", Password: "old"})
	if err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	updated, err := h.UpdateEntry(created.ID, EntryData{Title: "GitHub Work", Password: "new"})
	if err != nil {
		t.Fatalf("UpdateEntry failed: %v", err)
	}
	if updated.Title != "GitHub Work" || updated.Password != "new" {
		t.Errorf("unexpected updated entry %+v", updated)
	}

	if _, err := h.UpdateEntry("550e8400-e29b-41d4-a716-446655440000", EntryData{}); !errors.Is(err, kwerr.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestDeleteEntry(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	created, err := h.AddEntry(root.ID, EntryData{Title: "GitHub"})
	if err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	if err := h.DeleteEntry(created.ID); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	if _, err := h.GetEntry(created.ID); !errors.Is(err, kwerr.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
	if err := h.DeleteEntry(created.ID); !errors.Is(err, kwerr.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound on second delete, got %v", err)
	}
}

func TestGroupHierarchy(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	work, err := h.AddGroup(root.ID, GroupData{Name: "Work"})
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	infra, err := h.AddGroup(work.ID, GroupData{Name: "Infra"})
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	if infra.Path != "Root/Work/Infra" {
		t.Errorf("unexpected path %q", infra.Path)
	}
	if infra.ParentID != work.ID {
		t.Errorf("expected parent %s, got %s", work.ID, infra.ParentID)
	}

	// Duplicate names under one parent are rejected.
	if _, err := h.AddGroup(root.ID, GroupData{Name: "work"}); !errors.Is(err, kwerr.ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate name, got %v", err)
	}

	groups := h.Groups()
	if len(groups) != 3 {
		t.Errorf("expected 3 groups, got %d", len(groups))
	}
}

func TestMoveEntryAcrossGroups(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	work, err := h.AddGroup(root.ID, GroupData{Name: "Work"})
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	created, err := h.AddEntry(root.ID, EntryData{Title: "GitHub"})
	if err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	if err := h.MoveEntry(created.ID, work.ID); err != nil {
		t.Fatalf("MoveEntry failed: %v", err)
	}
	entry, err := h.GetEntry(created.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.GroupID != work.ID {
		t.Errorf("expected entry in Work, got group %s", entry.Group)
	}
}

func TestMoveGroupCircular(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	work, _ := h.AddGroup(root.ID, GroupData{Name: "Work"})
	infra, _ := h.AddGroup(work.ID, GroupData{Name: "Infra"})

	// Moving a group into its own subtree must fail.
	if err := h.MoveGroup(work.ID, infra.ID); !errors.Is(err, kwerr.ErrValidation) {
		t.Errorf("expected ErrValidation for circular move, got %v", err)
	}
	// Moving into itself must fail.
	if err := h.MoveGroup(work.ID, work.ID); !errors.Is(err, kwerr.ErrValidation) {
		t.Errorf("expected ErrValidation for self move, got %v", err)
	}

	// A legal move relocates the subtree.
	other, _ := h.AddGroup(root.ID, GroupData{Name: "Archive"})
	if err := h.MoveGroup(infra.ID, other.ID); err != nil {
		t.Fatalf("MoveGroup failed: %v", err)
	}
	moved, err := h.GetGroup(infra.ID)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if moved.Path != "Root/Archive/Infra" {
		t.Errorf("unexpected path after move: %q", moved.Path)
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	_, h := newTestDB(t)
	defer h.Close()

	root := h.RootGroup()
	work, _ := h.AddGroup(root.ID, GroupData{Name: "Work"})
	entry, _ := h.AddEntry(work.ID, EntryData{Title: "GitHub"})

	if err := h.DeleteGroup(work.ID); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := h.GetEntry(entry.ID); !errors.Is(err, kwerr.ErrEntryNotFound) {
		t.Errorf("expected entries to be deleted with their group, got %v", err)
	}

	// The root group is protected.
	if err := h.DeleteGroup(root.ID); !errors.Is(err, kwerr.ErrValidation) {
		t.Errorf("expected ErrValidation deleting root, got %v", err)
	}
}
