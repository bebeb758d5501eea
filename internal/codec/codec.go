// Package codec owns the encrypted container boundary. The store
// layer talks to an opened database exclusively through the Handle
// interface; the KDBX implementation lives in kdbx.go.
package codec

import "time"

// Entry is a decrypted credential snapshot with fixed fields. Handles
// return copies; mutating a snapshot never affects the store.
type Entry struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	URL          string            `json:"url"`
	Notes        string            `json:"notes"`
	Group        string            `json:"group"`
	GroupID      string            `json:"group_id"`
	Tags         []string          `json:"tags"`
	Created      time.Time         `json:"date_created"`
	Modified     time.Time         `json:"date_modified"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Group is a snapshot of one hierarchy node.
type Group struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ParentID   string    `json:"parent_id,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	EntryCount int       `json:"entry_count"`
	Modified   time.Time `json:"date_modified"`
}

// EntryData carries the writable fields of an entry.
type EntryData struct {
	Title        string
	Username     string
	Password     string
	URL          string
	Notes        string
	Tags         []string
	CustomFields map[string]string
}

// GroupData carries the writable fields of a group.
type GroupData struct {
	Name  string
	Notes string
}

// Handle is an opened encrypted store. Implementations are not safe
// for concurrent use; the store layer serializes access.
type Handle interface {
	// Save commits the store to disk atomically.
	Save() error

	Entries() []*Entry
	Groups() []*Group
	RootGroup() *Group
	GetEntry(id string) (*Entry, error)
	GetGroup(id string) (*Group, error)

	AddEntry(groupID string, data EntryData) (*Entry, error)
	UpdateEntry(id string, data EntryData) (*Entry, error)
	DeleteEntry(id string) error
	MoveEntry(id, groupID string) error

	AddGroup(parentID string, data GroupData) (*Group, error)
	UpdateGroup(id string, data GroupData) (*Group, error)
	DeleteGroup(id string) error
	MoveGroup(id, parentID string) error

	// Close drops decrypted material. The handle is unusable after.
	Close()
}
