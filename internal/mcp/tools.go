package mcp

import (
	"context"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keywarden/keywarden/internal/codec"
	"github.com/keywarden/keywarden/pkg/store"
	"github.com/keywarden/keywarden/pkg/validate"
)

// defaultUserID is used when the caller does not identify itself;
// the rate limiter and audit trail still need a stable subject.
const defaultUserID = "default"

// EntryInfo is the wire form of an entry. Password is only populated
// by get_credential and by listings that ask for it.
type EntryInfo struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	URL          string            `json:"url,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Group        string            `json:"group"`
	GroupID      string            `json:"group_id"`
	Tags         []string          `json:"tags,omitempty"`
	Created      string            `json:"date_created"`
	Modified     string            `json:"date_modified"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// GroupInfo is the wire form of a group.
type GroupInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	ParentID   string `json:"parent_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
	EntryCount int    `json:"entry_count"`
}

func entryInfo(e *codec.Entry, includePassword bool) EntryInfo {
	info := EntryInfo{
		ID:           e.ID,
		Title:        e.Title,
		Username:     e.Username,
		URL:          e.URL,
		Notes:        e.Notes,
		Group:        e.Group,
		GroupID:      e.GroupID,
		Tags:         e.Tags,
		Created:      e.Created.Format(time.RFC3339),
		Modified:     e.Modified.Format(time.RFC3339),
		CustomFields: e.CustomFields,
	}
	if includePassword {
		info.Password = e.Password
	}
	return info
}

func groupInfo(g *codec.Group) GroupInfo {
	return GroupInfo{
		ID:         g.ID,
		Name:       g.Name,
		Path:       g.Path,
		ParentID:   g.ParentID,
		Notes:      g.Notes,
		EntryCount: g.EntryCount,
	}
}

// --- authenticate / logout / lock ---

type AuthenticateInput struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
	KeyFile  string `json:"key_file,omitempty"`
}

type AuthenticateOutput struct {
	Token      string `json:"token"`
	UnlockedAt string `json:"unlocked_at"`
	EntryCount int    `json:"entry_count"`
	GroupCount int    `json:"group_count"`
	ReadOnly   bool   `json:"read_only"`
}

func (s *Server) handleAuthenticate(_ context.Context, _ *mcp.CallToolRequest, input AuthenticateInput) (*mcp.CallToolResult, AuthenticateOutput, error) {
	user := input.Username
	if user == "" {
		user = defaultUserID
	}

	// The store unlock is the real credential check; the manager runs
	// it between the rate-limit admission and session creation so
	// failed decodes count against the sliding window.
	var info *store.UnlockInfo
	verify := func() error {
		i, err := s.store.Unlock(input.Password, input.KeyFile)
		if err != nil {
			return err
		}
		info = i
		return nil
	}

	var token string
	var err error
	if s.security.IsLocked() {
		token, err = s.security.UnlockSystemWith(user, input.Password, verify)
	} else {
		token, err = s.security.AuthenticateWith(user, input.Password, "password", verify)
	}
	if err != nil {
		return nil, AuthenticateOutput{}, toolError(err)
	}

	// The audit chain keys off the unlock credential.
	if err := s.auditor.SetHMACKey([]byte(input.Password)); err != nil {
		log.Printf("mcp: audit key setup failed: %v", err)
	}

	return nil, AuthenticateOutput{
		Token:      token,
		UnlockedAt: info.UnlockedAt.Format(time.RFC3339),
		EntryCount: info.EntryCount,
		GroupCount: info.GroupCount,
		ReadOnly:   s.readOnly,
	}, nil
}

type LogoutInput struct {
	Token string `json:"token"`
}

type OkOutput struct {
	Ok bool `json:"ok"`
}

func (s *Server) handleLogout(_ context.Context, _ *mcp.CallToolRequest, input LogoutInput) (*mcp.CallToolResult, OkOutput, error) {
	s.security.CheckAutoLock()
	s.security.Logout(input.Token)
	return nil, OkOutput{Ok: true}, nil
}

type LockInput struct {
	Token string `json:"token"`
}

type LockOutput struct {
	Locked bool `json:"locked"`
}

func (s *Server) handleLockDatabase(_ context.Context, _ *mcp.CallToolRequest, input LockInput) (*mcp.CallToolResult, LockOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, LockOutput{}, err
	}
	s.security.LockSystem()
	return nil, LockOutput{Locked: true}, nil
}

// --- entry tools ---

type GetCredentialInput struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

type EntryOutput struct {
	Entry EntryInfo `json:"entry"`
}

func (s *Server) handleGetCredential(_ context.Context, _ *mcp.CallToolRequest, input GetCredentialInput) (*mcp.CallToolResult, EntryOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, EntryOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	entry, err := s.store.GetEntry(id)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	return nil, EntryOutput{Entry: entryInfo(entry, true)}, nil
}

type ListEntriesInput struct {
	Token            string `json:"token"`
	GroupID          string `json:"group_id,omitempty"`
	GroupName        string `json:"group_name,omitempty"`
	IncludeSubgroups bool   `json:"include_subgroups,omitempty"`
	IncludePasswords bool   `json:"include_passwords,omitempty"`
	SortBy           string `json:"sort_by,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

type ListEntriesOutput struct {
	Entries []EntryInfo `json:"entries"`
	Count   int         `json:"count"`
}

func (s *Server) handleListEntries(_ context.Context, _ *mcp.CallToolRequest, input ListEntriesInput) (*mcp.CallToolResult, ListEntriesOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, ListEntriesOutput{}, err
	}
	groupID, err := optionalID(input.GroupID)
	if err != nil {
		return nil, ListEntriesOutput{}, toolError(err)
	}
	entries, err := s.store.ListEntries(store.ListOptions{
		GroupID:          groupID,
		GroupName:        input.GroupName,
		IncludeSubgroups: input.IncludeSubgroups,
		SortBy:           input.SortBy,
		Limit:            input.Limit,
	})
	if err != nil {
		return nil, ListEntriesOutput{}, toolError(err)
	}

	out := ListEntriesOutput{Entries: make([]EntryInfo, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, entryInfo(e, input.IncludePasswords))
	}
	out.Count = len(out.Entries)
	return nil, out, nil
}

type CreateEntryInput struct {
	Token        string            `json:"token"`
	GroupID      string            `json:"group_id,omitempty"`
	Title        string            `json:"title"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	URL          string            `json:"url,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

func (s *Server) handleCreateEntry(_ context.Context, _ *mcp.CallToolRequest, input CreateEntryInput) (*mcp.CallToolResult, EntryOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, EntryOutput{}, err
	}
	if err := s.requireWrite("create_entry"); err != nil {
		return nil, EntryOutput{}, err
	}

	data, err := cleanEntryData(codec.EntryData{
		Title:        input.Title,
		Username:     input.Username,
		Password:     input.Password,
		URL:          input.URL,
		Notes:        input.Notes,
		Tags:         input.Tags,
		CustomFields: input.CustomFields,
	})
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}

	groupID, err := optionalID(input.GroupID)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	entry, err := s.store.CreateEntry(groupID, data)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	return nil, EntryOutput{Entry: entryInfo(entry, false)}, nil
}

type UpdateEntryInput struct {
	Token        string             `json:"token"`
	ID           string             `json:"id"`
	Title        *string            `json:"title,omitempty"`
	Username     *string            `json:"username,omitempty"`
	Password     *string            `json:"password,omitempty"`
	URL          *string            `json:"url,omitempty"`
	Notes        *string            `json:"notes,omitempty"`
	Tags         *[]string          `json:"tags,omitempty"`
	CustomFields *map[string]string `json:"custom_fields,omitempty"`
}

func (s *Server) handleUpdateEntry(_ context.Context, _ *mcp.CallToolRequest, input UpdateEntryInput) (*mcp.CallToolResult, EntryOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, EntryOutput{}, err
	}
	if err := s.requireWrite("update_entry"); err != nil {
		return nil, EntryOutput{}, err
	}

	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	existing, err := s.store.GetEntry(id)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}

	// Omitted fields keep their current value.
	data := codec.EntryData{
		Title:        existing.Title,
		Username:     existing.Username,
		Password:     existing.Password,
		URL:          existing.URL,
		Notes:        existing.Notes,
		Tags:         existing.Tags,
		CustomFields: existing.CustomFields,
	}
	if input.Title != nil {
		data.Title = *input.Title
	}
	if input.Username != nil {
		data.Username = *input.Username
	}
	if input.Password != nil {
		data.Password = *input.Password
	}
	if input.URL != nil {
		data.URL = *input.URL
	}
	if input.Notes != nil {
		data.Notes = *input.Notes
	}
	if input.Tags != nil {
		data.Tags = *input.Tags
	}
	if input.CustomFields != nil {
		data.CustomFields = *input.CustomFields
	}

	data, err = cleanEntryData(data)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}

	entry, err := s.store.UpdateEntry(id, data)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	return nil, EntryOutput{Entry: entryInfo(entry, false)}, nil
}

type DeleteEntryInput struct {
	Token     string `json:"token"`
	ID        string `json:"id"`
	Permanent bool   `json:"permanent,omitempty"`
}

type DeleteEntryOutput struct {
	Deleted   bool `json:"deleted"`
	Permanent bool `json:"permanent"`
}

func (s *Server) handleDeleteEntry(_ context.Context, _ *mcp.CallToolRequest, input DeleteEntryInput) (*mcp.CallToolResult, DeleteEntryOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, DeleteEntryOutput{}, err
	}
	if err := s.requireWrite("delete_entry"); err != nil {
		return nil, DeleteEntryOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, DeleteEntryOutput{}, toolError(err)
	}
	if err := s.store.DeleteEntry(id, input.Permanent); err != nil {
		return nil, DeleteEntryOutput{}, toolError(err)
	}
	return nil, DeleteEntryOutput{Deleted: true, Permanent: input.Permanent}, nil
}

type MoveEntryInput struct {
	Token   string `json:"token"`
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
}

func (s *Server) handleMoveEntry(_ context.Context, _ *mcp.CallToolRequest, input MoveEntryInput) (*mcp.CallToolResult, OkOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, OkOutput{}, err
	}
	if err := s.requireWrite("move_entry"); err != nil {
		return nil, OkOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	groupID, err := optionalID(input.GroupID)
	if err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	if err := s.store.MoveEntry(id, groupID); err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	return nil, OkOutput{Ok: true}, nil
}

type DuplicateEntryInput struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

func (s *Server) handleDuplicateEntry(_ context.Context, _ *mcp.CallToolRequest, input DuplicateEntryInput) (*mcp.CallToolResult, EntryOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, EntryOutput{}, err
	}
	if err := s.requireWrite("duplicate_entry"); err != nil {
		return nil, EntryOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	entry, err := s.store.DuplicateEntry(id)
	if err != nil {
		return nil, EntryOutput{}, toolError(err)
	}
	return nil, EntryOutput{Entry: entryInfo(entry, false)}, nil
}

// --- group tools ---

type ListGroupsInput struct {
	Token string `json:"token"`
}

type ListGroupsOutput struct {
	Groups []GroupInfo `json:"groups"`
	Count  int         `json:"count"`
}

func (s *Server) handleListGroups(_ context.Context, _ *mcp.CallToolRequest, input ListGroupsInput) (*mcp.CallToolResult, ListGroupsOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, ListGroupsOutput{}, err
	}
	groups, err := s.store.Groups()
	if err != nil {
		return nil, ListGroupsOutput{}, toolError(err)
	}
	out := ListGroupsOutput{Groups: make([]GroupInfo, 0, len(groups))}
	for _, g := range groups {
		out.Groups = append(out.Groups, groupInfo(g))
	}
	out.Count = len(out.Groups)
	return nil, out, nil
}

type CreateGroupInput struct {
	Token    string `json:"token"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	Notes    string `json:"notes,omitempty"`
}

type GroupOutput struct {
	Group GroupInfo `json:"group"`
}

func (s *Server) handleCreateGroup(_ context.Context, _ *mcp.CallToolRequest, input CreateGroupInput) (*mcp.CallToolResult, GroupOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, GroupOutput{}, err
	}
	if err := s.requireWrite("create_group"); err != nil {
		return nil, GroupOutput{}, err
	}

	name, err := validate.GroupName(input.Name)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}
	notes, err := validate.Notes(input.Notes)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}

	parentID, err := optionalID(input.ParentID)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}
	group, err := s.store.CreateGroup(parentID, codec.GroupData{Name: name, Notes: notes})
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}
	return nil, GroupOutput{Group: groupInfo(group)}, nil
}

type UpdateGroupInput struct {
	Token string  `json:"token"`
	ID    string  `json:"id"`
	Name  *string `json:"name,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

func (s *Server) handleUpdateGroup(_ context.Context, _ *mcp.CallToolRequest, input UpdateGroupInput) (*mcp.CallToolResult, GroupOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, GroupOutput{}, err
	}
	if err := s.requireWrite("update_group"); err != nil {
		return nil, GroupOutput{}, err
	}

	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}
	existing, err := s.store.GetGroup(id)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}

	data := codec.GroupData{Name: existing.Name, Notes: existing.Notes}
	if input.Name != nil {
		name, err := validate.GroupName(*input.Name)
		if err != nil {
			return nil, GroupOutput{}, toolError(err)
		}
		data.Name = name
	}
	if input.Notes != nil {
		notes, err := validate.Notes(*input.Notes)
		if err != nil {
			return nil, GroupOutput{}, toolError(err)
		}
		data.Notes = notes
	}

	group, err := s.store.UpdateGroup(id, data)
	if err != nil {
		return nil, GroupOutput{}, toolError(err)
	}
	return nil, GroupOutput{Group: groupInfo(group)}, nil
}

type DeleteGroupInput struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleDeleteGroup(_ context.Context, _ *mcp.CallToolRequest, input DeleteGroupInput) (*mcp.CallToolResult, OkOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, OkOutput{}, err
	}
	if err := s.requireWrite("delete_group"); err != nil {
		return nil, OkOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	if err := s.store.DeleteGroup(id, input.Force); err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	return nil, OkOutput{Ok: true}, nil
}

type MoveGroupInput struct {
	Token    string `json:"token"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
}

func (s *Server) handleMoveGroup(_ context.Context, _ *mcp.CallToolRequest, input MoveGroupInput) (*mcp.CallToolResult, OkOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, OkOutput{}, err
	}
	if err := s.requireWrite("move_group"); err != nil {
		return nil, OkOutput{}, err
	}
	id, err := validate.ID(input.ID)
	if err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	parentID, err := optionalID(input.ParentID)
	if err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	if err := s.store.MoveGroup(id, parentID); err != nil {
		return nil, OkOutput{}, toolError(err)
	}
	return nil, OkOutput{Ok: true}, nil
}

// optionalID validates an id argument that may be empty, which the
// store reads as the root group.
func optionalID(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	return validate.ID(id)
}

// cleanEntryData runs every writable entry field through validation.
func cleanEntryData(data codec.EntryData) (codec.EntryData, error) {
	var err error
	if data.Title, err = validate.Title(data.Title); err != nil {
		return data, err
	}
	if data.Username, err = validate.Username(data.Username); err != nil {
		return data, err
	}
	if data.Password, err = validate.Password(data.Password); err != nil {
		return data, err
	}
	if data.URL != "" {
		if data.URL, err = validate.URL(data.URL); err != nil {
			return data, err
		}
	}
	if data.Notes, err = validate.Notes(data.Notes); err != nil {
		return data, err
	}
	if data.Tags, err = validate.Tags(data.Tags); err != nil {
		return data, err
	}
	if data.CustomFields, err = validate.CustomFields(data.CustomFields); err != nil {
		return data, err
	}
	return data, nil
}
