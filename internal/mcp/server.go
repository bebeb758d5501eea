// Package mcp exposes the credential store to agents over the Model
// Context Protocol. Every tool except authenticate validates a
// session token, polls the auto-lock check, and translates typed
// errors into tool errors carrying a stable error code.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/backup"
	"github.com/keywarden/keywarden/pkg/keychain"
	"github.com/keywarden/keywarden/pkg/kwerr"
	"github.com/keywarden/keywarden/pkg/search"
	"github.com/keywarden/keywarden/pkg/security"
	"github.com/keywarden/keywarden/pkg/store"
)

const (
	serverName    = "keywarden"
	serverVersion = "1.0.0"
)

// Server wires the security manager, store handler, backup manager
// and search engine behind the MCP tool surface.
type Server struct {
	server   *mcp.Server
	cfg      *config.Config
	security *security.Manager
	store    *store.Handler
	backups  *backup.Manager
	engine   *search.Engine
	auditor  *audit.Logger
	policy   *Policy
	readOnly bool
}

// NewServer builds the full service from resolved configuration. A
// malformed or insecure policy file fails startup; a missing one is
// fine.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.EnsureBackupDir(); err != nil {
		return nil, err
	}

	policy, err := LoadPolicy(filepath.Dir(cfg.DBPath))
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, fmt.Errorf("mcp: refusing to start with a broken policy: %w", err)
	}

	backups := backup.NewManager(cfg.DBPath, cfg.BackupDir, cfg.BackupCount)
	st := store.NewHandler(store.Config{
		DBPath:   cfg.DBPath,
		KeyFile:  cfg.KeyFile,
		AutoSave: cfg.AutoSave,
	}, backups)

	auditor := audit.NewLogger(cfg.AuditDir)

	var cache keychain.Cache = keychain.NewNoop()
	if cfg.UseKeychain {
		cache = keychain.NewSystem()
	}

	sec := security.NewManager(security.Config{
		SessionTimeout:  cfg.SessionTimeout,
		AutoLockTimeout: cfg.AutoLock,
		MaxRetries:      cfg.MaxRetries,
		UseKeychain:     cfg.UseKeychain,
		KeychainKey:     cfg.DBPath,
	}, cache, auditor)

	// A system lock, manual or idle-triggered, always locks the store.
	sec.OnLock(func() {
		if err := st.Lock(); err != nil {
			log.Printf("mcp: store lock on system lock failed: %v", err)
		}
	})

	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{Name: serverName, Version: serverVersion},
			nil,
		),
		cfg:      cfg,
		security: sec,
		store:    st,
		backups:  backups,
		engine:   search.NewEngine(),
		auditor:  auditor,
		policy:   policy,
		readOnly: cfg.ReadOnly() || policy.ForcesReadOnly(),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until the context is cancelled. The store is
// locked on the way out no matter how the transport ends.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the system, which wipes secure memory, destroys all
// sessions, and locks the store.
func (s *Server) Close() error {
	s.security.LockSystem()
	return nil
}

// addTool registers one typed tool unless the policy denies it.
func addTool[In, Out any](s *Server, name, desc string,
	h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error)) {
	if s.policy.ToolDenied(name) {
		log.Printf("mcp: tool %s disabled by policy", name)
		return
	}
	mcp.AddTool(s.server, &mcp.Tool{Name: name, Description: desc}, h)
}

func (s *Server) registerTools() {
	addTool(s, "authenticate",
		"Authenticate with the master password (and optional key file) to unlock the credential store. Returns a session token required by every other tool.",
		s.handleAuthenticate)
	addTool(s, "logout",
		"Destroy a session token. The store stays unlocked for other sessions until lock_database is called.",
		s.handleLogout)
	addTool(s, "lock_database",
		"Lock the store immediately: wipes decrypted material and invalidates every session. Unsaved changes are saved first, best effort.",
		s.handleLockDatabase)

	addTool(s, "search_credentials",
		"Relevance-scored search over entries with field weighting, tag/group/date filters, optional regex or exact matching. Never returns passwords.",
		s.handleSearchCredentials)
	addTool(s, "search_by_url",
		"Find entries matching a URL, ranked by URL and domain similarity. Never returns passwords.",
		s.handleSearchByURL)
	addTool(s, "search_weak_passwords",
		"List entries with weak passwords (short, low complexity, common, or keyboard patterns). Returns reasons, not passwords.",
		s.handleSearchWeakPasswords)
	addTool(s, "search_duplicates",
		"Group entries sharing the same title/username/url signature (configurable fields).",
		s.handleSearchDuplicates)

	addTool(s, "get_credential",
		"Fetch a single entry by id including its password.",
		s.handleGetCredential)
	addTool(s, "list_entries",
		"List entries, optionally scoped to a group (by id or name, with or without subgroups), sorted and limited. Passwords only on request.",
		s.handleListEntries)
	addTool(s, "create_entry", "Create a credential entry.", s.handleCreateEntry)
	addTool(s, "update_entry", "Update fields of an existing entry. Omitted fields are kept.", s.handleUpdateEntry)
	addTool(s, "delete_entry",
		"Delete an entry. Without permanent=true it is moved to the Recycle Bin group.",
		s.handleDeleteEntry)
	addTool(s, "move_entry", "Move an entry into another group.", s.handleMoveEntry)
	addTool(s, "duplicate_entry", "Copy an entry within its group under a \" (Copy)\" title.", s.handleDuplicateEntry)

	addTool(s, "list_groups", "List the full group hierarchy with entry counts.", s.handleListGroups)
	addTool(s, "create_group", "Create a group under a parent (root by default).", s.handleCreateGroup)
	addTool(s, "update_group", "Rename a group or change its notes.", s.handleUpdateGroup)
	addTool(s, "delete_group",
		"Delete a group. Non-empty groups require force=true; contents are removed with the group.",
		s.handleDeleteGroup)
	addTool(s, "move_group", "Re-parent a group. Moves into the group's own subtree are rejected.", s.handleMoveGroup)

	addTool(s, "save_database", "Persist the store now, preceded by a verified backup.", s.handleSaveDatabase)
	addTool(s, "create_backup", "Create a checksummed backup of the store file.", s.handleCreateBackup)
	addTool(s, "list_backups", "List backups, newest first, with statistics.", s.handleListBackups)
	addTool(s, "restore_backup",
		"Replace the store file with a backup. The store is locked first and a fresh authenticate is required afterwards.",
		s.handleRestoreBackup)
	addTool(s, "verify_backup", "Check a backup's checksum and size without modifying anything.", s.handleVerifyBackup)

	addTool(s, "get_database_info", "Report entry/group counts, file size and last save time.", s.handleDatabaseInfo)
	addTool(s, "health_check",
		"Report store and backup health. Always succeeds; problems are listed as issues.",
		s.handleHealthCheck)
}

// toolError attaches the stable error code for the protocol layer.
func toolError(err error) error {
	return fmt.Errorf("[%s] %v", kwerr.Code(err), err)
}

// validateSession gates every tool but authenticate. The auto-lock
// check is polled here, so an idle deployment locks on its next call.
func (s *Server) validateSession(token string) error {
	s.security.CheckAutoLock()

	ok, err := s.security.ValidateSession(token)
	if err != nil {
		return toolError(err)
	}
	if !ok {
		return toolError(fmt.Errorf("invalid session token: %w", kwerr.ErrAuthentication))
	}
	return nil
}

func (s *Server) requireWrite(tool string) error {
	if s.readOnly {
		return toolError(fmt.Errorf("%s: %w", tool, kwerr.ErrReadOnlyMode))
	}
	return nil
}
