package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keywarden/keywarden/pkg/backup"
	"github.com/keywarden/keywarden/pkg/store"
)

type SaveDatabaseInput struct {
	Token string `json:"token"`
}

type SaveDatabaseOutput struct {
	SavedAt       string `json:"saved_at"`
	BackupCreated bool   `json:"backup_created"`
	Backup        string `json:"backup,omitempty"`
}

func (s *Server) handleSaveDatabase(_ context.Context, _ *mcp.CallToolRequest, input SaveDatabaseInput) (*mcp.CallToolResult, SaveDatabaseOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, SaveDatabaseOutput{}, err
	}
	if err := s.requireWrite("save_database"); err != nil {
		return nil, SaveDatabaseOutput{}, err
	}

	info, err := s.store.Save("manual")
	if err != nil {
		return nil, SaveDatabaseOutput{}, toolError(err)
	}

	out := SaveDatabaseOutput{
		SavedAt:       info.SavedAt.Format(time.RFC3339),
		BackupCreated: info.BackupCreated,
	}
	if info.Backup != nil {
		out.Backup = info.Backup.Filename
	}
	return nil, out, nil
}

type CreateBackupInput struct {
	Token    string `json:"token"`
	Compress *bool  `json:"compress,omitempty"`
	Verify   *bool  `json:"verify,omitempty"`
}

type BackupRecordOutput struct {
	Filename     string `json:"filename"`
	CreatedAt    string `json:"created_at"`
	Reason       string `json:"reason"`
	OriginalSize int64  `json:"original_size"`
	BackupSize   int64  `json:"backup_size"`
	Compressed   bool   `json:"compressed"`
	Checksum     string `json:"checksum"`
	Verified     bool   `json:"verified"`
}

func (s *Server) handleCreateBackup(_ context.Context, _ *mcp.CallToolRequest, input CreateBackupInput) (*mcp.CallToolResult, BackupRecordOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, BackupRecordOutput{}, err
	}

	compress, verify := true, true
	if input.Compress != nil {
		compress = *input.Compress
	}
	if input.Verify != nil {
		verify = *input.Verify
	}

	rec, err := s.backups.Create("manual", compress, verify)
	if err != nil {
		return nil, BackupRecordOutput{}, toolError(err)
	}
	return nil, backupRecordOutput(rec), nil
}

type ListBackupsInput struct {
	Token string `json:"token"`
}

type ListBackupsOutput struct {
	Backups    []BackupRecordOutput `json:"backups"`
	Count      int                  `json:"count"`
	TotalBytes int64                `json:"total_bytes"`
	ByReason   map[string]int       `json:"by_reason,omitempty"`
}

func (s *Server) handleListBackups(_ context.Context, _ *mcp.CallToolRequest, input ListBackupsInput) (*mcp.CallToolResult, ListBackupsOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, ListBackupsOutput{}, err
	}

	records, err := s.backups.List()
	if err != nil {
		return nil, ListBackupsOutput{}, toolError(err)
	}
	stats, err := s.backups.Statistics()
	if err != nil {
		return nil, ListBackupsOutput{}, toolError(err)
	}

	out := ListBackupsOutput{
		Backups:    make([]BackupRecordOutput, 0, len(records)),
		Count:      stats.Count,
		TotalBytes: stats.TotalBytes,
		ByReason:   stats.ByReason,
	}
	for _, rec := range records {
		out.Backups = append(out.Backups, backupRecordOutput(rec))
	}
	return nil, out, nil
}

type RestoreBackupInput struct {
	Token            string `json:"token"`
	Filename         string `json:"filename"`
	VerifyBefore     *bool  `json:"verify_before,omitempty"`
	PreRestoreBackup *bool  `json:"pre_restore_backup,omitempty"`
}

type RestoreBackupOutput struct {
	Restored         bool   `json:"restored"`
	RestoredAt       string `json:"restored_at"`
	PreRestoreBackup string `json:"pre_restore_backup,omitempty"`
	RequiresReauth   bool   `json:"requires_reauth"`
}

// handleRestoreBackup locks the store before touching the file on
// disk, so no stale decrypted view survives the restore. The caller
// must authenticate again afterwards.
func (s *Server) handleRestoreBackup(_ context.Context, _ *mcp.CallToolRequest, input RestoreBackupInput) (*mcp.CallToolResult, RestoreBackupOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, RestoreBackupOutput{}, err
	}
	if err := s.requireWrite("restore_backup"); err != nil {
		return nil, RestoreBackupOutput{}, err
	}

	verifyBefore, preRestore := true, true
	if input.VerifyBefore != nil {
		verifyBefore = *input.VerifyBefore
	}
	if input.PreRestoreBackup != nil {
		preRestore = *input.PreRestoreBackup
	}

	s.security.LockSystem()

	result, err := s.backups.Restore(input.Filename, verifyBefore, preRestore)
	if err != nil {
		return nil, RestoreBackupOutput{}, toolError(err)
	}

	out := RestoreBackupOutput{
		Restored:       true,
		RestoredAt:     result.RestoredAt.Format(time.RFC3339),
		RequiresReauth: true,
	}
	if result.PreRestoreBackup != nil {
		out.PreRestoreBackup = result.PreRestoreBackup.Filename
	}
	return nil, out, nil
}

type VerifyBackupInput struct {
	Token    string `json:"token"`
	Filename string `json:"filename"`
}

type VerifyBackupOutput struct {
	Filename       string `json:"filename"`
	Exists         bool   `json:"exists"`
	ChecksumMatch  bool   `json:"checksum_match"`
	SizeConsistent bool   `json:"size_consistent"`
	Valid          bool   `json:"valid"`
	Detail         string `json:"detail,omitempty"`
}

func (s *Server) handleVerifyBackup(_ context.Context, _ *mcp.CallToolRequest, input VerifyBackupInput) (*mcp.CallToolResult, VerifyBackupOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, VerifyBackupOutput{}, err
	}

	report, err := s.backups.Verify(input.Filename)
	if err != nil {
		return nil, VerifyBackupOutput{}, toolError(err)
	}
	return nil, VerifyBackupOutput{
		Filename:       report.Filename,
		Exists:         report.Exists,
		ChecksumMatch:  report.ChecksumMatch,
		SizeConsistent: report.SizeConsistent,
		Valid:          report.Valid,
		Detail:         report.Detail,
	}, nil
}

type DatabaseInfoInput struct {
	Token string `json:"token"`
}

type DatabaseInfoOutput struct {
	Path            string `json:"path"`
	SizeBytes       int64  `json:"size_bytes"`
	EntryCount      int    `json:"entry_count"`
	GroupCount      int    `json:"group_count"`
	LastSaved       string `json:"last_saved"`
	AutoSaveEnabled bool   `json:"auto_save_enabled"`
	ReadOnly        bool   `json:"read_only"`
}

func (s *Server) handleDatabaseInfo(_ context.Context, _ *mcp.CallToolRequest, input DatabaseInfoInput) (*mcp.CallToolResult, DatabaseInfoOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, DatabaseInfoOutput{}, err
	}

	info, err := s.store.DatabaseInfo()
	if err != nil {
		return nil, DatabaseInfoOutput{}, toolError(err)
	}
	return nil, DatabaseInfoOutput{
		Path:            info.Path,
		SizeBytes:       info.SizeBytes,
		EntryCount:      info.EntryCount,
		GroupCount:      info.GroupCount,
		LastSaved:       info.LastSaved.Format(time.RFC3339),
		AutoSaveEnabled: info.AutoSaveEnabled,
		ReadOnly:        s.readOnly,
	}, nil
}

type HealthCheckInput struct {
	Token string `json:"token"`
}

// handleHealthCheck reports problems instead of failing; the only way
// it errors is an invalid session.
func (s *Server) handleHealthCheck(_ context.Context, _ *mcp.CallToolRequest, input HealthCheckInput) (*mcp.CallToolResult, store.Health, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, store.Health{}, err
	}
	return nil, *s.store.HealthCheck(), nil
}

func backupRecordOutput(rec *backup.Record) BackupRecordOutput {
	return BackupRecordOutput{
		Filename:     rec.Filename,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		Reason:       rec.Reason,
		OriginalSize: rec.OriginalSize,
		BackupSize:   rec.BackupSize,
		Compressed:   rec.Compressed,
		Checksum:     rec.Checksum,
		Verified:     rec.Verified,
	}
}
