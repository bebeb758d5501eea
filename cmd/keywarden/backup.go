package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywarden/keywarden/pkg/backup"
)

var (
	backupNoCompress bool
	backupNoVerify   bool
	restorePlain     bool
	restoreNoSnap    bool
	restoreForce     bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupCleanupCmd)

	backupCreateCmd.Flags().BoolVar(&backupNoCompress, "no-compress", false, "Store the backup uncompressed")
	backupCreateCmd.Flags().BoolVar(&backupNoVerify, "no-verify", false, "Skip checksum verification after writing")

	backupRestoreCmd.Flags().BoolVar(&restorePlain, "no-verify", false, "Skip checksum verification before restoring")
	backupRestoreCmd.Flags().BoolVar(&restoreNoSnap, "no-snapshot", false, "Skip the pre-restore snapshot of the live database")
	backupRestoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation prompt")
}

// backupManager builds a manager from the resolved configuration.
func backupManager() (*backup.Manager, error) {
	if err := cfg.EnsureBackupDir(); err != nil {
		return nil, err
	}
	return backup.NewManager(cfg.DBPath, cfg.BackupDir, cfg.BackupCount), nil
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage checksummed database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup of the database file",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		rec, err := m.Create("manual", !backupNoCompress, !backupNoVerify)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backup created: %s\n", rec.Filename)
		fmt.Printf("  Size: %d bytes (original %d)\n", rec.BackupSize, rec.OriginalSize)
		fmt.Printf("  Checksum: %s\n", rec.Checksum)
		if rec.Verified {
			fmt.Println("  Verified: yes")
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		records, err := m.List()
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No backups found")
			return nil
		}

		for _, rec := range records {
			line := fmt.Sprintf("%s  %s  %d bytes  %s",
				rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Filename, rec.BackupSize, rec.Reason)
			if rec.Compressed {
				line += "  [gzip]"
			}
			fmt.Println(line)
		}

		stats, err := m.Statistics()
		if err != nil {
			return nil
		}
		fmt.Printf("\nTotal: %d backups, %d bytes\n", stats.Count, stats.TotalBytes)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <filename>",
	Short: "Verify a backup against its recorded checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		report, err := m.Verify(args[0])
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if report.Valid {
			fmt.Printf("Backup %s verified OK\n", report.Filename)
			return nil
		}
		fmt.Printf("Backup %s is NOT valid\n", report.Filename)
		if report.Detail != "" {
			fmt.Printf("  %s\n", report.Detail)
		}
		return fmt.Errorf("backup integrity check failed")
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <filename>",
	Short: "Restore the database from a backup",
	Long: `Restore the database file from a named backup.

The backup is checksum-verified before it replaces the live file, a
pre-restore snapshot of the live file is kept, and any failure rolls
the live file back to its previous content. Do not run this while a
keywarden server holds the database open; restart the server after
restoring so it re-reads the file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		if !restoreForce {
			fmt.Printf("This will overwrite %s. Continue? [y/N]: ", cfg.DBPath)
			var confirm string
			fmt.Scanln(&confirm)
			if confirm != "y" && confirm != "Y" {
				fmt.Println("Restore cancelled.")
				return nil
			}
		}

		result, err := m.Restore(args[0], !restorePlain, !restoreNoSnap)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored %s\n", result.Filename)
		if result.PreRestoreBackup != nil {
			fmt.Printf("  Pre-restore snapshot: %s\n", result.PreRestoreBackup.Filename)
		}
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups beyond the retention limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		removed, err := m.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		if len(removed) == 0 {
			fmt.Println("Nothing to clean up")
			return nil
		}
		for _, name := range removed {
			fmt.Printf("Removed %s\n", name)
		}
		return nil
	},
}
