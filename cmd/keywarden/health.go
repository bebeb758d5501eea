package main

import (
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keywarden/keywarden/pkg/store"
)

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(infoCmd)
}

// storeHandler builds a locked handler over the configured database.
func storeHandler() (*store.Handler, error) {
	m, err := backupManager()
	if err != nil {
		return nil, err
	}
	return store.NewHandler(store.Config{
		DBPath:   cfg.DBPath,
		KeyFile:  cfg.KeyFile,
		AutoSave: false,
	}, m), nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database and backup health",
	Long: `Check that the database file exists and is readable, and that a
recent backup is available. Does not require the master password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := storeHandler()
		if err != nil {
			return err
		}

		report := h.HealthCheck()
		fmt.Printf("Status: %s\n", report.Status)
		fmt.Printf("  Database exists: %v\n", report.DatabaseExists)
		fmt.Printf("  Database accessible: %v\n", report.DatabaseAccessible)
		fmt.Printf("  Backup directory: %v\n", report.BackupDirExists)
		if report.LatestBackupAge != "" {
			fmt.Printf("  Newest backup age: %s\n", report.LatestBackupAge)
		}
		for _, issue := range report.Issues {
			fmt.Printf("  Issue: %s\n", issue)
		}

		// Also output as JSON for machine parsing
		out, _ := json.Marshal(report)
		fmt.Printf("\nJSON: %s\n", out)

		if report.Status != "healthy" {
			return fmt.Errorf("health check found issues")
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database statistics",
	Long:  `Unlock the database with the master password and print its statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := storeHandler()
		if err != nil {
			return err
		}

		fmt.Print("Enter master password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()

		if _, err := h.Unlock(string(password), cfg.KeyFile); err != nil {
			return fmt.Errorf("failed to unlock database: %w", err)
		}
		defer h.Lock()

		info, err := h.DatabaseInfo()
		if err != nil {
			return fmt.Errorf("failed to read database info: %w", err)
		}

		fmt.Printf("Path: %s\n", info.Path)
		fmt.Printf("Entries: %d\n", info.EntryCount)
		fmt.Printf("Groups: %d\n", info.GroupCount)
		fmt.Printf("Size: %d bytes\n", info.SizeBytes)
		if !info.LastSaved.IsZero() {
			fmt.Printf("Last saved: %s\n", info.LastSaved.Format(time.RFC3339))
		}
		fmt.Printf("Auto-save: %v\n", info.AutoSaveEnabled)
		return nil
	},
}
