package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keywarden/keywarden/internal/codec"
	"github.com/keywarden/keywarden/pkg/importer"
	"github.com/keywarden/keywarden/pkg/validate"
)

var (
	importFormat string
	importDryRun bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFormat, "format", "", "Source format: "+strings.Join(importer.ValidSources(), ", "))
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and report without writing to the database")
	importCmd.MarkFlagRequired("format")
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import entries from another password manager's export",
	Long: `Import entries from a 1Password CSV, Bitwarden JSON, or LastPass CSV
export file into the database.

Source folders become groups under the database root, created on
demand. Items the exporter archived or left empty are skipped and
reported.

Remember to delete the export file afterwards; it holds your
passwords in plaintext.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parser, err := importer.GetParser(importer.Source(importFormat))
		if err != nil {
			return err
		}

		path, err := validate.FilePath(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read export file: %w", err)
		}

		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s export: %w", importFormat, err)
		}

		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
		}
		for _, s := range result.Skipped {
			name := s.OriginalName
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(os.Stderr, "Skipped %s: %s\n", name, s.Reason)
		}

		if importDryRun {
			fmt.Printf("Would import %d entries (%d skipped)\n", len(result.Entries), len(result.Skipped))
			return nil
		}
		if len(result.Entries) == 0 {
			fmt.Println("Nothing to import")
			return nil
		}

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

		imported, err := importEntries(h, result.Entries)
		if err != nil {
			return err
		}
		if _, err := h.Save("manual"); err != nil {
			return fmt.Errorf("failed to save database: %w", err)
		}

		fmt.Printf("Imported %d entries (%d skipped)\n", imported, len(result.Skipped))
		return nil
	},
}

// importEntries writes parsed entries, creating one group per source
// folder name as needed.
func importEntries(h storeWriter, entries []*importer.ImportedEntry) (int, error) {
	groupIDs := make(map[string]string)
	imported := 0

	for _, entry := range entries {
		groupID := ""
		if entry.Group != "" {
			id, ok := groupIDs[entry.Group]
			if !ok {
				group, err := findOrCreateGroup(h, entry.Group)
				if err != nil {
					return imported, fmt.Errorf("failed to create group %q: %w", entry.Group, err)
				}
				id = group.ID
				groupIDs[entry.Group] = id
			}
			groupID = id
		}

		if _, err := h.CreateEntry(groupID, entry.Data); err != nil {
			return imported, fmt.Errorf("failed to import %q: %w", entry.Data.Title, err)
		}
		imported++
	}
	return imported, nil
}

// storeWriter is the slice of the store the importer needs.
type storeWriter interface {
	Groups() ([]*codec.Group, error)
	CreateGroup(parentID string, data codec.GroupData) (*codec.Group, error)
	CreateEntry(groupID string, data codec.EntryData) (*codec.Entry, error)
}

func findOrCreateGroup(h storeWriter, name string) (*codec.Group, error) {
	groups, err := h.Groups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, name) {
			return g, nil
		}
	}
	return h.CreateGroup("", codec.GroupData{Name: name})
}
