package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/keywarden/keywarden/internal/codec"
)

// OnePasswordParser parses 1Password CSV export files. Column layout:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data.
func (p *OnePasswordParser) Parse(data []byte) (*Result, error) {
	result := &Result{}

	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[col] = i
	}
	if _, ok := colIndex[op1ColTitle]; !ok {
		return nil, fmt.Errorf("missing required column: %s", op1ColTitle)
	}

	itemCounter := 1
	rowNum := 1
	for {
		rowNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(row) != len(header) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
					rowNum, len(header), len(row)))
			continue
		}

		entry, skip := p.parseRow(row, colIndex, &itemCounter)
		if skip != "" {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: entry.OriginalName,
				Reason:       skip,
			})
			continue
		}
		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

func (p *OnePasswordParser) parseRow(row []string, colIndex map[string]int, itemCounter *int) (*ImportedEntry, string) {
	getValue := func(col string) string {
		if idx, ok := colIndex[col]; ok && idx < len(row) {
			return NormalizeValue(row[idx])
		}
		return ""
	}

	name := getValue(op1ColTitle)
	entry := &ImportedEntry{OriginalName: name}

	if strings.EqualFold(getValue(op1ColArchived), "true") {
		return entry, "archived"
	}

	url := getValue(op1ColWebsite)
	username := getValue(op1ColUsername)
	password := getValue(op1ColPassword)
	otp := getValue(op1ColOTPAuth)
	notes := getValue(op1ColNotes)

	title := name
	if title == "" {
		title = FallbackTitle(url, *itemCounter)
		*itemCounter++
	}

	if username == "" && password == "" && otp == "" && notes == "" {
		return entry, "no useful data"
	}

	entry.Data = codec.EntryData{
		Title:    title,
		Username: username,
		Password: password,
		URL:      url,
		Notes:    notes,
	}
	if otp != "" {
		entry.Data.CustomFields = map[string]string{"TOTP": otp}
	}

	// 1Password separates tags with semicolons.
	if raw := getValue(op1ColTags); raw != "" {
		for _, tag := range strings.Split(raw, ";") {
			if tag = strings.TrimSpace(tag); tag != "" {
				entry.Data.Tags = append(entry.Data.Tags, tag)
			}
		}
	}
	return entry, ""
}
