package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/keywarden/keywarden/internal/codec"
)

// LastPassParser parses LastPass CSV export files. Column layout:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

// secureNoteURL is the placeholder LastPass writes for Secure Notes.
const secureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data.
func (p *LastPassParser) Parse(data []byte) (*Result, error) {
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
		colIndex[strings.ToLower(col)] = i
	}
	if _, ok := colIndex[lpColName]; !ok {
		return nil, fmt.Errorf("missing required column: %s", lpColName)
	}

	itemCounter := 1
	rowNum := 1 // header is row 1
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

func (p *LastPassParser) parseRow(row []string, colIndex map[string]int, itemCounter *int) (*ImportedEntry, string) {
	getValue := func(col string) string {
		if idx, ok := colIndex[col]; ok && idx < len(row) {
			return DecodeHTMLEntities(NormalizeValue(row[idx]))
		}
		return ""
	}

	name := getValue(lpColName)
	url := getValue(lpColURL)
	username := getValue(lpColUsername)
	password := getValue(lpColPassword)
	totp := getValue(lpColTOTP)
	extra := getValue(lpColExtra)
	grouping := getValue(lpColGrouping)

	if url == secureNoteURL {
		url = ""
	}

	title := name
	if title == "" {
		title = FallbackTitle(url, *itemCounter)
		*itemCounter++
	}

	entry := &ImportedEntry{OriginalName: name, Group: grouping}

	if username == "" && password == "" && totp == "" && extra == "" {
		return entry, "no useful data"
	}

	entry.Data = codec.EntryData{
		Title:    title,
		Username: username,
		Password: password,
		URL:      url,
		Notes:    extra,
	}
	if totp != "" {
		entry.Data.CustomFields = map[string]string{"TOTP": totp}
	}
	return entry, ""
}
