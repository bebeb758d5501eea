// Package importer parses exports from other password managers into
// entries ready for the credential store. Supports 1Password CSV,
// Bitwarden JSON, and LastPass CSV formats.
package importer

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/keywarden/keywarden/internal/codec"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportedEntry is one parsed item. Group is the source folder path;
// the caller decides how to map it onto the target hierarchy.
type ImportedEntry struct {
	Data  codec.EntryData
	Group string

	// OriginalName is the item name before normalization, kept for
	// warnings and skip reports.
	OriginalName string
}

// Result contains the outcome of a parse.
type Result struct {
	Entries  []*ImportedEntry
	Warnings []string
	Skipped  []SkippedItem
}

// SkippedItem is an item that was not imported, with the reason.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for source format parsers.
type Parser interface {
	Parse(data []byte) (*Result, error)
	Source() Source
}

// NormalizeValue trims whitespace and normalizes Unicode to NFC so
// visually identical values compare equal.
func NormalizeValue(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// IsEmptyOrWhitespace checks if a string is empty or whitespace only.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// DecodeHTMLEntities decodes the HTML entities LastPass leaves in its
// CSV exports.
func DecodeHTMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&apos;", "'")
	return s
}

// FallbackTitle names an item whose export row had no title. The URL
// hostname is used when present, otherwise a counter.
func FallbackTitle(url string, counter int) string {
	if url != "" {
		if host := hostnameOf(url); host != "" {
			return host
		}
	}
	return fmt.Sprintf("Imported item %d", counter)
}

func hostnameOf(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return strings.TrimPrefix(urlStr, "www.")
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns the recognized source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
