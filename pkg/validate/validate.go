// Package validate sanitizes client-supplied input before it reaches
// the credential store. Every function returns the cleaned value or an
// error wrapping kwerr.ErrValidation.
package validate

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/keywarden/keywarden/pkg/kwerr"
)

// Field size limits.
const (
	MaxTitleLen      = 200
	MaxUsernameLen   = 100
	MaxPasswordLen   = 1000
	MaxGroupNameLen  = 100
	MaxNotesLen      = 10000
	MaxTagLen        = 50
	MaxTags          = 20
	MaxFieldKeyLen   = 100
	MaxFieldValueLen = 1000
	MaxCustomFields  = 50
	MaxQueryLen      = 200
)

// queryDenylist rejects SQL-ish metacharacters in search queries.
var queryDenylist = []string{";", "--", "/*", "*/", "drop ", "delete ", "insert "}

// titleStrip lists characters removed from titles during sanitization.
const titleStrip = "<>\"'&\n\r\t"

// reservedGroupNames may not be used for user-created groups.
var reservedGroupNames = map[string]bool{
	"root":        true,
	"recycle bin": true,
	"backup":      true,
}

// Title validates and sanitizes an entry title.
func Title(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("entry title cannot be empty: %w", kwerr.ErrValidation)
	}
	if len(title) > MaxTitleLen {
		return "", fmt.Errorf("entry title cannot exceed %d characters: %w", MaxTitleLen, kwerr.ErrValidation)
	}
	return stripChars(title, titleStrip), nil
}

// Username validates a username. Empty is allowed.
func Username(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) > MaxUsernameLen {
		return "", fmt.Errorf("username cannot exceed %d characters: %w", MaxUsernameLen, kwerr.ErrValidation)
	}
	return username, nil
}

// Password bounds the stored password length. Content is never
// inspected.
func Password(password string) (string, error) {
	if len(password) > MaxPasswordLen {
		return "", fmt.Errorf("password cannot exceed %d characters: %w", MaxPasswordLen, kwerr.ErrValidation)
	}
	return password, nil
}

// URL validates and normalizes a URL, defaulting the scheme to https.
// Empty is allowed.
func URL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL format %q: %w", raw, kwerr.ErrValidation)
	}
	return raw, nil
}

// GroupName validates and sanitizes a group name, rejecting reserved
// names.
func GroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("group name cannot be empty: %w", kwerr.ErrValidation)
	}
	if len(name) > MaxGroupNameLen {
		return "", fmt.Errorf("group name cannot exceed %d characters: %w", MaxGroupNameLen, kwerr.ErrValidation)
	}
	if reservedGroupNames[strings.ToLower(name)] {
		return "", fmt.Errorf("group name %q is reserved: %w", name, kwerr.ErrValidation)
	}
	return stripChars(name, "/\\"+titleStrip), nil
}

// ID validates a canonical UUID string and lowercases it.
func ID(id string) (string, error) {
	id = strings.TrimSpace(id)
	parsed, err := uuid.Parse(id)
	if err != nil || len(id) != 36 {
		return "", fmt.Errorf("invalid id format %q: %w", id, kwerr.ErrValidation)
	}
	return parsed.String(), nil
}

// Notes bounds the notes field length.
func Notes(notes string) (string, error) {
	if len(notes) > MaxNotesLen {
		return "", fmt.Errorf("notes cannot exceed %d characters: %w", MaxNotesLen, kwerr.ErrValidation)
	}
	return notes, nil
}

// Tags trims, deduplicates, and bounds a tag list.
func Tags(tags []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if len(tag) > MaxTagLen {
			return nil, fmt.Errorf("tag cannot exceed %d characters: %w", MaxTagLen, kwerr.ErrValidation)
		}
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) > MaxTags {
		return nil, fmt.Errorf("cannot have more than %d tags: %w", MaxTags, kwerr.ErrValidation)
	}
	return out, nil
}

// CustomFields validates a custom field map, dropping empty keys.
func CustomFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		key = strings.TrimSpace(key)
		if len(key) > MaxFieldKeyLen {
			return nil, fmt.Errorf("custom field key cannot exceed %d characters: %w", MaxFieldKeyLen, kwerr.ErrValidation)
		}
		if len(value) > MaxFieldValueLen {
			return nil, fmt.Errorf("custom field value cannot exceed %d characters: %w", MaxFieldValueLen, kwerr.ErrValidation)
		}
		if key != "" {
			out[key] = value
		}
	}
	if len(out) > MaxCustomFields {
		return nil, fmt.Errorf("cannot have more than %d custom fields: %w", MaxCustomFields, kwerr.ErrValidation)
	}
	return out, nil
}

// SearchQuery normalizes a query to NFKC, trims it, and rejects
// SQL-ish metacharacters. Empty is allowed and matches everything.
func SearchQuery(query string) (string, error) {
	query = strings.TrimSpace(norm.NFKC.String(query))
	if len(query) > MaxQueryLen {
		return "", fmt.Errorf("search query cannot exceed %d characters: %w", MaxQueryLen, kwerr.ErrValidation)
	}
	lower := strings.ToLower(query)
	for _, pattern := range queryDenylist {
		if strings.Contains(lower, pattern) {
			return "", fmt.Errorf("search query contains invalid pattern %q: %w",
				strings.TrimSpace(pattern), kwerr.ErrValidation)
		}
	}
	return query, nil
}

// FilePath resolves a path and rejects traversal segments.
func FilePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file path cannot be empty: %w", kwerr.ErrValidation)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", kwerr.ErrValidation)
	}
	if strings.Contains(abs, "..") {
		return "", fmt.Errorf("path traversal not allowed: %w", kwerr.ErrValidation)
	}
	return abs, nil
}

func stripChars(s, chars string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(chars, r) {
			return -1
		}
		return r
	}, s)
}
