package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/keywarden/keywarden/internal/codec"
)

// DefaultSimilarityThreshold is the minimum score SimilarEntries uses
// when the caller passes a non-positive threshold.
const DefaultSimilarityThreshold = 0.6

// Strength labels password quality. Length is the primary factor per
// NIST SP 800-63B; composition rules are advisory only.
type Strength int

const (
	StrengthWeak Strength = iota
	StrengthFair
	StrengthGood
	StrengthStrong
)

func (s Strength) String() string {
	switch s {
	case StrengthWeak:
		return "weak"
	case StrengthFair:
		return "fair"
	case StrengthGood:
		return "good"
	case StrengthStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordStrength grades a password by length.
func PasswordStrength(password string) Strength {
	switch n := len(password); {
	case n >= 20:
		return StrengthStrong
	case n >= 14:
		return StrengthGood
	case n >= 8:
		return StrengthFair
	default:
		return StrengthWeak
	}
}

// WeakPassword reports one entry with a problematic password.
type WeakPassword struct {
	Entry    *codec.Entry `json:"entry"`
	Reasons  []string     `json:"weakness_reasons"`
	Strength string       `json:"password_strength"`
}

var commonPasswords = map[string]bool{
	"password": true, "123456": true, "qwerty": true, "abc123": true,
	"password123": true, "admin": true, "letmein": true, "welcome": true,
	"monkey": true, "dragon": true,
}

var keyboardPatterns = []string{
	"qwerty", "asdf", "zxcv", "123456", "098765",
	"qwertyuiop", "asdfghjkl", "zxcvbnm",
}

// WeakPasswords finds entries whose password is too short, lacks
// character variety, appears on a common-password list, or contains a
// keyboard walk. Entries without a password are skipped.
func (e *Engine) WeakPasswords(entries []*codec.Entry, minLength int, requireComplexity bool) []WeakPassword {
	if minLength <= 0 {
		minLength = 8
	}

	var weak []WeakPassword
	for _, entry := range entries {
		password := entry.Password
		if password == "" {
			continue
		}

		var reasons []string
		if len(password) < minLength {
			reasons = append(reasons, "too short")
		}
		if requireComplexity && charClasses(password) < 3 {
			reasons = append(reasons, "low complexity")
		}
		if commonPasswords[strings.ToLower(password)] {
			reasons = append(reasons, "common password")
		}
		if hasKeyboardPattern(password) {
			reasons = append(reasons, "keyboard pattern")
		}

		if len(reasons) > 0 {
			weak = append(weak, WeakPassword{
				Entry:    entry,
				Reasons:  reasons,
				Strength: PasswordStrength(password).String(),
			})
		}
	}
	return weak
}

// Duplicates groups entries sharing a composite signature built from
// the given fields (title, username and url by default). Values are
// trimmed and compared case-insensitively. Only groups with more than
// one member are returned.
func (e *Engine) Duplicates(entries []*codec.Entry, fields []string) [][]*codec.Entry {
	if len(fields) == 0 {
		fields = []string{"title", "username", "url"}
	}

	order := make([]string, 0)
	bySignature := make(map[string][]*codec.Entry)
	for _, entry := range entries {
		var parts []string
		for _, field := range fields {
			value := strings.ToLower(strings.TrimSpace(fieldValue(entry, field)))
			if value != "" {
				parts = append(parts, field+":"+value)
			}
		}
		if len(parts) == 0 {
			continue
		}
		sig := strings.Join(parts, "|")
		if _, ok := bySignature[sig]; !ok {
			order = append(order, sig)
		}
		bySignature[sig] = append(bySignature[sig], entry)
	}

	var groups [][]*codec.Entry
	for _, sig := range order {
		if group := bySignature[sig]; len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// SimilarResult pairs an entry with its similarity to the reference.
type SimilarResult struct {
	Entry *codec.Entry `json:"entry"`
	Score float64      `json:"similarity_score"`
}

// SimilarEntries finds entries resembling the reference by title, URL
// domain, username and shared tags, scored 0 to 1. The reference
// itself is excluded by id.
func (e *Engine) SimilarEntries(entries []*codec.Entry, ref *codec.Entry, threshold float64) []SimilarResult {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	refTitle := strings.ToLower(ref.Title)
	refDomain := domainOf(ref.URL)
	refUsername := strings.ToLower(ref.Username)
	refTags := lowerSet(ref.Tags)

	var results []SimilarResult
	for _, entry := range entries {
		if entry.ID == ref.ID {
			continue
		}
		score := similarity(entry, refTitle, refDomain, refUsername, refTags)
		if score >= threshold {
			results = append(results, SimilarResult{Entry: entry, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

func similarity(entry *codec.Entry, refTitle, refDomain, refUsername string, refTags map[string]bool) float64 {
	score := 0.0

	title := strings.ToLower(entry.Title)
	if title != "" && refTitle != "" {
		if title == refTitle {
			score += 0.4
		} else if strings.Contains(title, refTitle) || strings.Contains(refTitle, title) {
			score += 0.2
		}
	}

	domain := domainOf(entry.URL)
	if domain != "" && refDomain != "" {
		if domain == refDomain {
			score += 0.3
		} else if strings.Contains(domain, refDomain) || strings.Contains(refDomain, domain) {
			score += 0.15
		}
	}

	username := strings.ToLower(entry.Username)
	if username != "" && username == refUsername {
		score += 0.2
	}

	tags := lowerSet(entry.Tags)
	if len(tags) > 0 && len(refTags) > 0 {
		common := 0
		for tag := range tags {
			if refTags[tag] {
				common++
			}
		}
		if common > 0 {
			larger := len(tags)
			if len(refTags) > larger {
				larger = len(refTags)
			}
			score += 0.1 * float64(common) / float64(larger)
		}
	}

	if score > 1.0 {
		return 1.0
	}
	return score
}

func charClasses(password string) int {
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			classes++
		}
	}
	return classes
}

func hasKeyboardPattern(password string) bool {
	lower := strings.ToLower(password)
	for _, pattern := range keyboardPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}
