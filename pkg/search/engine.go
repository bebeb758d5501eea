// Package search scores and filters decrypted entry snapshots. It
// never mutates the entries it is given; the only state it keeps is a
// bounded history of past queries.
package search

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/codec"
	"github.com/keywarden/keywarden/pkg/validate"
)

// maxHistory bounds the query history log.
const maxHistory = 100

// scoreCap is the ceiling for a summed relevance score.
const scoreCap = 10.0

var fieldWeights = map[string]float64{
	"title":    3.0,
	"url":      2.5,
	"username": 2.0,
	"tags":     2.0,
	"notes":    1.0,
}

// defaultFields is the field set searched when the caller names none.
var defaultFields = []string{"title", "username", "url", "notes", "tags"}

// Options controls a search_entries call. Nil pointer fields mean
// "not filtered on".
type Options struct {
	Fields         []string
	CaseSensitive  bool
	ExactMatch     bool
	Regex          bool
	Tags           []string
	Group          string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	ModifiedAfter  time.Time
	ModifiedBefore time.Time
	HasURL         *bool
	HasNotes       *bool
	SortBy         string // relevance, title, date_created, date_modified
	Limit          int
}

// Result pairs an entry with its relevance score.
type Result struct {
	Entry *codec.Entry `json:"entry"`
	Score float64      `json:"relevance_score"`
}

// HistoryRecord is one remembered query.
type HistoryRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
	Fields    []string  `json:"fields"`
	Tags      []string  `json:"tags,omitempty"`
	Group     string    `json:"group_filter,omitempty"`
}

// Engine is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	history []HistoryRecord
	now     func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Search filters and scores entries. Structural filters run first;
// surviving entries are scored against the query, with an empty query
// assigning every survivor a score of 1.0. Results are sorted per
// opts.SortBy (relevance by default) and truncated to opts.Limit.
func (e *Engine) Search(entries []*codec.Entry, query string, opts Options) ([]Result, error) {
	if query != "" {
		clean, err := validate.SearchQuery(query)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		query = clean
	}

	fields := opts.Fields
	if len(fields) == 0 {
		fields = defaultFields
	}

	e.recordSearch(query, fields, opts.Tags, opts.Group)

	var results []Result
	for _, entry := range entries {
		if !matchesFilters(entry, opts) {
			continue
		}
		if query == "" {
			results = append(results, Result{Entry: entry, Score: 1.0})
			continue
		}
		score := relevance(entry, query, fields, opts)
		if score > 0 {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}

	sortResults(results, opts.SortBy)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// History returns the most recent searches, newest last.
func (e *Engine) History(limit int) []HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]HistoryRecord, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}

// ClearHistory drops all remembered queries.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// Suggestions returns field values containing the partial query,
// shortest first. Queries under two characters yield nothing.
func (e *Engine) Suggestions(partial string, entries []*codec.Entry, max int) []string {
	if len(partial) < 2 {
		return nil
	}
	q := strings.ToLower(partial)
	seen := make(map[string]bool)

	add := func(v string) {
		if v != "" && strings.Contains(strings.ToLower(v), q) {
			seen[v] = true
		}
	}
	for _, entry := range entries {
		add(entry.Title)
		add(entry.Username)
		if entry.URL != "" {
			add(domainOf(entry.URL))
		}
		for _, tag := range entry.Tags {
			add(tag)
		}
	}

	suggestions := make([]string, 0, len(seen))
	for s := range seen {
		suggestions = append(suggestions, s)
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if len(suggestions[i]) != len(suggestions[j]) {
			return len(suggestions[i]) < len(suggestions[j])
		}
		return suggestions[i] < suggestions[j]
	})
	if max > 0 && len(suggestions) > max {
		suggestions = suggestions[:max]
	}
	return suggestions
}

func (e *Engine) recordSearch(query string, fields, tags []string, group string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, HistoryRecord{
		Timestamp: e.now(),
		Query:     query,
		Fields:    fields,
		Tags:      tags,
		Group:     group,
	})
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
}

func matchesFilters(entry *codec.Entry, opts Options) bool {
	if opts.Group != "" &&
		!strings.Contains(strings.ToLower(entry.Group), strings.ToLower(opts.Group)) {
		return false
	}
	if !opts.CreatedAfter.IsZero() && entry.Created.Before(opts.CreatedAfter) {
		return false
	}
	if !opts.CreatedBefore.IsZero() && entry.Created.After(opts.CreatedBefore) {
		return false
	}
	if !opts.ModifiedAfter.IsZero() && entry.Modified.Before(opts.ModifiedAfter) {
		return false
	}
	if !opts.ModifiedBefore.IsZero() && entry.Modified.After(opts.ModifiedBefore) {
		return false
	}
	if opts.HasURL != nil && *opts.HasURL != (strings.TrimSpace(entry.URL) != "") {
		return false
	}
	if opts.HasNotes != nil && *opts.HasNotes != (strings.TrimSpace(entry.Notes) != "") {
		return false
	}
	if len(opts.Tags) > 0 {
		have := make(map[string]bool, len(entry.Tags))
		for _, tag := range entry.Tags {
			have[strings.ToLower(tag)] = true
		}
		for _, tag := range opts.Tags {
			if !have[strings.ToLower(tag)] {
				return false
			}
		}
	}
	return true
}

// relevance sums weighted per-field scores. A match at the start of a
// field keeps the full field weight, a mid-string match keeps 70%, and
// a whole-word match multiplies by 1.2. The sum is capped at 10.0.
func relevance(entry *codec.Entry, query string, fields []string, opts Options) float64 {
	q := query
	if !opts.CaseSensitive {
		q = strings.ToLower(q)
	}

	total := 0.0
	for _, field := range fields {
		value := fieldValue(entry, field)
		if value == "" {
			continue
		}
		if !opts.CaseSensitive {
			value = strings.ToLower(value)
		}

		weight, ok := fieldWeights[field]
		if !ok {
			weight = 1.0
		}

		switch {
		case opts.Regex:
			re, err := regexp.Compile(q)
			if err != nil {
				// Invalid patterns degrade to substring search.
				if strings.Contains(value, q) {
					total += weight
				}
			} else if re.MatchString(value) {
				total += weight
			}
		case opts.ExactMatch:
			if q == value {
				total += weight
			}
		default:
			if strings.Contains(value, q) {
				score := weight * 0.7
				if strings.HasPrefix(value, q) {
					score = weight
				}
				if strings.Contains(" "+value+" ", " "+q+" ") {
					score *= 1.2
				}
				total += score
			}
		}
	}

	if total > scoreCap {
		return scoreCap
	}
	return total
}

func fieldValue(entry *codec.Entry, field string) string {
	switch field {
	case "title":
		return entry.Title
	case "username":
		return entry.Username
	case "url":
		return entry.URL
	case "notes":
		return entry.Notes
	case "tags":
		return strings.Join(entry.Tags, " ")
	default:
		return ""
	}
}

func sortResults(results []Result, sortBy string) {
	switch sortBy {
	case "title":
		sort.SliceStable(results, func(i, j int) bool {
			return strings.ToLower(results[i].Entry.Title) < strings.ToLower(results[j].Entry.Title)
		})
	case "date_created":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Entry.Created.After(results[j].Entry.Created)
		})
	case "date_modified":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Entry.Modified.After(results[j].Entry.Modified)
		})
	default: // relevance
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
	}
}
