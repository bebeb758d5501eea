package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keywarden/keywarden/pkg/kwerr"
	"github.com/keywarden/keywarden/pkg/search"
)

// SearchResult is one scored hit. Passwords are never included.
type SearchResult struct {
	Entry EntryInfo `json:"entry"`
	Score float64   `json:"relevance_score"`
}

type SearchCredentialsInput struct {
	Token          string   `json:"token"`
	Query          string   `json:"query,omitempty"`
	Fields         []string `json:"fields,omitempty"`
	CaseSensitive  bool     `json:"case_sensitive,omitempty"`
	ExactMatch     bool     `json:"exact_match,omitempty"`
	Regex          bool     `json:"regex,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Group          string   `json:"group,omitempty"`
	CreatedAfter   string   `json:"created_after,omitempty"`
	CreatedBefore  string   `json:"created_before,omitempty"`
	ModifiedAfter  string   `json:"modified_after,omitempty"`
	ModifiedBefore string   `json:"modified_before,omitempty"`
	HasURL         *bool    `json:"has_url,omitempty"`
	HasNotes       *bool    `json:"has_notes,omitempty"`
	SortBy         string   `json:"sort_by,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

type SearchOutput struct {
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

func (s *Server) handleSearchCredentials(_ context.Context, _ *mcp.CallToolRequest, input SearchCredentialsInput) (*mcp.CallToolResult, SearchOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, SearchOutput{}, err
	}

	opts := search.Options{
		Fields:        input.Fields,
		CaseSensitive: input.CaseSensitive,
		ExactMatch:    input.ExactMatch,
		Regex:         input.Regex,
		Tags:          input.Tags,
		Group:         input.Group,
		HasURL:        input.HasURL,
		HasNotes:      input.HasNotes,
		SortBy:        input.SortBy,
		Limit:         input.Limit,
	}
	var err error
	if opts.CreatedAfter, err = parseTime(input.CreatedAfter); err != nil {
		return nil, SearchOutput{}, toolError(err)
	}
	if opts.CreatedBefore, err = parseTime(input.CreatedBefore); err != nil {
		return nil, SearchOutput{}, toolError(err)
	}
	if opts.ModifiedAfter, err = parseTime(input.ModifiedAfter); err != nil {
		return nil, SearchOutput{}, toolError(err)
	}
	if opts.ModifiedBefore, err = parseTime(input.ModifiedBefore); err != nil {
		return nil, SearchOutput{}, toolError(err)
	}

	entries, err := s.store.Entries()
	if err != nil {
		return nil, SearchOutput{}, toolError(err)
	}

	results, err := s.engine.Search(entries, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, toolError(err)
	}
	return nil, searchOutput(results), nil
}

type SearchByURLInput struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	Fuzzy *bool  `json:"fuzzy,omitempty"`
}

func (s *Server) handleSearchByURL(_ context.Context, _ *mcp.CallToolRequest, input SearchByURLInput) (*mcp.CallToolResult, SearchOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, SearchOutput{}, err
	}

	entries, err := s.store.Entries()
	if err != nil {
		return nil, SearchOutput{}, toolError(err)
	}

	fuzzy := true
	if input.Fuzzy != nil {
		fuzzy = *input.Fuzzy
	}
	results, err := s.engine.SearchByURL(entries, input.URL, fuzzy)
	if err != nil {
		return nil, SearchOutput{}, toolError(err)
	}
	return nil, searchOutput(results), nil
}

// WeakPasswordResult describes one flagged entry without exposing the
// password itself.
type WeakPasswordResult struct {
	Entry    EntryInfo `json:"entry"`
	Reasons  []string  `json:"weakness_reasons"`
	Strength string    `json:"password_strength"`
}

type SearchWeakPasswordsInput struct {
	Token             string `json:"token"`
	MinLength         int    `json:"min_length,omitempty"`
	RequireComplexity *bool  `json:"require_complexity,omitempty"`
}

type SearchWeakPasswordsOutput struct {
	Results []WeakPasswordResult `json:"results"`
	Count   int                  `json:"count"`
}

func (s *Server) handleSearchWeakPasswords(_ context.Context, _ *mcp.CallToolRequest, input SearchWeakPasswordsInput) (*mcp.CallToolResult, SearchWeakPasswordsOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, SearchWeakPasswordsOutput{}, err
	}

	entries, err := s.store.Entries()
	if err != nil {
		return nil, SearchWeakPasswordsOutput{}, toolError(err)
	}

	requireComplexity := true
	if input.RequireComplexity != nil {
		requireComplexity = *input.RequireComplexity
	}
	weak := s.engine.WeakPasswords(entries, input.MinLength, requireComplexity)

	out := SearchWeakPasswordsOutput{Results: make([]WeakPasswordResult, 0, len(weak))}
	for _, w := range weak {
		out.Results = append(out.Results, WeakPasswordResult{
			Entry:    entryInfo(w.Entry, false),
			Reasons:  w.Reasons,
			Strength: w.Strength,
		})
	}
	out.Count = len(out.Results)
	return nil, out, nil
}

type SearchDuplicatesInput struct {
	Token  string   `json:"token"`
	Fields []string `json:"fields,omitempty"`
}

type SearchDuplicatesOutput struct {
	Groups [][]EntryInfo `json:"groups"`
	Count  int           `json:"count"`
}

func (s *Server) handleSearchDuplicates(_ context.Context, _ *mcp.CallToolRequest, input SearchDuplicatesInput) (*mcp.CallToolResult, SearchDuplicatesOutput, error) {
	if err := s.validateSession(input.Token); err != nil {
		return nil, SearchDuplicatesOutput{}, err
	}

	entries, err := s.store.Entries()
	if err != nil {
		return nil, SearchDuplicatesOutput{}, toolError(err)
	}

	groups := s.engine.Duplicates(entries, input.Fields)
	out := SearchDuplicatesOutput{Groups: make([][]EntryInfo, 0, len(groups))}
	for _, group := range groups {
		infos := make([]EntryInfo, 0, len(group))
		for _, e := range group {
			infos = append(infos, entryInfo(e, false))
		}
		out.Groups = append(out.Groups, infos)
	}
	out.Count = len(out.Groups)
	return nil, out, nil
}

func searchOutput(results []search.Result) SearchOutput {
	out := SearchOutput{Results: make([]SearchResult, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchResult{
			Entry: entryInfo(r.Entry, false),
			Score: r.Score,
		})
	}
	out.Count = len(out.Results)
	return out
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, want RFC3339 or YYYY-MM-DD: %w",
		value, kwerr.ErrValidation)
}
