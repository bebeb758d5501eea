package search

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/keywarden/keywarden/internal/codec"
	"github.com/keywarden/keywarden/pkg/validate"
)

// SearchByURL ranks entries against a target URL. Scores: 10 for an
// exact URL match, 8 for the same domain, 6 for subdomain containment,
// 4 for two or more shared domain labels, 2 for a long label appearing
// inside the entry domain. Fuzzy disables everything below 8.
func (e *Engine) SearchByURL(entries []*codec.Entry, target string, fuzzy bool) ([]Result, error) {
	clean, err := validate.URL(target)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	domain := domainOf(clean)

	var results []Result
	for _, entry := range entries {
		if strings.TrimSpace(entry.URL) == "" {
			continue
		}
		score := urlRelevance(entry.URL, clean, domain, fuzzy)
		if score > 0 {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

func urlRelevance(entryURL, target, targetDomain string, fuzzy bool) float64 {
	if strings.EqualFold(entryURL, target) {
		return 10.0
	}

	entryDomain := domainOf(entryURL)
	if entryDomain != "" && entryDomain == targetDomain {
		return 8.0
	}
	if !fuzzy {
		return 0
	}

	if entryDomain != "" && targetDomain != "" {
		if strings.Contains(entryDomain, targetDomain) || strings.Contains(targetDomain, entryDomain) {
			return 6.0
		}
	}

	targetParts := strings.Split(targetDomain, ".")
	entryParts := make(map[string]bool)
	for _, p := range strings.Split(entryDomain, ".") {
		entryParts[p] = true
	}
	// Set intersection, so a label repeated in the target counts once.
	shared := make(map[string]bool)
	for _, p := range targetParts {
		if entryParts[p] {
			shared[p] = true
		}
	}
	if len(shared) >= 2 {
		return 4.0
	}

	for _, p := range targetParts {
		if len(p) > 3 && strings.Contains(entryDomain, p) {
			return 2.0
		}
	}
	return 0
}

// domainOf extracts the lowercased host of a URL, empty when the URL
// has no parseable host.
func domainOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
