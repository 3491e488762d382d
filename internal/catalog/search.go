package catalog

import (
	"regexp"
	"strconv"
	"strings"
)

// SearchMatch is a single method matching a search term.
type SearchMatch struct {
	Label    string `json:"label"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

// SearchResult is the response for searching an API definition.
type SearchResult struct {
	API          string        `json:"api"`
	Term         string        `json:"term"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

var orSplit = regexp.MustCompile(`\s+OR\s+`)

// matcher tests a single leaf value of a method.
type matcher func(s string) bool

// newMatcher builds the case-insensitive matcher for term. "a OR b"
// matches either word (spaces stripped from both); otherwise every
// whitespace-separated word must appear in the same value.
func newMatcher(term string) matcher {
	if orSplit.MatchString(term) {
		parts := orSplit.Split(term, -1)
		a := strings.ToLower(strings.Join(strings.Fields(parts[0]), ""))
		b := strings.ToLower(strings.Join(strings.Fields(parts[1]), ""))
		return func(s string) bool {
			s = strings.ToLower(s)
			return (a != "" && strings.Contains(s, a)) || (b != "" && strings.Contains(s, b))
		}
	}

	words := strings.Fields(strings.ToLower(term))
	return func(s string) bool {
		s = strings.ToLower(s)
		for _, w := range words {
			if !strings.Contains(s, w) {
				return false
			}
		}
		return true
	}
}

// Search returns the methods of def with any string or number value
// matching term. def must have its includes resolved.
func Search(api string, def map[string]any, term string) *SearchResult {
	res := &SearchResult{API: api, Term: term, Results: []SearchMatch{}}
	if strings.TrimSpace(term) == "" {
		return res
	}

	match := newMatcher(term)

	endpoints, _ := def["endpoints"].([]any)
	for _, e := range endpoints {
		endpoint, ok := e.(map[string]any)
		if !ok {
			continue
		}
		category, _ := endpoint["name"].(string)
		methods, _ := endpoint["methods"].([]any)

		for _, m := range methods {
			method, ok := m.(map[string]any)
			if !ok || !matchAny(method, match) {
				continue
			}
			label, _ := method["MethodName"].(string)
			typ, _ := method["HTTPMethod"].(string)
			res.Results = append(res.Results, SearchMatch{Label: label, Category: category, Type: typ})
		}
	}

	res.TotalMatches = len(res.Results)
	return res
}

func matchAny(v any, match matcher) bool {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if matchAny(child, match) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if matchAny(child, match) {
				return true
			}
		}
	case string:
		return match(t)
	case float64:
		return match(strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		return match(strconv.Itoa(t))
	}
	return false
}
