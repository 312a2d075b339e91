package crawler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned when a task's URL pattern does not compile.
var ErrInvalidPattern = errors.New("invalid url pattern")

// URLFilter narrows discovered links to those a task should follow.
// The zero value (or a filter built from a blank pattern) accepts everything.
type URLFilter struct {
	pattern *regexp.Regexp
}

// NewURLFilter compiles pattern. Matching is against the whole URL string.
func NewURLFilter(pattern string) (*URLFilter, error) {
	if strings.TrimSpace(pattern) == "" {
		return &URLFilter{}, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return &URLFilter{pattern: re}, nil
}

// Matches reports whether a single URL passes the pattern.
func (f *URLFilter) Matches(rawURL string) bool {
	if f == nil || f.pattern == nil {
		return true
	}
	return f.pattern.MatchString(rawURL)
}

// Filter keeps matching URLs, dropping repeats but preserving first-seen order.
func (f *URLFilter) Filter(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !f.Matches(u) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
