package crawler

import (
	"net/url"
	"strings"
	"sync"
)

// visitedSet remembers the URLs scheduled within a single task run.
// Workers read it concurrently; only the orchestrating goroutine adds.
type visitedSet struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

func newVisitedSet() *visitedSet {
	return &visitedSet{entries: make(map[string]struct{})}
}

// Add marks rawURL as visited and reports whether it was new.
func (v *visitedSet) Add(rawURL string) bool {
	key := visitKey(rawURL)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[key]; ok {
		return false
	}
	v.entries[key] = struct{}{}
	return true
}

func (v *visitedSet) Contains(rawURL string) bool {
	key := visitKey(rawURL)
	v.mu.RLock()
	_, ok := v.entries[key]
	v.mu.RUnlock()
	return ok
}

func (v *visitedSet) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// visitKey falls back to the raw string for values that do not parse as absolute URLs.
func visitKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return canonicalKey(u)
}

func canonicalKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
