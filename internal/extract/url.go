package extract

import (
	"net/url"
	"strings"
)

// redirectParams are query keys that carry the real destination on tracking
// links served by the result surface.
var redirectParams = []string{"adurl", "url", "q"}

// CanonicalURL reduces raw to scheme://host/ with the path, query and
// fragment discarded. Tracking redirects on google hosts are unwrapped first.
// It reports false for relative or non-http links.
func CanonicalURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if isGoogleHost(u.Hostname()) {
		for _, key := range redirectParams {
			if target := u.Query().Get(key); target != "" {
				if inner, err := url.Parse(target); err == nil && inner.Host != "" && !isGoogleHost(inner.Hostname()) {
					u = inner
					break
				}
			}
		}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host + "/", true
}

// Domain returns the host of a canonical URL without a leading "www.".
func Domain(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func isGoogleHost(host string) bool {
	host = strings.ToLower(host)
	return host == "google.com" || strings.HasSuffix(host, ".google.com") ||
		strings.HasPrefix(host, "www.google.") || strings.HasPrefix(host, "google.")
}

// URLSet holds canonical URLs already emitted during one session. It is owned
// by a single goroutine.
type URLSet struct {
	urls map[string]struct{}
}

// NewURLSet returns an empty set.
func NewURLSet() *URLSet {
	return &URLSet{urls: make(map[string]struct{})}
}

// Add inserts u and reports whether it was new.
func (s *URLSet) Add(u string) bool {
	if _, ok := s.urls[u]; ok {
		return false
	}
	s.urls[u] = struct{}{}
	return true
}

// Contains reports whether u was already added.
func (s *URLSet) Contains(u string) bool {
	_, ok := s.urls[u]
	return ok
}

// Len returns the number of URLs held.
func (s *URLSet) Len() int {
	return len(s.urls)
}

// Reset empties the set.
func (s *URLSet) Reset() {
	clear(s.urls)
}
