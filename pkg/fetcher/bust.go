package fetcher

import (
	"net/url"
	"strings"
)

// Query parameters added to cache-busted requests.
const (
	VersionParam = "v"
	BustParam    = "t"
)

// BustPredicate decides whether a URL must bypass intermediary HTTP caches.
type BustPredicate func(u *url.URL) bool

// DefaultBustNames are the resource names whose URLs are always cache-busted.
var DefaultBustNames = []string{"script-data", "config"}

// NewBustPredicate matches relative URLs, URLs on originHost, and URLs whose
// path contains any of names.
func NewBustPredicate(originHost string, names ...string) BustPredicate {
	return func(u *url.URL) bool {
		if u.Host == "" || (originHost != "" && strings.EqualFold(u.Host, originHost)) {
			return true
		}
		for _, name := range names {
			if strings.Contains(u.Path, name) {
				return true
			}
		}
		return false
	}
}

// NeverBust disables cache busting.
func NeverBust(*url.URL) bool { return false }
