// Package keys normalizes caller-supplied input keys so that equivalent inputs
// share one cache entry.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"trk":               {},
	"trkinfo":           {},
	"trackingid":        {},
	"lipi":              {},
	"licu":              {},
	"originalsubdomain": {},
	"fbclid":            {},
	"gclid":             {},
}

// Normalize canonicalizes an input key. Absolute URLs get a lowercase scheme
// and host without "www.", no fragment, no trailing slash and no tracking
// parameters, with the remaining query sorted. Anything else is only trimmed.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	escaped := strings.TrimRight(u.EscapedPath(), "/")
	if p, err := url.PathUnescape(escaped); err == nil {
		u.Path = p
		u.RawPath = escaped
	}

	q := u.Query()
	for name := range q {
		if isTracking(name) {
			q.Del(name)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fingerprint returns the hex sha256 of key, used as a storage-safe name.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func isTracking(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}
