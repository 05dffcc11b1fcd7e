package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Fingerprint builds the cache key for a GET request: the request path
// followed by its query parameters sorted by key, so two requests
// differing only in parameter order collide in the cache as spec.md
// §4.2's "fingerprint" concept requires.
func Fingerprint(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for j, v := range values {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
