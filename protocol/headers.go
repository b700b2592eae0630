package protocol

import "net/http"

// Hop-by-hop headers are meaningful only for the link they were sent over
// and must not be replayed on the tunneled request or the relayed response.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// FilterHopByHop returns a copy of h without hop-by-hop headers. Matching is
// case-insensitive; all other headers pass through unchanged.
func FilterHopByHop(h http.Header) http.Header {
	filtered := make(http.Header, len(h))
	for name, values := range h {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		filtered[name] = values
	}
	return filtered
}
