package rfc9111

import "net/http"

// §  5.2.1.7.  only-if-cached
// §
// §     The only-if-cached request directive indicates that the client only
// §     wishes to obtain a stored response.  Caches that honor this request
// §     directive SHOULD, upon receiving it, respond with either a stored
// §     response consistent with the other constraints of the request or a
// §     504 (Gateway Timeout) status code.
func OnlyIfCachedMiss(w http.ResponseWriter) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusGatewayTimeout)
}

// OnlyIfCached reports whether the request carries the only-if-cached directive.
func OnlyIfCached(req *http.Request) bool {
	for _, directive := range GetListHeader(req.Header, "Cache-Control") {
		if directive == "only-if-cached" {
			return true
		}
	}
	return false
}
