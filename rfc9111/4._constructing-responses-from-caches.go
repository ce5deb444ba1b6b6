package rfc9111

import "net/http"

// §  4.  Constructing Responses from Caches
// §
// §     When presented with a request, a cache MUST NOT reuse a stored
// §     response unless:
// §
// §     *  the presented target URI (Section 7.1 of [HTTP]) and that of the
// §        stored response match, and
// §
// §     *  the request method associated with the stored response allows it
// §        to be used for the presented request, and
//
// Stored responses are always GET responses, which can serve GET and HEAD.
func MethodAllowsReuse(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

// §     A cache MUST write through requests with methods that are unsafe
// §     (Section 9.2.1 of [HTTP]) to the origin server; i.e., a cache is not
// §     allowed to generate a reply to such a request before having forwarded
// §     the request and having received a corresponding response.
