package rfc9111

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// §  4.1.  Calculating Cache Keys with the Vary Header Field
// §
// §     When a cache receives a request that can be satisfied by a stored
// §     response and that stored response contains a Vary header field
// §     (Section 12.5.5 of [HTTP]), the cache MUST NOT use that stored
// §     response without revalidation unless all the presented request header
// §     fields nominated by that Vary field value match those fields in the
// §     original request (i.e., the request that caused the cached response
// §     to be stored).
//
// Only a single response is stored per URL, and it is reused for requests
// with any header fields. MatchesDefaultRequest therefore reports whether
// the response is the one a request without any of the nominated fields
// would have received, which makes it safe to store.
func MatchesDefaultRequest(req *http.Request, res *http.Response) bool {
	for _, name := range GetListHeader(res.Header, "Vary") {
		log.Trace().Msgf("Checking Vary header %s", name)
		// §     A stored response with a Vary header field value containing a member
		// §     "*" always fails to match.
		if name == "*" {
			return false
		}
		if !FieldAbsent(req.Header, name) {
			return false
		}
	}
	return true
}

// §     The header fields from two requests are defined to match if and only
// §     if those in the first request can be transformed to those in the
// §     second request by applying any of the following:
// §
// §     *  adding or removing whitespace, where allowed in the header field's
// §        syntax
// §
// §     *  combining multiple header field lines with the same field name
// §        (see Section 5.2 of [HTTP])
// §
// §     *  normalizing both header field values in a way that is known to
// §        have identical semantics, according to the header field's
// §        specification (e.g., reordering field values when order is not
// §        significant; case-normalization, where values are defined to be
// §        case-insensitive)
// §
// §     If (after any normalization that might take place) a header field is
// §     absent from a request, it can only match another request if it is
// §     also absent there.
func FieldAbsent(header http.Header, name string) bool {
	for _, v := range header.Values(name) {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
