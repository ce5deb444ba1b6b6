package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

// ModeHeader is the request header selecting how the router handles a request.
const ModeHeader = "vw-mode"

const methodSeparator = ":"

// strippedHeaders never reach a stored response's request.
var strippedHeaders = []string{"Range", "If-Range", "Accept-Encoding", ModeHeader}

// Key returns the cache key of a request. Only GET responses are stored,
// so GET and HEAD requests for the same URL share a key.
func Key(r *http.Request) string {
	return http.MethodGet + methodSeparator + r.URL.RequestURI()
}

// PathKey returns the cache key of a GET request for the path.
func PathKey(path string) string {
	return http.MethodGet + methodSeparator + path
}

// NormalizedRequest returns the request whose response is stored under the
// key of r: a GET for the same URL without range, encoding or mode headers.
func NormalizedRequest(r *http.Request) *http.Request {
	n := r.Clone(r.Context())
	n.Method = http.MethodGet
	n.Body = http.NoBody
	n.ContentLength = 0
	for _, h := range strippedHeaders {
		n.Header.Del(h)
	}
	return n
}

// RequestFromKey creates a request that results in a response stored under
// the given key. It returns an error if the key is malformed.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method != http.MethodGet || !strings.HasPrefix(uri, "/") {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
