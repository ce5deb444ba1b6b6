package rfc9211

import "fmt"

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
const HeaderName = "Cache-Status"

type Status string

const (
	// §  2.1.  The hit Parameter
	// §
	// §     "hit", when present, indicates that the request was satisfied by the
	// §     cache; that is, it was not forwarded, and the response was obtained
	// §     from the cache.
	StatusHit Status = "hit"
	// §  2.2.  The fwd Parameter
	// §
	// §     "fwd", when present, indicates that the request went forward towards
	// §     the origin.
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is a single Cache-Status list member.
type CacheStatus struct {
	cache     string
	status    Status
	detail    string
	fwdReason FwdReason
}

func New(cache string) *CacheStatus {
	return &CacheStatus{cache: cache}
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// §  2.8.  The detail Parameter
// §
// §     "detail" allows implementations to convey additional information not
// §     captured in other parameters, such as implementation-specific states
// §     or other caching-related metadata.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == StatusHit
}

func (cs *CacheStatus) FwdReason() FwdReason {
	return cs.fwdReason
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cs.cache, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
