package manifest

import "errors"

var (
	// ErrUnsupportedFormat is returned for manifests and batch files written in
	// a format this version cannot read.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrMalformed is returned when persisted state does not satisfy the
	// layout invariants of the delta batch log.
	ErrMalformed = errors.New("malformed state")
)
