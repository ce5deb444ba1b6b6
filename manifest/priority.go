package manifest

import "fmt"

// Priority is the update priority of a release. It controls how assertively
// open pages are asked to reload once the release is installed.
type Priority int

const (
	Patch         Priority = 1
	ElevatedPatch Priority = 2
	Major         Priority = 3
	Critical      Priority = 4
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= Patch && p <= Critical
}

func (p Priority) String() string {
	switch p {
	case Patch:
		return "patch"
	case ElevatedPatch:
		return "elevated-patch"
	case Major:
		return "major"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Overrides holds the escalation ids passed to a build.
// A nil field means the flag was not given for this build.
type Overrides struct {
	ElevatedPatch *int
	Major         *int
	Critical      *int
}
