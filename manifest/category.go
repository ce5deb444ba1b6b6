package manifest

import "fmt"

// Category controls how a path is cached and how it is carried across releases.
type Category string

const (
	// NeverCache paths are always served from the network.
	NeverCache Category = "never-cache"
	// PreCache paths are downloaded during install.
	PreCache Category = "pre-cache"
	// LaxLazy paths are cached on first request. A stale copy is revalidated
	// in the foreground and used as a fallback.
	LaxLazy Category = "lax-lazy"
	// StaleLazy paths are cached on first request. A stale copy is served
	// immediately and revalidated in the background.
	StaleLazy Category = "stale-lazy"
	// StrictLazy paths are cached on first request and never served stale.
	StrictLazy Category = "strict-lazy"
	// SemiLazy paths are cached on first request, and once cached they are
	// kept up to date during install like PreCache paths.
	SemiLazy Category = "semi-lazy"
)

var categories = []Category{NeverCache, PreCache, LaxLazy, StaleLazy, StrictLazy, SemiLazy}

// ParseCategory parses the string form of a category.
func ParseCategory(s string) (Category, error) {
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Cached reports whether paths of this category belong to the cache list.
func (c Category) Cached() bool {
	return c != NeverCache && c != ""
}

// Lazy reports whether paths of this category are only fetched on request.
func (c Category) Lazy() bool {
	switch c {
	case LaxLazy, StaleLazy, StrictLazy, SemiLazy:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
