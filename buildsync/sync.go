package buildsync

import (
	"github.com/ericselin/vworker/manifest"
)

// Synchronize appends the next release to a copy of prev. The change set is
// the paths of next whose hash differs from the previous ledger.
// prev is left untouched.
func Synchronize(prev *manifest.Manifest, next manifest.Ledger, overrides manifest.Overrides, capacity, retained int) (*manifest.Manifest, manifest.DeltaRecord, error) {
	m := clone(prev)
	rec := manifest.DeltaRecord{
		Version:  prev.Version + 1,
		Changed:  prev.Hashes.Changed(next),
		Priority: resolvePriority(prev, overrides),
	}
	if err := m.Append(rec, capacity, retained); err != nil {
		return nil, rec, err
	}
	m.Hashes = next
	if overrides.ElevatedPatch != nil {
		m.ElevatedPatchUpdateValue = *overrides.ElevatedPatch
	}
	if overrides.Major != nil {
		m.MajorUpdateValue = *overrides.Major
	}
	if overrides.Critical != nil {
		m.CriticalUpdateValue = *overrides.Critical
	}
	return m, rec, nil
}

// resolvePriority escalates to the highest level whose id differs from the
// id stored with the previous release.
func resolvePriority(prev *manifest.Manifest, o manifest.Overrides) manifest.Priority {
	switch {
	case escalates(o.Critical, prev.CriticalUpdateValue):
		return manifest.Critical
	case escalates(o.Major, prev.MajorUpdateValue):
		return manifest.Major
	case escalates(o.ElevatedPatch, prev.ElevatedPatchUpdateValue):
		return manifest.ElevatedPatch
	}
	return manifest.Patch
}

func escalates(id *int, stored int) bool {
	return id != nil && *id != stored
}

func clone(m *manifest.Manifest) *manifest.Manifest {
	c := *m
	c.Hashes = make(manifest.Ledger, len(m.Hashes))
	for k, v := range m.Hashes {
		c.Hashes[k] = v
	}
	c.Versions = make([]manifest.DeltaBatch, len(m.Versions))
	for i, b := range m.Versions {
		c.Versions[i] = manifest.DeltaBatch{
			FormatVersion:    b.FormatVersion,
			Updated:          append([][]string(nil), b.Updated...),
			UpdatePriorities: append([]manifest.Priority(nil), b.UpdatePriorities...),
		}
	}
	return &c
}
