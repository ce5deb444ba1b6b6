// Package manifest holds the versioned delta log persisted with every release:
// the hash ledger of the latest build, the windowed batches of per-version
// changed paths, and the plain-text files the runtime reads.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FormatVersion is the manifest and batch format written by this package.
const FormatVersion = 3

// Ledger maps a path to the content hash of the latest release.
type Ledger map[string]string

// Changed returns the sorted paths of next whose hash differs from l.
// Paths missing from next are never reported.
func (l Ledger) Changed(next Ledger) []string {
	changed := make([]string, 0)
	for path, hash := range next {
		if prev, ok := l[path]; !ok || prev != hash {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Paths returns the sorted paths of the ledger.
func (l Ledger) Paths() []string {
	paths := make([]string, 0, len(l))
	for path := range l {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DeltaRecord is the change set of a single release.
type DeltaRecord struct {
	Version  int
	Changed  []string
	Priority Priority
}

// DeltaBatch is a fixed-capacity run of consecutive delta records.
type DeltaBatch struct {
	FormatVersion    int        `json:"formatVersion"`
	Updated          [][]string `json:"updated"`
	UpdatePriorities []Priority `json:"updatePriorities"`
}

// Len returns the number of records in the batch.
func (b DeltaBatch) Len() int {
	return len(b.Updated)
}

func (b *DeltaBatch) add(changed []string, priority Priority) {
	if changed == nil {
		changed = []string{}
	}
	b.Updated = append(b.Updated, changed)
	b.UpdatePriorities = append(b.UpdatePriorities, priority)
}

// Manifest is the persisted build state.
type Manifest struct {
	FormatVersion            int          `json:"formatVersion"`
	Tag                      string       `json:"tag"`
	Version                  int          `json:"version"`
	Versions                 []DeltaBatch `json:"versions"`
	Hashes                   Ledger       `json:"hashes"`
	ElevatedPatchUpdateValue int          `json:"elevatedPatchUpdateValue"`
	MajorUpdateValue         int          `json:"majorUpdateValue"`
	CriticalUpdateValue      int          `json:"criticalUpdateValue"`
}

// New returns the empty state of a project that has never been released.
func New(tag string) *Manifest {
	return &Manifest{
		FormatVersion: FormatVersion,
		Tag:           tag,
		Versions:      []DeltaBatch{},
		Hashes:        Ledger{},
	}
}

// BatchIndex returns the global index of the batch holding version v (v >= 1).
func BatchIndex(v, capacity int) int {
	return (v - 1) / capacity
}

// TotalBatches returns the number of batches ever opened once version v is released.
func TotalBatches(v, capacity int) int {
	return (v + capacity - 1) / capacity
}

// Offset returns the global index of the first retained batch.
func (m *Manifest) Offset(capacity int) int {
	return TotalBatches(m.Version, capacity) - len(m.Versions)
}

// Records returns every retained record with its version number.
func (m *Manifest) Records(capacity int) []DeltaRecord {
	offset := m.Offset(capacity)
	records := make([]DeltaRecord, 0)
	for i, batch := range m.Versions {
		for j := range batch.Updated {
			records = append(records, DeltaRecord{
				Version:  (offset+i)*capacity + j + 1,
				Changed:  batch.Updated[j],
				Priority: batch.UpdatePriorities[j],
			})
		}
	}
	return records
}

// Append adds the record of the next release and evicts batches beyond
// the retention cap.
func (m *Manifest) Append(rec DeltaRecord, capacity, retained int) error {
	if rec.Version != m.Version+1 {
		return fmt.Errorf("append version %d after %d: %w", rec.Version, m.Version, ErrMalformed)
	}
	position := (rec.Version - 1) % capacity
	if position == 0 || len(m.Versions) == 0 {
		m.Versions = append(m.Versions, DeltaBatch{FormatVersion: FormatVersion})
	}
	last := &m.Versions[len(m.Versions)-1]
	// a batch with missing leading history is padded with every known path
	for last.Len() < position {
		last.add(m.Hashes.Paths(), ElevatedPatch)
	}
	last.add(rec.Changed, rec.Priority)
	if len(m.Versions) > retained {
		m.Versions = append([]DeltaBatch(nil), m.Versions[len(m.Versions)-retained:]...)
	}
	m.Version = rec.Version
	return nil
}

// Validate checks the layout invariants of the batch log for the given capacity.
func (m *Manifest) Validate(capacity, retained int) error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("manifest format %d: %w", m.FormatVersion, ErrUnsupportedFormat)
	}
	if capacity <= 0 || retained <= 0 {
		return fmt.Errorf("batch capacity %d and retention %d must be positive", capacity, retained)
	}
	if m.Version < 0 {
		return fmt.Errorf("negative version %d: %w", m.Version, ErrMalformed)
	}
	total := TotalBatches(m.Version, capacity)
	if len(m.Versions) > total || len(m.Versions) > retained {
		return fmt.Errorf("%d batches retained for version %d: %w", len(m.Versions), m.Version, ErrMalformed)
	}
	if m.Version > 0 && len(m.Versions) == 0 {
		return fmt.Errorf("no batches for version %d: %w", m.Version, ErrMalformed)
	}
	for i, batch := range m.Versions {
		if batch.FormatVersion != FormatVersion {
			return fmt.Errorf("batch %d format %d: %w", i, batch.FormatVersion, ErrUnsupportedFormat)
		}
		if len(batch.Updated) != len(batch.UpdatePriorities) {
			return fmt.Errorf("batch %d has %d records and %d priorities: %w",
				i, len(batch.Updated), len(batch.UpdatePriorities), ErrMalformed)
		}
		want := capacity
		if i == len(m.Versions)-1 {
			want = m.Version - (total-1)*capacity
		}
		if batch.Len() != want {
			return fmt.Errorf("batch %d holds %d records, want %d: %w", i, batch.Len(), want, ErrMalformed)
		}
		for _, p := range batch.UpdatePriorities {
			if !p.Valid() {
				return fmt.Errorf("batch %d: invalid priority %d: %w", i, p, ErrMalformed)
			}
		}
	}
	return nil
}

// Encode returns the indented JSON form of the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode reads a persisted manifest. Format 3 is read as is, format 2 is
// upgraded into the given batch layout, anything else is rejected.
func Decode(data []byte, tag string, capacity, retained int) (*Manifest, error) {
	var probe struct {
		FormatVersion int `json:"formatVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("read manifest: %v: %w", err, ErrMalformed)
	}
	var m *Manifest
	switch probe.FormatVersion {
	case FormatVersion:
		m = &Manifest{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("read manifest: %v: %w", err, ErrMalformed)
		}
		if m.Hashes == nil {
			m.Hashes = Ledger{}
		}
		if m.Versions == nil {
			m.Versions = []DeltaBatch{}
		}
	case legacyFormatVersion:
		legacy, err := upgradeLegacy(data, tag, capacity, retained)
		if err != nil {
			return nil, err
		}
		m = legacy
	default:
		return nil, fmt.Errorf(
			"manifest format %d: upgrade it with a release of the tool that still reads it first: %w",
			probe.FormatVersion, ErrUnsupportedFormat)
	}
	if err := m.Validate(capacity, retained); err != nil {
		return nil, err
	}
	return m, nil
}
