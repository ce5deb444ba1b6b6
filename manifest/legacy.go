package manifest

import (
	"encoding/json"
	"fmt"
)

const legacyFormatVersion = 2

// legacyManifest is the format 2 manifest: a flat history of changed paths
// without priorities or tag. Updated[i] belongs to version
// Version-len(Updated)+1+i.
type legacyManifest struct {
	FormatVersion int        `json:"formatVersion"`
	Version       int        `json:"version"`
	Updated       [][]string `json:"updated"`
	Hashes        Ledger     `json:"hashes"`
}

// upgradeLegacy re-windows a format 2 history into batches of the given capacity.
// Only the trailing retained batches are kept. Versions of a kept batch that the
// flat history no longer covers are filled with every path of the ledger, so a
// device bridging through them redownloads instead of trusting unknown history.
// Every upgraded record gets the elevated-patch priority.
func upgradeLegacy(data []byte, tag string, capacity, retained int) (*Manifest, error) {
	var legacy legacyManifest
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("read legacy manifest: %v: %w", err, ErrMalformed)
	}
	if capacity <= 0 || retained <= 0 {
		return nil, fmt.Errorf("batch capacity %d and retention %d must be positive", capacity, retained)
	}
	if legacy.Version < 0 || len(legacy.Updated) > legacy.Version {
		return nil, fmt.Errorf("legacy manifest has %d entries for version %d: %w",
			len(legacy.Updated), legacy.Version, ErrMalformed)
	}

	m := New(tag)
	if legacy.Hashes != nil {
		m.Hashes = legacy.Hashes
	}
	m.Version = legacy.Version

	first := legacy.Version - len(legacy.Updated) + 1
	total := TotalBatches(legacy.Version, capacity)
	for g := max(0, total-retained); g < total; g++ {
		batch := DeltaBatch{FormatVersion: FormatVersion}
		for v := g*capacity + 1; v <= min((g+1)*capacity, legacy.Version); v++ {
			if v >= first {
				batch.add(legacy.Updated[v-first], ElevatedPatch)
			} else {
				batch.add(m.Hashes.Paths(), ElevatedPatch)
			}
		}
		m.Versions = append(m.Versions, batch)
	}
	return m, nil
}
