package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/ericselin/vworker/buildsync"
	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// history is a sequence of releases with the ledger of every version.
type history struct {
	capacity int
	retained int
	m        *manifest.Manifest
	ledgers  map[int]manifest.Ledger
}

func newHistory(capacity, retained int) *history {
	return &history{
		capacity: capacity,
		retained: retained,
		m:        manifest.New("app"),
		ledgers:  map[int]manifest.Ledger{0: {}},
	}
}

func (h *history) release(t *testing.T, ledger manifest.Ledger, overrides manifest.Overrides) {
	next, _, err := buildsync.Synchronize(h.m, ledger, overrides, h.capacity, h.retained)
	require.NoError(t, err)
	h.m = next
	h.ledgers[next.Version] = ledger
}

func (h *history) descriptor() *manifest.Release {
	return &manifest.Release{
		Tag:           "app",
		Version:       h.m.Version,
		BatchCapacity: h.capacity,
		BatchOffset:   h.m.Offset(h.capacity),
	}
}

// source serves the retained batches through the batch file format and
// records which batches were asked for.
func (h *history) source(requested *[]int) BatchSource {
	mu := sync.Mutex{}
	return BatchSourceFunc(func(ctx context.Context, index int) (manifest.DeltaBatch, error) {
		mu.Lock()
		*requested = append(*requested, index)
		mu.Unlock()
		i := index - h.m.Offset(h.capacity)
		if i < 0 || i >= len(h.m.Versions) {
			return manifest.DeltaBatch{}, fmt.Errorf("no batch %d", index)
		}
		return manifest.DecodeBatch(manifest.EncodeBatch(h.m.Versions[i]))
	})
}

func ledgerOf(paths ...string) manifest.Ledger {
	l := manifest.Ledger{}
	for _, p := range paths {
		l[p] = "1"
	}
	return l
}

func TestResolveScenarioCapacityTwo(t *testing.T) {
	h := newHistory(2, 2)
	for v := 1; v <= 8; v++ {
		l := ledgerOf("/index.html", "/app.js")
		l["/v.txt"] = fmt.Sprint(v)
		if v == 7 {
			l["/app.js"] = "2"
		}
		if v == 8 {
			l["/app.js"] = "2"
		}
		h.release(t, l, manifest.Overrides{})
	}
	require.Equal(t, 2, h.m.Offset(2))

	requested := []int{}
	res := Resolve(context.Background(), []int{3, 5}, h.descriptor(), h.source(&requested), zerolog.Nop())
	require.False(t, res.Clean(), res.Reason)
	sort.Ints(requested)
	assert.Equal(t, []int{2, 3}, requested)
	assert.Equal(t, 5, res.From)
	assert.Equal(t, []string{"/app.js", "/v.txt"}, res.Paths())
	assert.Equal(t, manifest.Patch, res.Priority)
}

func TestResolveCleanInstall(t *testing.T) {
	h := newHistory(2, 2)
	for v := 1; v <= 8; v++ {
		h.release(t, ledgerOf("/a.js"), manifest.Overrides{})
	}
	failing := BatchSourceFunc(func(ctx context.Context, index int) (manifest.DeltaBatch, error) {
		return manifest.DeltaBatch{}, errors.New("offline")
	})
	short := BatchSourceFunc(func(ctx context.Context, index int) (manifest.DeltaBatch, error) {
		b := manifest.DeltaBatch{FormatVersion: manifest.FormatVersion}
		b.Updated = [][]string{{"/a.js"}}
		b.UpdatePriorities = []manifest.Priority{manifest.Patch}
		return b, nil
	})

	tests := []struct {
		name      string
		installed []int
		src       BatchSource
	}{
		{"nothing installed", nil, nil},
		{"same version", []int{8}, nil},
		{"newer version installed", []int{9, 2}, nil},
		{"evicted history", []int{3}, nil},
		{"fetch failure", []int{5}, failing},
		{"short batch", []int{6}, short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requested := []int{}
			src := tt.src
			if src == nil {
				src = h.source(&requested)
			}
			res := Resolve(context.Background(), tt.installed, h.descriptor(), src, zerolog.Nop())
			assert.True(t, res.Clean())
			assert.Equal(t, manifest.Critical, res.Priority)
			assert.NotContains(t, requested, 0)
			assert.NotContains(t, requested, 1)
		})
	}
}

func TestResolveIgnoresRecordsPastRelease(t *testing.T) {
	h := newHistory(5, 2)
	for v := 1; v <= 4; v++ {
		l := ledgerOf("/a.js")
		l["/v.txt"] = fmt.Sprint(v)
		h.release(t, l, manifest.Overrides{})
	}
	rel := h.descriptor()
	rel.Version = 3
	requested := []int{}
	res := Resolve(context.Background(), []int{2}, rel, h.source(&requested), zerolog.Nop())
	require.False(t, res.Clean())
	assert.Equal(t, []string{"/v.txt"}, res.Paths())
}

func TestResolvePriorityIsHighestInRange(t *testing.T) {
	h := newHistory(3, 3)
	major := 1
	h.release(t, ledgerOf("/a.js"), manifest.Overrides{})
	h.release(t, ledgerOf("/a.js"), manifest.Overrides{Major: &major})
	h.release(t, ledgerOf("/a.js"), manifest.Overrides{})
	h.release(t, ledgerOf("/a.js"), manifest.Overrides{})

	requested := []int{}
	res := Resolve(context.Background(), []int{1}, h.descriptor(), h.source(&requested), zerolog.Nop())
	assert.Equal(t, manifest.Major, res.Priority)
	res = Resolve(context.Background(), []int{2}, h.descriptor(), h.source(&requested), zerolog.Nop())
	assert.Equal(t, manifest.Patch, res.Priority)
}

// Every hash is unique, so the union of the change sets restricted to the
// paths of the release equals a direct diff of the two ledgers.
func TestResolveMatchesLedgerDiff(t *testing.T) {
	for _, layout := range [][2]int{{1, 3}, {2, 2}, {3, 4}, {5, 1}} {
		capacity, retained := layout[0], layout[1]
		t.Run(fmt.Sprintf("capacity %d retained %d", capacity, retained), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(uint64(capacity), uint64(retained)))
			h := newHistory(capacity, retained)
			paths := []string{"/a", "/b", "/c", "/d", "/e", "/f"}
			hash := 0
			ledger := manifest.Ledger{}
			for v := 1; v <= 30; v++ {
				next := manifest.Ledger{}
				for _, p := range paths {
					prev, ok := ledger[p]
					switch n := rng.IntN(10); {
					case n == 0:
						// removed
					case n < 4 || !ok:
						hash++
						next[p] = fmt.Sprint(hash)
					default:
						next[p] = prev
					}
				}
				ledger = next
				h.release(t, next, manifest.Overrides{})

				rel := h.descriptor()
				for from := 1; from < v; from++ {
					requested := []int{}
					res := Resolve(context.Background(), []int{from}, rel, h.source(&requested), zerolog.Nop())
					if manifest.BatchIndex(from+1, capacity) < rel.BatchOffset {
						assert.True(t, res.Clean(), "v%d from %d", v, from)
						assert.Empty(t, requested)
						continue
					}
					require.False(t, res.Clean(), "v%d from %d: %s", v, from, res.Reason)
					got := []string{}
					for _, p := range res.Paths() {
						if _, ok := next[p]; ok {
							got = append(got, p)
						}
					}
					assert.Equal(t, h.ledgers[from].Changed(next), got, "v%d from %d", v, from)
				}
			}
		})
	}
}
