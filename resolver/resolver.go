// Package resolver works out which paths changed between the newest release
// installed on a device and the release being installed.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BatchSource returns the delta batch with the given global index.
type BatchSource interface {
	Batch(ctx context.Context, index int) (manifest.DeltaBatch, error)
}

type BatchSourceFunc func(ctx context.Context, index int) (manifest.DeltaBatch, error)

func (f BatchSourceFunc) Batch(ctx context.Context, index int) (manifest.DeltaBatch, error) {
	return f(ctx, index)
}

// Resolution is the outcome of resolving an install.
type Resolution struct {
	// From is the newest installed version, 0 if none.
	From int
	To   int
	// Changed holds the paths changed in (From, To].
	// It is nil for a clean install.
	Changed map[string]bool
	// Priority is the highest priority in (From, To].
	Priority manifest.Priority
	// Reason tells why a clean install is needed.
	Reason string
}

// Clean reports whether every cached path must be treated as changed.
func (r Resolution) Clean() bool {
	return r.Changed == nil
}

// Paths returns the changed paths in order.
func (r Resolution) Paths() []string {
	paths := make([]string, 0, len(r.Changed))
	for p := range r.Changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Batches returns the global indices of the batches covering (from, to].
func Batches(from, to, capacity int) []int {
	if from >= to {
		return nil
	}
	indices := make([]int, 0)
	for i := manifest.BatchIndex(from+1, capacity); i <= manifest.BatchIndex(to, capacity); i++ {
		indices = append(indices, i)
	}
	return indices
}

// Resolve bridges the newest installed version to the release. Whenever the
// history needed for that is unavailable or ambiguous, the resolution is a
// clean install.
func Resolve(ctx context.Context, installed []int, release *manifest.Release, src BatchSource, logger zerolog.Logger) Resolution {
	res := Resolution{To: release.Version, Priority: manifest.Critical}
	clean := func(reason string) Resolution {
		res.Reason = reason
		logger.Warn().Int("from", res.From).Int("to", res.To).Str("reason", reason).Msg("Clean install")
		return res
	}

	if len(installed) == 0 {
		// a first install is expected, no need to warn
		res.Reason = "nothing installed"
		return res
	}
	for _, v := range installed {
		res.From = max(res.From, v)
	}
	if res.From >= release.Version {
		return clean("installed version not older than release")
	}
	capacity := release.BatchCapacity
	indices := Batches(res.From, release.Version, capacity)
	if indices[0] < release.BatchOffset {
		return clean(fmt.Sprintf("batch %d evicted", indices[0]))
	}

	batches := make(map[int]manifest.DeltaBatch, len(indices))
	mu := sync.Mutex{}
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range indices {
		g.Go(func() error {
			batch, err := src.Batch(gctx, index)
			if err != nil {
				return fmt.Errorf("batch %d: %w", index, err)
			}
			mu.Lock()
			batches[index] = batch
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return clean(err.Error())
	}

	changed := make(map[string]bool)
	priority := manifest.Patch
	for v := res.From + 1; v <= release.Version; v++ {
		batch := batches[manifest.BatchIndex(v, capacity)]
		position := (v - 1) % capacity
		if position >= batch.Len() {
			return clean(fmt.Sprintf("version %d missing from batch %d", v, manifest.BatchIndex(v, capacity)))
		}
		for _, path := range batch.Updated[position] {
			changed[path] = true
		}
		priority = max(priority, batch.UpdatePriorities[position])
	}
	res.Changed = changed
	res.Priority = priority
	logger.Debug().Int("from", res.From).Int("to", res.To).Int("changed", len(changed)).
		Stringer("priority", priority).Msg("Resolved update")
	return res
}
