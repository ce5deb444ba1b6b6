package vworker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ericselin/vworker/cache"
	"github.com/ericselin/vworker/manifest"
	"github.com/ericselin/vworker/reconcile"
	"github.com/ericselin/vworker/resolver"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Worker serves a single release from its cache generation.
type Worker struct {
	release    *manifest.Release
	generation string
	routes     map[string]bool
	cache      cache.CacheProvider
	fetcher    Fetcher
	log        zerolog.Logger
	lifetime   *lifetime
	prefetch   *prefetcher
	revalidate singleflight.Group
	maxStored  int
	// priority of the update that installed this worker
	priority manifest.Priority
}

func newWorker(release *manifest.Release, config Config, logger zerolog.Logger, lt *lifetime) *Worker {
	routes := make(map[string]bool, len(release.Routes))
	for _, route := range release.Routes {
		routes[route] = true
	}
	return &Worker{
		release:    release,
		generation: manifest.GenerationName(release.Tag, release.Version),
		routes:     routes,
		cache:      config.Cache,
		fetcher:    config.Fetcher,
		log:        logger.With().Int("release", release.Version).Logger(),
		lifetime:   lt,
		prefetch:   newPrefetcher(config.PrefetchTimeout),
		maxStored:  config.MaxStoredSize,
		priority:   manifest.Patch,
	}
}

func (wk *Worker) Version() int {
	return wk.release.Version
}

// install writes the generation of the release.
func (wk *Worker) install(ctx context.Context, concurrency int) error {
	installed, err := wk.installedVersions()
	if err != nil {
		return err
	}
	res := resolver.Resolve(ctx, installed, wk.release, wk, wk.log)
	wk.priority = res.Priority
	_, err = reconcile.Reconciler{
		Cache:       wk.cache,
		Fetcher:     wk.fetcher,
		Concurrency: concurrency,
		Logger:      wk.log,
	}.Reconcile(ctx, wk.release, res)
	return err
}

// installed reports whether the generation of the release already exists.
func (wk *Worker) installed() (bool, error) {
	names, err := wk.cache.Generations()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == wk.generation {
			return true, nil
		}
	}
	return false, nil
}

func (wk *Worker) installedVersions() ([]int, error) {
	names, err := wk.cache.Generations()
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(names))
	for _, name := range names {
		if v, ok := manifest.ParseGenerationName(wk.release.Tag, name); ok {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// cleanup deletes every generation but the one of this worker, whatever its
// naming scheme.
func (wk *Worker) cleanup() error {
	names, err := wk.cache.Generations()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == wk.generation {
			continue
		}
		wk.log.Debug().Str("generation", name).Msg("Deleting old generation")
		if err := wk.cache.Drop(name); err != nil {
			return err
		}
	}
	return nil
}

// Batch fetches a delta batch of the release.
func (wk *Worker) Batch(ctx context.Context, index int) (manifest.DeltaBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifest.BatchURL(index), nil)
	if err != nil {
		return manifest.DeltaBatch{}, err
	}
	res, err := wk.fetcher.Fetch(ctx, req)
	if err != nil {
		return manifest.DeltaBatch{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return manifest.DeltaBatch{}, fmt.Errorf("status %d", res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return manifest.DeltaBatch{}, err
	}
	return manifest.DecodeBatch(data)
}
