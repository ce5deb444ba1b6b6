// Package reconcile fills the cache generation of a new release from the
// generations already on the device and the network.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/ericselin/vworker/cache"
	"github.com/ericselin/vworker/manifest"
	cachekey "github.com/ericselin/vworker/pkg/cache-key"
	serializer "github.com/ericselin/vworker/pkg/response-serializer"
	"github.com/ericselin/vworker/resolver"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrUnusableResponse is returned when an eager download fails.
var ErrUnusableResponse = errors.New("unusable response")

const DefaultConcurrency = 8

type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

type Reconciler struct {
	Cache   cache.CacheProvider
	Fetcher Fetcher
	// Concurrency limits parallel downloads. Defaults to DefaultConcurrency.
	Concurrency int
	Logger      zerolog.Logger
}

// Report counts what happened to the entries of a new generation.
type Report struct {
	Downloaded int
	Reused     int
	Stale      int
	// Dropped counts cached entries not carried into the new generation.
	Dropped int
}

type action int

const (
	skip action = iota
	download
	reuse
	copyStale
	drop
)

type plan struct {
	path   string
	action action
	// bytes of the newest stored copy, if any
	stored []byte
}

// storedCopy is a readable response found in a previous generation.
type storedCopy struct {
	bytes []byte
	// version the response was last validated against
	version int
}

// Reconcile writes the generation of the release. Nothing is written if any
// eager download fails.
func (r Reconciler) Reconcile(ctx context.Context, release *manifest.Release, res resolver.Resolution) (Report, error) {
	report := Report{}
	logger := r.Logger.With().Str("tag", release.Tag).Int("version", release.Version).Logger()
	previous, err := r.previousGenerations(release)
	if err != nil {
		return report, err
	}

	routes := make(map[string]bool, len(release.Routes))
	for _, route := range release.Routes {
		routes[route] = true
	}
	paths := make([]string, 0, len(release.Files))
	for path := range release.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	plans := make([]plan, 0, len(paths))
	for _, path := range paths {
		stored, found, err := r.newest(previous, cachekey.PathKey(path), logger)
		if err != nil {
			return report, err
		}
		// Changes are only known for (From, To]. A copy validated before From
		// may have changed in between.
		changed := res.Clean() || res.Changed[path] || (found && stored.version < res.From)
		p := decide(release.Files[path], routes[path], changed, res.Clean(), found)
		p.path = path
		p.stored = stored.bytes
		logger.Trace().Str("path", path).Int("action", int(p.action)).Msg("Planned entry")
		plans = append(plans, p)
	}

	entries := make([]cache.CacheEntry, len(plans))
	for i, p := range plans {
		key := cachekey.PathKey(p.path)
		switch p.action {
		case reuse:
			bytes, err := serializer.Stamp(p.stored, release.Version)
			if err != nil {
				return report, fmt.Errorf("restamp %s: %w", p.path, err)
			}
			entries[i] = cache.CacheEntry{Key: key, Bytes: bytes}
			report.Reused++
		case copyStale:
			entries[i] = cache.CacheEntry{Key: key, Bytes: p.stored}
			report.Stale++
		case drop:
			report.Dropped++
		}
	}

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	mu := sync.Mutex{}
	for i, p := range plans {
		if p.action != download {
			continue
		}
		g.Go(func() error {
			bytes, err := r.download(gctx, p.path, release.Version)
			if err != nil {
				return err
			}
			mu.Lock()
			entries[i] = cache.CacheEntry{Key: cachekey.PathKey(p.path), Bytes: bytes}
			report.Downloaded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("Install aborted")
		return report, err
	}

	written := make([]cache.CacheEntry, 0, len(entries))
	for _, e := range entries {
		if e.Key != "" {
			written = append(written, e)
		}
	}
	if err := r.Cache.PutAll(manifest.GenerationName(release.Tag, release.Version), written); err != nil {
		return report, fmt.Errorf("write generation: %w", err)
	}
	logger.Info().
		Int("downloaded", report.Downloaded).
		Int("reused", report.Reused).
		Int("stale", report.Stale).
		Int("dropped", report.Dropped).
		Bool("clean", res.Clean()).
		Msg("Generation written")
	return report, nil
}

// decide picks what to do with a path of the release.
func decide(category manifest.Category, route, changed, clean, found bool) plan {
	if route {
		category = manifest.PreCache
	}
	switch category {
	case manifest.PreCache:
		if changed || !found {
			return plan{action: download}
		}
		return plan{action: reuse}
	case manifest.SemiLazy:
		// only entries requested at least once are kept up to date
		if !found {
			return plan{action: skip}
		}
		if changed {
			return plan{action: download}
		}
		return plan{action: reuse}
	case manifest.LaxLazy, manifest.StaleLazy:
		switch {
		case !found:
			return plan{action: skip}
		case clean:
			return plan{action: drop}
		case changed:
			return plan{action: copyStale}
		}
		return plan{action: reuse}
	case manifest.StrictLazy:
		switch {
		case !found:
			return plan{action: skip}
		case changed:
			return plan{action: drop}
		}
		return plan{action: reuse}
	}
	return plan{action: skip}
}

// previousGenerations returns the other generations of the tag, newest first.
func (r Reconciler) previousGenerations(release *manifest.Release) ([]string, error) {
	names, err := r.Cache.Generations()
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int)
	previous := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := manifest.ParseGenerationName(release.Tag, name); ok && v != release.Version {
			versions[name] = v
			previous = append(previous, name)
		}
	}
	sort.Slice(previous, func(i, j int) bool { return versions[previous[i]] > versions[previous[j]] })
	return previous, nil
}

// newest returns the most recent readable copy of the key. Unreadable copies
// are skipped, so the entry is treated as never cached.
func (r Reconciler) newest(generations []string, key string, logger zerolog.Logger) (storedCopy, bool, error) {
	for _, gen := range generations {
		bytes, ok, err := r.Cache.Get(gen, key)
		if errors.Is(err, cache.ErrUnreadable) {
			logger.Warn().Err(err).Str("generation", gen).Str("key", key).Msg("Skipping unreadable stored response")
			continue
		}
		if err != nil {
			return storedCopy{}, false, err
		}
		if !ok {
			continue
		}
		sRes, err := serializer.BytesToStampedResponse(bytes, nil)
		if err != nil {
			logger.Warn().Err(err).Str("generation", gen).Str("key", key).Msg("Skipping unreadable stored response")
			continue
		}
		sRes.Response.Body.Close()
		return storedCopy{bytes: bytes, version: sRes.Version}, true, nil
	}
	return storedCopy{}, false, nil
}

func (r Reconciler) download(ctx context.Context, path string, version int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	res, err := r.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", path, err, ErrUnusableResponse)
	}
	if res.StatusCode >= 400 {
		res.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d: %w", path, res.StatusCode, ErrUnusableResponse)
	}
	return serializer.ResponseToBytes(res, version)
}
