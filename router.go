package vworker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ericselin/vworker/cache"
	"github.com/ericselin/vworker/manifest"
	cachekey "github.com/ericselin/vworker/pkg/cache-key"
	serializer "github.com/ericselin/vworker/pkg/response-serializer"
	tee "github.com/ericselin/vworker/pkg/response-writer-tee"
	"github.com/ericselin/vworker/rfc9111"
	"github.com/ericselin/vworker/rfc9211"
	"github.com/rs/zerolog"
)

const offlinePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet. Check your connection and try again.</p></body></html>
`

var errUnusable = errors.New("unusable response")

// ServeHTTP implements the http.Handler interface.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer reg.recover(w, r)
	wk := reg.activeWorker()
	if wk == nil {
		reg.passthrough(w, r, rfc9211.FwdReasonBypass)
		return
	}
	mode := r.Header.Get(ModeHeader)
	if mode == ModePassthrough && wk.release.Passthrough {
		reg.passthrough(w, r, rfc9211.FwdReasonBypass)
		return
	}
	if isNavigation(r) {
		wk = reg.navigationWorker()
	}
	wk.serve(w, r, mode == ModeNoNetwork || rfc9111.OnlyIfCached(r))
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (reg *Registration) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		reg.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in request handler")
		reg.passthrough(w, r, rfc9211.FwdReasonBypass)
	}
}

// passthrough is a fallback handler that just forwards the request to the network.
func (reg *Registration) passthrough(w http.ResponseWriter, r *http.Request, reason rfc9211.FwdReason) {
	cs := rfc9211.New(cacheName)
	cs.Forward(reason)
	req := rfc9111.GetForwardRequest(r)
	req.Header.Del(ModeHeader)
	res, err := reg.config.Fetcher.Fetch(r.Context(), req)
	if err != nil {
		reg.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), rfc9111.StorableHeader(res.Header))
	w.Header().Set(rfc9211.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
	logRequest(reg.log, r, res.StatusCode, cs)
}

// serve answers a request of the release.
func (wk *Worker) serve(w http.ResponseWriter, r *http.Request, noNetwork bool) {
	cs := rfc9211.New(cacheName)
	if !rfc9111.MethodAllowsReuse(r) {
		cs.Forward(rfc9211.FwdReasonMethod)
		wk.forward(w, r, cs)
		return
	}

	category, listed := wk.release.Files[r.URL.Path]
	listed = listed && category.Cached()
	key := cachekey.Key(r)
	var stored *serializer.StampedResponse
	if listed {
		stored = wk.lookup(key)
	}

	if stored != nil && stored.Version == wk.Version() {
		cs.Hit()
		wk.sendStored(w, r, stored, cs)
		return
	}

	if stored != nil {
		switch {
		case category == manifest.StrictLazy:
			wk.log.Trace().Str("key", key).Msg("Stale strict-lazy entry ignored")
			stored.Response.Body.Close()
			cs.Forward(rfc9211.FwdReasonStale)
		case noNetwork || category == manifest.StaleLazy:
			cs.Hit()
			cs.Detail("stale")
			wk.sendStored(w, r, stored, cs)
			wk.revalidateInBackground(key)
			return
		default:
			cs.Forward(rfc9211.FwdReasonStale)
			fresh, err := wk.fetchStamped(r.Context(), cachekey.NormalizedRequest(r))
			if err == nil {
				stored.Response.Body.Close()
				wk.sendStored(w, r, fresh.stamped, cs)
				wk.storeInBackground(key, fresh.bytes)
				return
			}
			wk.log.Debug().Err(err).Str("key", key).Msg("Refetch failed, serving stale")
			cs.Hit()
			cs.Detail("stale")
			wk.sendStored(w, r, stored, cs)
			return
		}
	}

	if cs.FwdReason() == "" {
		cs.Forward(rfc9211.FwdReasonUriMiss)
	}
	if noNetwork {
		w.Header().Set(rfc9211.HeaderName, cs.String())
		rfc9111.OnlyIfCachedMiss(w)
		logRequest(wk.log, r, http.StatusGatewayTimeout, cs)
		return
	}
	if listed {
		if pf, ok := wk.prefetch.claim(key); ok {
			select {
			case <-pf.done:
				if pf.err == nil {
					if sRes, err := serializer.BytesToStampedResponse(pf.bytes, nil); err == nil {
						cs.Detail("prefetch")
						wk.sendStored(w, r, &sRes, cs)
						wk.storeInBackground(key, pf.bytes)
						return
					}
				}
			case <-r.Context().Done():
				return
			}
		}
	}
	wk.fetchAndCache(w, r, key, listed, cs)
}

func (wk *Worker) lookup(key string) *serializer.StampedResponse {
	b, ok, err := wk.cache.Get(wk.generation, key)
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	sRes, err := serializer.BytesToStampedResponse(b, nil)
	if err != nil {
		wk.log.Warn().Err(err).Str("key", key).Msg("Could not read stored response, purging")
		if err := wk.cache.Purge(wk.generation, key); err != nil {
			wk.log.Error().Err(err).Str("key", key).Msg("Could not purge stored response")
		}
		return nil
	}
	return &sRes
}

func (wk *Worker) sendStored(w http.ResponseWriter, r *http.Request, sRes *serializer.StampedResponse, cs *rfc9211.CacheStatus) {
	res := sRes.Response
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set(rfc9211.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, res.Body); err != nil {
			wk.log.Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	logRequest(wk.log, r, res.StatusCode, cs)
}

// forward sends the request to the network without touching the cache.
func (wk *Worker) forward(w http.ResponseWriter, r *http.Request, cs *rfc9211.CacheStatus) {
	req := rfc9111.GetForwardRequest(r)
	req.Header.Del(ModeHeader)
	res, err := wk.fetcher.Fetch(r.Context(), req)
	if err != nil {
		wk.networkError(w, r, err, cs)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), rfc9111.StorableHeader(res.Header))
	w.Header().Set(rfc9211.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
	logRequest(wk.log, r, res.StatusCode, cs)
}

// fetchAndCache sends the network response to the client and caches a copy
// of it afterwards, if it may be stored.
func (wk *Worker) fetchAndCache(w http.ResponseWriter, r *http.Request, key string, listed bool, cs *rfc9211.CacheStatus) {
	req := rfc9111.GetForwardRequest(r)
	req.Header.Del(ModeHeader)
	if listed && r.Method == http.MethodGet {
		req = cachekey.NormalizedRequest(req)
	}
	res, err := wk.fetcher.Fetch(r.Context(), req)
	if err != nil {
		wk.networkError(w, r, err, cs)
		return
	}
	defer res.Body.Close()

	// set cache-status on underlying rw only (i.e. do not save to cache)
	w.Header().Set(rfc9211.HeaderName, cs.String())
	rwtee := tee.NewResponseSaver(w, wk.maxStored)
	copyHeader(rwtee.Header(), rfc9111.StorableHeader(res.Header))
	rwtee.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rwtee, res.Body); err != nil {
		wk.log.Debug().Err(err).Str("key", key).Msg("Could not copy response")
		return
	}
	logRequest(wk.log, r, rwtee.StatusCode(), cs)

	if listed && r.Method == http.MethodGet && storable(req, res) && rwtee.Response() != nil {
		wk.storeInBackground(key, rwtee.Response())
	}
}

// networkError answers a request the network could not. Page loads of
// routes get a page explaining that the app is offline.
func (wk *Worker) networkError(w http.ResponseWriter, r *http.Request, err error, cs *rfc9211.CacheStatus) {
	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network error")
	w.Header().Set(rfc9211.HeaderName, cs.String())
	if isNavigation(r) && wk.routes[r.URL.Path] {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, offlinePage)
		logRequest(wk.log, r, http.StatusServiceUnavailable, cs)
		return
	}
	http.Error(w, "Network error", http.StatusBadGateway)
	logRequest(wk.log, r, http.StatusBadGateway, cs)
}

type fetched struct {
	stamped *serializer.StampedResponse
	bytes   []byte
}

// fetchStamped fetches a response and stamps it with the release.
// Responses that cannot be used are returned as errors.
func (wk *Worker) fetchStamped(ctx context.Context, req *http.Request) (fetched, error) {
	res, err := wk.fetcher.Fetch(ctx, req)
	if err != nil {
		return fetched{}, err
	}
	if res.StatusCode >= 400 {
		res.Body.Close()
		return fetched{}, errUnusable
	}
	storeable := storable(req, res)
	b, err := serializer.ResponseToBytes(res, wk.Version())
	if err != nil {
		return fetched{}, err
	}
	sRes, err := serializer.BytesToStampedResponse(b, nil)
	if err != nil {
		return fetched{}, err
	}
	f := fetched{stamped: &sRes}
	if storeable {
		f.bytes = b
	}
	return f, nil
}

// revalidateInBackground refetches a stale entry. Concurrent revalidations of
// the same key share one fetch; failures leave the entry as it is.
func (wk *Worker) revalidateInBackground(key string) {
	wk.lifetime.Go(func() {
		wk.revalidate.Do(key, func() (any, error) {
			req, err := cachekey.RequestFromKey(key)
			if err != nil {
				return nil, err
			}
			f, err := wk.fetchStamped(context.Background(), req)
			if err != nil {
				wk.log.Debug().Err(err).Str("key", key).Msg("Revalidation failed")
				return nil, err
			}
			f.stamped.Response.Body.Close()
			if f.bytes != nil {
				wk.put(key, f.bytes)
			}
			return nil, nil
		})
	})
}

func (wk *Worker) storeInBackground(key string, b []byte) {
	if b == nil {
		return
	}
	wk.lifetime.Go(func() {
		stamped, err := serializer.Stamp(b, wk.Version())
		if err != nil {
			wk.log.Warn().Err(err).Str("key", key).Msg("Could not stamp response")
			return
		}
		wk.put(key, stamped)
	})
}

func (wk *Worker) put(key string, b []byte) {
	err := wk.cache.Put(wk.generation, key, b)
	if errors.Is(err, cache.ErrNoGeneration) {
		wk.log.Debug().Str("key", key).Msg("Generation gone, response not stored")
		return
	}
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	wk.log.Trace().Str("key", key).Msg("Stored response")
}

// startPrefetch fetches a URL ahead of the request for it.
func (wk *Worker) startPrefetch(rawURL string) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil || !strings.HasPrefix(req.URL.Path, "/") || req.URL.Host != "" {
		wk.log.Debug().Str("url", rawURL).Msg("Ignoring prefetch of foreign URL")
		return
	}
	if category, ok := wk.release.Files[req.URL.Path]; !ok || !category.Cached() {
		return
	}
	key := cachekey.Key(req)
	if stored := wk.lookup(key); stored != nil && stored.Version == wk.Version() {
		stored.Response.Body.Close()
		return
	}
	wk.prefetch.start(key, wk.lifetime, func() ([]byte, error) {
		f, err := wk.fetchStamped(context.Background(), req)
		if err != nil {
			return nil, err
		}
		defer f.stamped.Response.Body.Close()
		if f.bytes == nil {
			return nil, errUnusable
		}
		return f.bytes, nil
	})
}

// storable reports whether a network response is a canonical copy of the
// entry: a complete success that does not depend on the request headers.
func storable(req *http.Request, res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300 &&
		!rfc9111.IsPartial(res) &&
		rfc9111.MatchesDefaultRequest(req, res)
}

// isNavigation reports whether the request loads a page.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	accept := rfc9111.GetListHeader(r.Header, "Accept")
	return len(accept) > 0 && strings.HasPrefix(accept[0], "text/html")
}

func logRequest(log zerolog.Logger, r *http.Request, status int, cs *rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status).
		Str("fwd", string(cs.FwdReason())).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
