package vworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericselin/vworker/buildsync"
	"github.com/ericselin/vworker/cache"
	"github.com/ericselin/vworker/manifest"
	cachekey "github.com/ericselin/vworker/pkg/cache-key"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testApp is an origin publishing releases of a small app.
type testApp struct {
	t           *testing.T
	mu          sync.Mutex
	files       map[string]string
	headers     map[string]http.Header
	categories  map[string]manifest.Category
	routes      []string
	passthrough bool
	m           *manifest.Manifest
	offline     bool
	count       map[string]int
}

func newTestApp(t *testing.T, categories map[string]manifest.Category, routes ...string) *testApp {
	return &testApp{
		t:          t,
		files:      map[string]string{},
		headers:    map[string]http.Header{},
		categories: categories,
		routes:     routes,
		m:          manifest.New("app"),
		count:      map[string]int{},
	}
}

// publish releases the app with the given file contents changed.
func (a *testApp) publish(files map[string]string) *manifest.Release {
	return a.publishWith(files, manifest.Overrides{})
}

func (a *testApp) publishWith(files map[string]string, overrides manifest.Overrides) *manifest.Release {
	a.mu.Lock()
	defer a.mu.Unlock()
	for path, content := range files {
		a.files[path] = content
	}
	ledger := manifest.Ledger{}
	for path, content := range a.files {
		ledger[path] = content
	}
	next, _, err := buildsync.Synchronize(a.m, ledger, overrides, 25, 5)
	require.NoError(a.t, err)
	a.m = next
	release := &manifest.Release{
		Tag:           "app",
		Version:       next.Version,
		BatchCapacity: 25,
		BatchOffset:   next.Offset(25),
		Files:         map[string]manifest.Category{},
		Routes:        a.routes,
		Passthrough:   a.passthrough,
	}
	for path, category := range a.categories {
		release.Files[path] = category
	}
	return release
}

func (a *testApp) setOffline(offline bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = offline
}

func (a *testApp) fetched(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count[path]
}

func (a *testApp) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offline {
		return nil, errors.New("network unreachable")
	}
	a.count[req.URL.Path]++
	rr := httptest.NewRecorder()
	if name, ok := strings.CutPrefix(req.URL.Path, "/"+manifest.Dir+"/batch-"); ok {
		index, _ := strconv.Atoi(strings.TrimSuffix(name, ".txt"))
		i := index - a.m.Offset(25)
		if i < 0 || i >= len(a.m.Versions) {
			http.NotFound(rr, req)
		} else {
			rr.Write(manifest.EncodeBatch(a.m.Versions[i]))
		}
		return rr.Result(), nil
	}
	content, ok := a.files[req.URL.Path]
	if !ok || req.Method == http.MethodPost {
		if req.Method == http.MethodPost {
			rr.WriteHeader(http.StatusCreated)
			rr.Write([]byte("posted"))
			return rr.Result(), nil
		}
		http.NotFound(rr, req)
		return rr.Result(), nil
	}
	for k, vv := range a.headers[req.URL.Path] {
		rr.Header()[k] = vv
	}
	rr.Header().Set("Content-Type", "text/plain")
	rr.Write([]byte(content))
	return rr.Result(), nil
}

type sentMessage struct {
	client string
	msg    Message
}

// testPages records the messages sent to open pages.
type testPages struct {
	mu      sync.Mutex
	clients []string
	sent    []sentMessage
}

func (p *testPages) Clients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clients...)
}

func (p *testPages) Send(client string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{client, msg})
	return nil
}

func (p *testPages) Broadcast(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{"*", msg})
}

func (p *testPages) last() sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return sentMessage{}
	}
	return p.sent[len(p.sent)-1]
}

func newTestRegistration(t *testing.T, app *testApp, pages Broadcaster, c cache.CacheProvider) *Registration {
	logger := zerolog.Nop()
	return NewRegistration(Config{
		Cache:       c,
		Fetcher:     app,
		Broadcaster: pages,
		Logger:      &logger,
	})
}

func get(reg *Registration, path string, header ...string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, req)
	return rr.Result()
}

func body(t *testing.T, res *http.Response) string {
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func settle(t *testing.T, reg *Registration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Wait(ctx))
}

var categories = map[string]manifest.Category{
	"/":           manifest.PreCache,
	"/app.js":     manifest.PreCache,
	"/data.json":  manifest.StrictLazy,
	"/img.png":    manifest.StaleLazy,
	"/lax.css":    manifest.LaxLazy,
	"/semi.js":    manifest.SemiLazy,
	"/private.js": manifest.NeverCache,
}

var firstRelease = map[string]string{
	"/":           "home 1",
	"/app.js":     "app 1",
	"/data.json":  "data 1",
	"/img.png":    "img 1",
	"/lax.css":    "lax 1",
	"/semi.js":    "semi 1",
	"/private.js": "private 1",
}

func TestFirstReleaseIsActivatedAndPreCached(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, &testPages{clients: []string{"a", "b"}}, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	assert.Equal(t, Status{Tag: "app", Active: 1}, reg.Status())

	res := get(reg, "/app.js")
	assert.Equal(t, "app 1", body(t, res))
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, "1", res.Header.Get("vw-version"))
	assert.Equal(t, 1, app.fetched("/app.js"))
	assert.Equal(t, 0, app.fetched("/data.json"), "lazy entries are not downloaded during install")
	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.Equal(t, 2, entries)

	req := httptest.NewRequest(http.MethodHead, "/app.js", nil)
	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestLazyEntriesAreCachedOnFirstRequest(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	res := get(reg, "/data.json")
	assert.Equal(t, "data 1", body(t, res))
	assert.Equal(t, "vworker; fwd=uri-miss", res.Header.Get("Cache-Status"))
	settle(t, reg)

	res = get(reg, "/data.json")
	assert.Equal(t, "data 1", body(t, res))
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, 1, app.fetched("/data.json"))

	get(reg, "/private.js")
	settle(t, reg)
	get(reg, "/private.js")
	assert.Equal(t, 2, app.fetched("/private.js"), "never-cache entries always go to the network")
}

func TestStrictLazyIsFetchedFreshAfterActivation(t *testing.T) {
	app := newTestApp(t, categories, "/")
	c := cache.NewMemCache()
	reg := newTestRegistration(t, app, nil, c)
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	get(reg, "/data.json")
	settle(t, reg)

	require.NoError(t, reg.Update(context.Background(), app.publish(map[string]string{"/data.json": "data 2"})))
	assert.Equal(t, 2, reg.Status().Active, "without open pages the release is activated")

	_, ok, err := c.Get("app-v2", cachekey.PathKey("/data.json"))
	require.NoError(t, err)
	assert.False(t, ok, "changed strict-lazy entry is absent after install")
	gens, err := c.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2"}, gens, "old generations are deleted on activation")

	res := get(reg, "/data.json")
	assert.Equal(t, "data 2", body(t, res))
	assert.Equal(t, 2, app.fetched("/data.json"))
	assert.Equal(t, 1, app.fetched("/app.js"), "unchanged pre-cache entry is not downloaded again")
}

func TestStaleLazyIsServedStaleAndRevalidated(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	get(reg, "/img.png")
	settle(t, reg)

	require.NoError(t, reg.Update(context.Background(), app.publish(map[string]string{"/img.png": "img 2"})))
	res := get(reg, "/img.png")
	assert.Equal(t, "img 1", body(t, res))
	assert.Equal(t, "vworker; hit; detail=stale", res.Header.Get("Cache-Status"))
	assert.Equal(t, "1", res.Header.Get("vw-version"))
	settle(t, reg)

	res = get(reg, "/img.png")
	assert.Equal(t, "img 2", body(t, res))
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
}

func TestStaleEntryStaysStaleAcrossReleases(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	get(reg, "/img.png")
	settle(t, reg)
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/img.png": "img 2"})))
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/app.js": "app 3"})))
	assert.Equal(t, 3, reg.Status().Active)

	res := get(reg, "/img.png")
	assert.Equal(t, "img 1", body(t, res))
	assert.Equal(t, "vworker; hit; detail=stale", res.Header.Get("Cache-Status"))
	assert.Equal(t, "1", res.Header.Get("vw-version"))
	settle(t, reg)
	assert.Equal(t, 2, app.fetched("/img.png"))

	res = get(reg, "/img.png")
	assert.Equal(t, "img 2", body(t, res))
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, "3", res.Header.Get("vw-version"))
}

func TestEntryChangedByWaitingReleaseIsNotCarriedOver(t *testing.T) {
	app := newTestApp(t, categories, "/")
	pages := &testPages{clients: []string{"a", "b"}}
	reg := newTestRegistration(t, app, pages, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	get(reg, "/data.json")
	settle(t, reg)

	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/data.json": "data 2"})))
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/app.js": "app 3"})))
	assert.Equal(t, 3, reg.Status().Waiting)
	reg.handle(ctx, Message{Type: MsgSkipWaiting, Client: "a"})
	assert.Equal(t, 3, reg.Status().Active)

	res := get(reg, "/data.json")
	assert.Equal(t, "data 2", body(t, res))
	assert.Equal(t, 2, app.fetched("/data.json"))
}

func TestActivationDropsForeignGenerations(t *testing.T) {
	app := newTestApp(t, categories, "/")
	c := cache.NewMemCache()
	for _, name := range []string{"app-cache", "other-v3", "app-v0-old"} {
		require.NoError(t, c.PutAll(name, []cache.CacheEntry{{Key: "GET:/app.js", Bytes: []byte("legacy")}}))
	}
	reg := newTestRegistration(t, app, nil, c)
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	gens, err := c.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, gens)
	assert.Equal(t, "app 1", body(t, get(reg, "/app.js")))
}

func TestLaxLazyRefetchesAndFallsBackToStale(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	get(reg, "/lax.css")
	settle(t, reg)
	require.NoError(t, reg.Update(context.Background(), app.publish(map[string]string{"/lax.css": "lax 2"})))

	app.setOffline(true)
	res := get(reg, "/lax.css")
	assert.Equal(t, "lax 1", body(t, res))
	assert.Equal(t, "vworker; hit; detail=stale", res.Header.Get("Cache-Status"))

	app.setOffline(false)
	res = get(reg, "/lax.css")
	assert.Equal(t, "lax 2", body(t, res))
	assert.Equal(t, "vworker; fwd=stale", res.Header.Get("Cache-Status"))
	settle(t, reg)

	app.setOffline(true)
	res = get(reg, "/lax.css")
	assert.Equal(t, "lax 2", body(t, res))
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
}

func TestNoNetworkMode(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	res := get(reg, "/data.json", ModeHeader, ModeNoNetwork)
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
	assert.Empty(t, body(t, res))
	assert.Equal(t, 0, app.fetched("/data.json"))

	res = get(reg, "/app.js", ModeHeader, ModeNoNetwork)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = get(reg, "/data.json", "Cache-Control", "only-if-cached")
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
}

func TestNetworkErrors(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	app.setOffline(true)

	res := get(reg, "/?utm=1", "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, body(t, res), "offline")

	res = get(reg, "/data.json")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestUnsafeMethodsGoToNetwork(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	req := httptest.NewRequest(http.MethodPost, "/app.js", strings.NewReader("x"))
	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "vworker; fwd=method", rr.Header().Get("Cache-Status"))
}

func TestPassthroughMode(t *testing.T) {
	app := newTestApp(t, categories, "/")
	app.passthrough = true
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	res := get(reg, "/app.js", ModeHeader, ModePassthrough)
	assert.Equal(t, "vworker; fwd=bypass", res.Header.Get("Cache-Status"))
	assert.Equal(t, 2, app.fetched("/app.js"))
}

func TestNonCanonicalResponsesAreNotStored(t *testing.T) {
	app := newTestApp(t, categories, "/")
	app.headers["/lax.css"] = http.Header{"Vary": {"*"}}
	app.headers["/data.json"] = http.Header{"Vary": {"Accept-Language"}}
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))

	get(reg, "/lax.css")
	get(reg, "/data.json", "Accept-Language", "fi")
	settle(t, reg)
	get(reg, "/lax.css")
	get(reg, "/data.json")
	assert.Equal(t, 2, app.fetched("/lax.css"))
	assert.Equal(t, 2, app.fetched("/data.json"))

	settle(t, reg)
	res := get(reg, "/data.json")
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"), "the default variant is stored")
}

func TestUpdateWaitsForOpenPages(t *testing.T) {
	app := newTestApp(t, categories, "/")
	pages := &testPages{clients: []string{"a", "b"}}
	reg := newTestRegistration(t, app, pages, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/app.js": "app 2"})))

	assert.Equal(t, Status{Tag: "app", Active: 1, Waiting: 2, WaitingPriority: manifest.Patch}, reg.Status())
	assert.Equal(t, sentMessage{"*", Message{Type: MsgWaiting, Version: 2, Priority: manifest.Patch}}, pages.last())
	assert.Equal(t, "app 1", body(t, get(reg, "/app.js")))

	// page loads do not force a reload while other pages are open
	assert.Equal(t, "home 1", body(t, get(reg, "/", "Sec-Fetch-Mode", "navigate")))

	reg.handle(ctx, Message{Type: MsgConditionalSkipWaiting, Client: "a"})
	assert.Equal(t, sentMessage{"a", Message{Type: MsgSkipFailed}}, pages.last())
	assert.Equal(t, 1, reg.Status().Active)

	reg.handle(ctx, Message{Type: MsgSkipWaiting, Client: "a"})
	assert.Equal(t, sentMessage{"*", Message{Type: MsgReload, Version: 2}}, pages.last())
	assert.Equal(t, Status{Tag: "app", Active: 2}, reg.Status())
	assert.Equal(t, "app 2", body(t, get(reg, "/app.js")))
}

func TestSinglePageResumesAfterMajorUpdate(t *testing.T) {
	app := newTestApp(t, categories, "/")
	pages := &testPages{clients: []string{"a"}}
	reg := newTestRegistration(t, app, pages, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	id := 1
	require.NoError(t, reg.Update(ctx, app.publishWith(map[string]string{"/app.js": "app 2"}, manifest.Overrides{Major: &id})))

	assert.Equal(t, sentMessage{"a", Message{Type: MsgUpdateWithResumable, Version: 2, Priority: manifest.Major}}, pages.last())

	state := json.RawMessage(`{"draft":"hello"}`)
	reg.handle(ctx, Message{Type: MsgConditionalSkipWaiting, Client: "a", Resumable: state})
	assert.Equal(t, sentMessage{"*", Message{Type: MsgReload, Version: 2}}, pages.last())
	assert.Equal(t, 2, reg.Status().Active)

	pages.clients = []string{"a2"}
	reg.handle(ctx, Message{Type: MsgHello, Client: "a2"})
	assert.Equal(t, sentMessage{"a2", Message{Type: MsgResume, Resumable: state}}, pages.last())

	reg.handle(ctx, Message{Type: MsgHello, Client: "a2"})
	assert.Equal(t, sentMessage{"a2", Message{Type: MsgResume, Resumable: state}}, pages.last(), "state is handed back once")
}

func TestNavigationActivatesWaitingReleaseForSinglePage(t *testing.T) {
	app := newTestApp(t, categories, "/")
	pages := &testPages{clients: []string{"a", "b"}}
	reg := newTestRegistration(t, app, pages, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/": "home 2"})))
	require.Equal(t, 2, reg.Status().Waiting)

	pages.clients = []string{"a"}
	res := get(reg, "/", "Accept", "text/html")
	assert.Equal(t, "home 2", body(t, res))
	assert.Equal(t, Status{Tag: "app", Active: 2}, reg.Status())
}

func TestPrefetch(t *testing.T) {
	app := newTestApp(t, categories, "/")
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))

	reg.handle(ctx, Message{Type: MsgPrefetch, URL: "/semi.js"})
	reg.handle(ctx, Message{Type: MsgPrefetch, URL: "/semi.js"})
	reg.handle(ctx, Message{Type: MsgPrefetch, URL: "https://elsewhere.example/semi.js"})
	settle(t, reg)

	res := get(reg, "/semi.js")
	assert.Equal(t, "semi 1", body(t, res))
	assert.Equal(t, "vworker; fwd=uri-miss; detail=prefetch", res.Header.Get("Cache-Status"))
	assert.Equal(t, 1, app.fetched("/semi.js"))
}

func TestPrefetchExpires(t *testing.T) {
	p := newPrefetcher(10 * time.Millisecond)
	lt := &lifetime{}
	assert.True(t, p.start("GET:/a", lt, func() ([]byte, error) { return []byte("a"), nil }))
	assert.False(t, p.start("GET:/a", lt, func() ([]byte, error) { return []byte("a"), nil }))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.inflight) == 0
	}, time.Second, 5*time.Millisecond)
	_, ok := p.claim("GET:/a")
	assert.False(t, ok)
}

func TestRestartRestoresInstalledRelease(t *testing.T) {
	app := newTestApp(t, categories, "/")
	c := cache.NewMemCache()
	release := app.publish(firstRelease)
	require.NoError(t, newTestRegistration(t, app, nil, c).Update(context.Background(), release))

	reg := newTestRegistration(t, app, nil, c)
	require.NoError(t, reg.Update(context.Background(), release))
	assert.Equal(t, 1, reg.Status().Active)
	assert.Equal(t, 1, app.fetched("/app.js"))
}

func TestMessagesRunThroughMailbox(t *testing.T) {
	app := newTestApp(t, categories, "/")
	pages := &testPages{clients: []string{"a", "b"}}
	reg := newTestRegistration(t, app, pages, cache.NewMemCache())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Update(ctx, app.publish(firstRelease)))
	require.NoError(t, reg.Update(ctx, app.publish(map[string]string{"/app.js": "app 2"})))

	go reg.Run(ctx)
	require.NoError(t, reg.Post(ctx, Message{Type: MsgSkipWaiting, Client: "b"}))
	require.Eventually(t, func() bool { return reg.Status().Active == 2 }, time.Second, 5*time.Millisecond)
}

func TestNothingInstalledPassesThrough(t *testing.T) {
	app := newTestApp(t, categories, "/")
	app.publish(firstRelease)
	reg := newTestRegistration(t, app, nil, cache.NewMemCache())

	res := get(reg, "/app.js")
	assert.Equal(t, "app 1", body(t, res))
	assert.Equal(t, "vworker; fwd=bypass", res.Header.Get("Cache-Status"))
}

func TestUnreadableEntryIsPurgedAndRefetched(t *testing.T) {
	app := newTestApp(t, categories, "/")
	c := cache.NewMemCache()
	reg := newTestRegistration(t, app, nil, c)
	require.NoError(t, reg.Update(context.Background(), app.publish(firstRelease)))
	require.NoError(t, c.Put("app-v1", cachekey.PathKey("/app.js"), []byte("garbage")))

	res := get(reg, "/app.js")
	assert.Equal(t, "app 1", body(t, res))
	assert.Equal(t, "vworker; fwd=uri-miss", res.Header.Get("Cache-Status"))
	settle(t, reg)

	res = get(reg, "/app.js")
	assert.Equal(t, "vworker; hit", res.Header.Get("Cache-Status"))
}
