// Package vworker serves a static app from versioned cache generations and
// moves open pages from one release to the next.
package vworker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ericselin/vworker/cache"
	"github.com/rs/zerolog"
)

const (
	// ModeHeader selects how the router handles a request.
	ModeHeader = "vw-mode"
	// ModeNoNetwork answers from the cache only.
	ModeNoNetwork = "no-network"
	// ModePassthrough skips the router, if the release allows it.
	ModePassthrough = "passthrough"

	cacheName = "vworker"

	DefaultPrefetchTimeout = 30 * time.Second
	DefaultMaxStoredSize   = 10 << 20
)

// Fetcher performs network requests on behalf of the worker.
// Request URLs are relative to the app origin.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Broadcaster delivers messages to the open pages of the app.
type Broadcaster interface {
	// Clients returns the ids of the connected pages.
	Clients() []string
	// Send delivers a message to one page.
	Send(client string, msg Message) error
	// Broadcast delivers a message to every page.
	Broadcast(msg Message)
}

type Config struct {
	// Storage for cache generations.
	Cache cache.CacheProvider
	// Network access to the app origin.
	Fetcher Fetcher
	// Open pages. No pages are assumed to be open if nil.
	Broadcaster Broadcaster
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum parallel downloads during install.
	Concurrency int
	// Time an unclaimed prefetch is kept.
	PrefetchTimeout time.Duration
	// Responses larger than this are served but not cached.
	MaxStoredSize int
}

// lifetime keeps track of work that must finish before the host stops.
type lifetime struct {
	wg sync.WaitGroup
}

// Go runs fn in the background as part of the lifetime.
func (l *lifetime) Go(fn func()) {
	l.wg.Go(fn)
}

// hold extends the lifetime until the returned function is called.
func (l *lifetime) hold() func() {
	l.wg.Add(1)
	return l.wg.Done
}

// Wait blocks until all work has finished or the context is done.
func (l *lifetime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noBroadcaster struct{}

func (noBroadcaster) Clients() []string { return nil }
func (noBroadcaster) Send(string, Message) error { return nil }
func (noBroadcaster) Broadcast(Message) {}
