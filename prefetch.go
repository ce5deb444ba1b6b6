package vworker

import (
	"sync"
	"time"
)

type prefetch struct {
	done  chan struct{}
	bytes []byte
	err   error
}

// prefetcher holds fetches started ahead of the request that needs them.
// A fetch nobody claims is dropped after the timeout.
type prefetcher struct {
	mu       sync.Mutex
	inflight map[string]*prefetch
	timeout  time.Duration
}

func newPrefetcher(timeout time.Duration) *prefetcher {
	if timeout <= 0 {
		timeout = DefaultPrefetchTimeout
	}
	return &prefetcher{
		inflight: make(map[string]*prefetch),
		timeout:  timeout,
	}
}

// start runs fetch for the key unless a fetch for it is already held.
func (p *prefetcher) start(key string, lt *lifetime, fetch func() ([]byte, error)) bool {
	p.mu.Lock()
	if _, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return false
	}
	pf := &prefetch{done: make(chan struct{})}
	p.inflight[key] = pf
	p.mu.Unlock()

	time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.inflight[key] == pf {
			delete(p.inflight, key)
		}
	})
	lt.Go(func() {
		pf.bytes, pf.err = fetch()
		close(pf.done)
	})
	return true
}

// claim hands over the fetch held for the key. Each fetch is claimed once.
func (p *prefetcher) claim(key string) (*prefetch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pf, ok := p.inflight[key]
	if ok {
		delete(p.inflight, key)
	}
	return pf, ok
}
