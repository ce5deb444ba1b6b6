package vworker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog"
)

// Registration runs the workers of an app: the active one serving requests
// and the waiting one installed for the next release.
type Registration struct {
	config Config
	log    zerolog.Logger
	pages  Broadcaster

	// serializes install and activation
	transition sync.Mutex
	// guards the fields below
	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	// page state to hand back after a reload
	resumable json.RawMessage

	mailbox  chan Message
	lifetime lifetime
}

// Status describes the workers of a registration.
type Status struct {
	Tag             string            `json:"tag,omitempty"`
	Active          int               `json:"active"`
	Waiting         int               `json:"waiting"`
	WaitingPriority manifest.Priority `json:"waitingPriority,omitempty"`
}

// NewRegistration creates a registration without any release installed.
// Call Update to install one and Run to process page messages.
func NewRegistration(config Config) *Registration {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.MaxStoredSize == 0 {
		config.MaxStoredSize = DefaultMaxStoredSize
	}
	pages := config.Broadcaster
	if pages == nil {
		pages = noBroadcaster{}
	}
	return &Registration{
		config:  config,
		log:     logger,
		pages:   pages,
		mailbox: make(chan Message, 64),
	}
}

// Update installs the release. The first release is activated right away;
// later ones wait until the pages agree to reload, or no page is open.
// If the install fails, the current workers are left untouched.
func (reg *Registration) Update(ctx context.Context, release *manifest.Release) error {
	defer reg.lifetime.hold()()
	reg.transition.Lock()
	defer reg.transition.Unlock()

	reg.mu.RLock()
	active, waiting := reg.active, reg.waiting
	reg.mu.RUnlock()
	if (active != nil && active.Version() == release.Version) ||
		(waiting != nil && waiting.Version() == release.Version) {
		return nil
	}

	wk := newWorker(release, reg.config, reg.log.With().Str("tag", release.Tag).Logger(), &reg.lifetime)
	// a generation surviving a restart is complete, it was written at once
	if active == nil {
		if ok, err := wk.installed(); err != nil {
			return err
		} else if ok {
			wk.log.Info().Msg("Restoring installed release")
			return reg.activate(wk)
		}
	}
	if err := wk.install(ctx, reg.config.Concurrency); err != nil {
		return err
	}
	if active == nil {
		return reg.activate(wk)
	}

	reg.mu.Lock()
	reg.waiting = wk
	reg.mu.Unlock()
	wk.log.Info().Stringer("priority", wk.priority).Msg("Release waiting")
	reg.announceWaiting(wk)
	return nil
}

// announceWaiting tells the pages about the waiting release. Without open
// pages there is nobody to reload, so the release is activated instead.
func (reg *Registration) announceWaiting(wk *Worker) {
	clients := reg.pages.Clients()
	switch {
	case len(clients) == 0:
		if err := reg.activate(wk); err != nil {
			wk.log.Error().Err(err).Msg("Could not activate release")
		}
	case len(clients) == 1 && wk.priority >= manifest.Major:
		reg.send(clients[0], Message{Type: MsgUpdateWithResumable, Version: wk.Version(), Priority: wk.priority})
	default:
		reg.pages.Broadcast(Message{Type: MsgWaiting, Version: wk.Version(), Priority: wk.priority})
	}
}

// activate makes wk the active worker. Old generations are deleted before
// any request is served by the new worker. Callers hold the transition lock.
func (reg *Registration) activate(wk *Worker) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := wk.cleanup(); err != nil {
		return err
	}
	reg.active = wk
	if reg.waiting == wk {
		reg.waiting = nil
	}
	wk.log.Info().Msg("Release active")
	return nil
}

// skipWaiting activates the waiting worker, if any, and returns it.
func (reg *Registration) skipWaiting() (*Worker, error) {
	reg.transition.Lock()
	defer reg.transition.Unlock()
	return reg.activateWaiting()
}

// navigationWorker returns the worker to serve a page load. With at most one
// page open, a waiting release is activated so the load picks it up.
// Otherwise the pages are reminded of the waiting release.
func (reg *Registration) navigationWorker() *Worker {
	reg.mu.RLock()
	active, waiting := reg.active, reg.waiting
	reg.mu.RUnlock()
	if waiting == nil {
		return active
	}
	if len(reg.pages.Clients()) > 1 {
		reg.pages.Broadcast(Message{Type: MsgWaiting, Version: waiting.Version(), Priority: waiting.priority})
		return active
	}
	// an install in progress must not hold up the page
	if !reg.transition.TryLock() {
		return active
	}
	defer reg.transition.Unlock()
	wk, err := reg.activateWaiting()
	if err != nil || wk == nil {
		if err != nil {
			reg.log.Error().Err(err).Msg("Could not activate release")
		}
		return reg.activeWorker()
	}
	return wk
}

// activateWaiting activates the waiting worker. Callers hold the transition lock.
func (reg *Registration) activateWaiting() (*Worker, error) {
	reg.mu.RLock()
	wk := reg.waiting
	reg.mu.RUnlock()
	if wk == nil {
		return nil, nil
	}
	return wk, reg.activate(wk)
}

// Post queues a message from a page.
func (reg *Registration) Post(ctx context.Context, msg Message) error {
	select {
	case reg.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes page messages until the context is done.
func (reg *Registration) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-reg.mailbox:
			reg.handle(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until background work has finished.
func (reg *Registration) Wait(ctx context.Context) error {
	return reg.lifetime.Wait(ctx)
}

func (reg *Registration) handle(ctx context.Context, msg Message) {
	reg.log.Trace().Str("type", string(msg.Type)).Str("client", msg.Client).Msg("Message from page")
	switch msg.Type {
	case MsgSkipWaiting:
		wk, err := reg.skipWaiting()
		if err != nil {
			reg.log.Error().Err(err).Msg("Could not activate release")
			return
		}
		if wk != nil {
			reg.pages.Broadcast(Message{Type: MsgReload, Version: wk.Version()})
		}

	case MsgConditionalSkipWaiting:
		if clients := reg.pages.Clients(); len(clients) > 1 || !reg.hasWaiting() {
			reg.send(msg.Client, Message{Type: MsgSkipFailed})
			return
		}
		if len(msg.Resumable) > 0 {
			reg.mu.Lock()
			reg.resumable = msg.Resumable
			reg.mu.Unlock()
		}
		wk, err := reg.skipWaiting()
		if err != nil || wk == nil {
			reg.send(msg.Client, Message{Type: MsgSkipFailed})
			return
		}
		reg.pages.Broadcast(Message{Type: MsgReload, Version: wk.Version()})

	case MsgPrefetch:
		if wk := reg.activeWorker(); wk != nil {
			wk.startPrefetch(msg.URL)
		}

	case MsgHello:
		reg.mu.Lock()
		resumable := reg.resumable
		reg.resumable = nil
		waiting := reg.waiting
		reg.mu.Unlock()
		if resumable != nil {
			reg.send(msg.Client, Message{Type: MsgResume, Resumable: resumable})
		}
		if waiting != nil {
			reg.send(msg.Client, Message{Type: MsgWaiting, Version: waiting.Version(), Priority: waiting.priority})
		}

	default:
		reg.log.Debug().Str("type", string(msg.Type)).Msg("Unknown message")
	}
}

func (reg *Registration) send(client string, msg Message) {
	if err := reg.pages.Send(client, msg); err != nil {
		reg.log.Debug().Err(err).Str("client", client).Msg("Could not send message to page")
	}
}

func (reg *Registration) activeWorker() *Worker {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.active
}

func (reg *Registration) hasWaiting() bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.waiting != nil
}

// Status returns the versions of the active and the waiting worker.
func (reg *Registration) Status() Status {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s := Status{}
	if reg.active != nil {
		s.Tag = reg.active.release.Tag
		s.Active = reg.active.Version()
	}
	if reg.waiting != nil {
		s.Waiting = reg.waiting.Version()
		s.WaitingPriority = reg.waiting.priority
	}
	return s
}

// Entries returns the number of responses stored for the active release.
func (reg *Registration) Entries() (int, error) {
	wk := reg.activeWorker()
	if wk == nil {
		return 0, nil
	}
	n := 0
	err := wk.cache.Keys(wk.generation, func(string) { n++ })
	return n, err
}
