package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/ericselin/vworker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrClientBehind  = errors.New("client is not reading messages")
)

// Poster accepts messages from pages, e.g. a vworker.Registration.
type Poster interface {
	Post(ctx context.Context, msg vworker.Message) error
}

// Hub connects open pages to the worker with Server-Sent Events.
// It implements vworker.Broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan vworker.Message
	log     zerolog.Logger
	// closed when the hub stops streaming
	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan vworker.Message),
		log:     logger,
		done:    make(chan struct{}),
	}
}

// Close ends all event streams. Register it with http.Server.RegisterOnShutdown,
// since Shutdown waits for open streams otherwise.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Send(client string, msg vworker.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.clients[client]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrClientBehind, client)
	}
}

func (h *Hub) Broadcast(msg vworker.Message) {
	for _, id := range h.Clients() {
		if err := h.Send(id, msg); err != nil {
			h.log.Debug().Err(err).Msg("Could not broadcast message")
		}
	}
}

func (h *Hub) register() (string, chan vworker.Message) {
	id := uuid.NewString()
	ch := make(chan vworker.Message, 16)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// ServeEvents streams messages to a page for as long as it stays connected.
// The first event carries the client id the page posts its messages with.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	id, ch := h.register()
	defer h.unregister(id)
	log := h.log.With().Str("client", id).Logger()
	log.Debug().Msg("Page connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: client\ndata: %s\n\n", id)
	flusher.Flush()

	for {
		select {
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Msg("Could not encode message")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				log.Debug().Err(err).Msg("Page gone")
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			log.Debug().Msg("Page disconnected")
			return
		case <-h.done:
			log.Debug().Msg("Closing event stream")
			return
		}
	}
}

// MessageHandler returns a handler passing messages posted by pages to p.
// The sending page is identified by the client query parameter.
func (h *Hub) MessageHandler(p Poster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := vworker.Message{}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "Malformed message", http.StatusBadRequest)
			return
		}
		msg.Client = r.URL.Query().Get("client")
		if err := p.Post(r.Context(), msg); err != nil {
			http.Error(w, "Could not deliver message", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
