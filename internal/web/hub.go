// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package web

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/metrics"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

// Message types exchanged over /ws.
const (
	MessageTypeSnapshot   = "snapshot"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
	MessageTypeVisibility = "visibility"
)

// Message is the envelope for every websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Viewers is what the hub needs from the tracker.
type Viewers interface {
	Snapshot() tracker.Snapshot
	Subscribe() (<-chan tracker.Snapshot, func())
	SetVisible(visible bool)
}

type visibilityChange struct {
	client  *Client
	visible bool
}

// Hub keeps the connected viewers and streams tracker snapshots to them.
// A viewer counts as watching while its page is visible; the tracker is
// told it is visible when the first viewer starts watching and hidden when
// the last one stops.
type Hub struct {
	src Viewers
	log zerolog.Logger

	clients    map[*Client]bool // value: page visible
	watching   int
	Register   chan *Client
	Unregister chan *Client
	visibility chan visibilityChange

	mu      sync.RWMutex
	count   int
	done    chan struct{}
	stopped bool
}

// NewHub creates a hub fed by src.
func NewHub(src Viewers) *Hub {
	return &Hub{
		src:        src,
		log:        logging.Component("websocket-hub"),
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		visibility: make(chan visibilityChange),
		done:       make(chan struct{}),
	}
}

// Serve runs the hub until ctx is done, then closes every client. Serve may
// be called again after it returns.
func (h *Hub) Serve(ctx context.Context) error {
	h.start()
	snaps, cancel := h.src.Subscribe()
	defer cancel()
	defer h.shutdown()

	for {
		// client lifecycle first so a broadcast never misses a new viewer
		select {
		case c := <-h.Register:
			h.add(c)
			continue
		case c := <-h.Unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.Register:
			h.add(c)
		case c := <-h.Unregister:
			h.remove(c)
		case v := <-h.visibility:
			h.setVisible(v.client, v.visible)
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			h.broadcastToClients(Message{Type: MessageTypeSnapshot, Data: s})
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Done is closed once the current run of the hub has stopped serving.
func (h *Hub) Done() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		h.done = make(chan struct{})
		h.stopped = false
	}
}

func (h *Hub) add(c *Client) {
	h.clients[c] = true
	h.updateCount()
	h.log.Info().Uint64("client", c.id).Int("total_clients", len(h.clients)).Msg("websocket client connected")

	// new viewers get the current state without waiting for a transition
	select {
	case c.send <- Message{Type: MessageTypeSnapshot, Data: h.src.Snapshot()}:
	default:
	}
	h.recount()
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.updateCount()
	h.log.Info().Uint64("client", c.id).Int("total_clients", len(h.clients)).Msg("websocket client disconnected")
	h.recount()
}

func (h *Hub) setVisible(c *Client, visible bool) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.clients[c] = visible
	h.recount()
}

// recount tells the tracker about 0 <-> n transitions of watching viewers.
func (h *Hub) recount() {
	n := 0
	for _, visible := range h.clients {
		if visible {
			n++
		}
	}
	prev := h.watching
	h.watching = n
	switch {
	case prev == 0 && n > 0:
		h.src.SetVisible(true)
	case prev > 0 && n == 0:
		h.src.SetVisible(false)
	}
}

func (h *Hub) updateCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketViewers.Set(float64(len(h.clients)))
}

func (h *Hub) broadcastToClients(m Message) {
	clients := h.sorted()
	for _, c := range clients {
		select {
		case c.send <- m:
		default:
			// slow reader, drop it
			h.log.Warn().Uint64("client", c.id).Msg("websocket client too slow, disconnecting")
			h.remove(c)
		}
	}
}

func (h *Hub) sorted() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func (h *Hub) shutdown() {
	n := len(h.clients)
	for _, c := range h.sorted() {
		close(c.send)
		delete(h.clients, c)
	}
	h.updateCount()
	h.watching = 0

	h.mu.Lock()
	if !h.stopped {
		close(h.done)
		h.stopped = true
	}
	h.mu.Unlock()
	h.log.Info().Int("clients_closed", n).Msg("websocket hub stopped")
}

// unregister is called from client goroutines and never blocks on a
// stopped hub.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.Done():
	}
}

func (h *Hub) reportVisibility(c *Client, visible bool) {
	select {
	case h.visibility <- visibilityChange{client: c, visible: visible}:
	case <-h.Done():
	}
}
