// Package realtime streams audit records to WebSocket subscribers as they
// are appended.
//
// Every event carries a hub-local sequence number. A client that reconnects
// with ?since=<seq> is first sent the retained events after that sequence
// that match its filter, then the live stream.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/metrics"
)

var errBroadcastFull = errors.New("realtime: broadcast channel full")

const (
	// MaxClients is the default limit on concurrent WebSocket connections.
	MaxClients = 10000
	// DefaultBacklog is how many recent events are kept for replay.
	DefaultBacklog = 256
)

// Event is one streamed audit record.
type Event struct {
	Seq       uint64       `json:"seq"`
	Type      audit.Kind   `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Record    audit.Record `json:"record"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	TotalEvents      int64  `json:"totalEvents"`
	TotalClients     int64  `json:"totalClients"`
	PeakClients      int64  `json:"peakClients"`
	DroppedEvents    int64  `json:"droppedEvents"`
	EvictedClients   int64  `json:"evictedClients"`
	LastSeq          uint64 `json:"lastSeq"`
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	origins    []string
	upgrader   websocket.Upgrader

	// owned by Run
	backlog []*Event
	next    int
	size    int

	lastSeq        atomic.Uint64
	totalEvents    atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
	droppedEvents  atomic.Int64
	evictedClients atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		backlog:    make([]*Event, DefaultBacklog),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins sets the browser origins allowed to connect. "*"
// allows any origin; an empty list allows same-host only.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

// WithMaxClients overrides the connection limit.
func (h *Hub) WithMaxClients(n int) *Hub {
	if n > 0 {
		h.maxClients = n
	}
	return h
}

// WithBacklog sets how many events are retained for replay. Call before Run.
func (h *Hub) WithBacklog(n int) *Hub {
	if n > 0 {
		h.backlog = make([]*Event, n)
		h.next, h.size = 0, 0
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if len(h.origins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			if client.replay {
				h.replay(client)
			}
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			event.Seq = h.lastSeq.Add(1)
			h.totalEvents.Add(1)
			h.retain(event)
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("realtime event encode failed", "seq", event.Seq, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
			h.evictedClients.Add(1)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("evicted slow realtime clients", "count", len(slow))
}

// retain appends to the replay ring. Run goroutine only.
func (h *Hub) retain(event *Event) {
	h.backlog[h.next] = event
	h.next = (h.next + 1) % len(h.backlog)
	if h.size < len(h.backlog) {
		h.size++
	}
}

// replay queues retained events after client.since. Run goroutine only.
func (h *Hub) replay(client *Client) {
	start := (h.next - h.size + len(h.backlog)) % len(h.backlog)
	if h.size > 0 {
		if oldest := h.backlog[start].Seq; oldest > client.since+1 {
			// on the event channel so it is delivered ahead of the replay
			gap, _ := json.Marshal(reply{
				Type:    "gap",
				Message: fmt.Sprintf("events %d to %d are no longer retained", client.since+1, oldest-1),
			})
			select {
			case client.send <- gap:
			default:
			}
		}
	}

	sub := client.subscription()
	for i := 0; i < h.size; i++ {
		ev := h.backlog[(start+i)%len(h.backlog)]
		if ev.Seq <= client.since || !sub.Matches(ev) {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case client.send <- payload:
		default:
			return // buffer full; the live stream takes over
		}
	}
}

// Broadcast queues an event for fan-out. It never blocks.
func (h *Hub) Broadcast(event *Event) bool {
	select {
	case h.broadcast <- event:
		return true
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
		return false
	}
}

// Name implements audit.Sink.
func (h *Hub) Name() string { return "realtime" }

// Publish implements audit.Sink by streaming the record to subscribers.
func (h *Hub) Publish(_ context.Context, r audit.Record) error {
	if !h.Broadcast(&Event{Type: r.Kind(), Timestamp: r.OccurredAt(), Record: r}) {
		return errBroadcastFull
	}
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		EvictedClients:   h.evictedClients.Load(),
		LastSeq:          h.lastSeq.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		replies: make(chan []byte, replyBuffer),
		sub:     subscriptionFromQuery(r),
	}
	client.since, client.replay = sinceFromQuery(r)

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

var _ audit.Sink = (*Hub)(nil)
