// Package realtime streams settlement events to operators over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/metrics"
)

// ErrDropped is returned by Deliver when the broadcast buffer is full.
var ErrDropped = errors.New("realtime: broadcast buffer full")

const (
	// MaxClients caps concurrent WebSocket connections.
	MaxClients = 1000
	// ReplaySize is how many recent events the hub keeps for replay.
	ReplaySize = 128

	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// subscriber is one connected operator.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (s *subscriber) subscription() Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub
}

func (s *subscriber) setSubscription(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	Replayable       int   `json:"replayable"`
}

type replayRequest struct {
	to  *subscriber
	sub Subscription
}

// Hub fans settlement events out to subscribers. It is an events.Sink; all
// subscriber bookkeeping happens on the Run goroutine.
type Hub struct {
	logger *slog.Logger

	broadcast  chan *events.Event
	register   chan *subscriber
	unregister chan *subscriber
	replay     chan replayRequest
	done       chan struct{}

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	recent      []*events.Event
	maxClients  int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		broadcast:   make(chan *events.Event, sendBuffer),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		replay:      make(chan replayRequest),
		done:        make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
		maxClients:  MaxClients,
	}
}

// Run serves the hub until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			h.logger.Info("realtime hub stopped")
			return
		case s := <-h.register:
			h.add(s)
		case s := <-h.unregister:
			h.remove(s)
		case req := <-h.replay:
			h.resend(req)
		case ev := <-h.broadcast:
			h.publish(ev)
		}
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("operator connected", "connected", n)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	h.drop(s)
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("operator disconnected", "connected", n)
}

// drop closes s's queue so its write pump sends a close frame. Caller holds h.mu.
func (h *Hub) drop(s *subscriber) {
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.send)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	for s := range h.subscribers {
		h.drop(s)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) publish(ev *events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("dropping unserializable event", "event", string(ev.Type), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalEvents.Add(1)
	h.recent = append(h.recent, ev)
	if len(h.recent) > ReplaySize {
		h.recent = h.recent[len(h.recent)-ReplaySize:]
	}
	for s := range h.subscribers {
		if !s.subscription().Match(ev) {
			continue
		}
		select {
		case s.send <- payload:
		default:
			h.logger.Warn("disconnecting slow operator", "event", string(ev.Type))
			h.drop(s)
		}
	}
}

// resend queues up to req.sub.Replay of the most recent matching events,
// oldest first.
func (h *Hub) resend(req replayRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subscribers[req.to]; !ok {
		return
	}

	var matched []*events.Event
	for i := len(h.recent) - 1; i >= 0 && len(matched) < req.sub.Replay; i-- {
		if req.sub.Match(h.recent[i]) {
			matched = append(matched, h.recent[i])
		}
	}
	for i := len(matched) - 1; i >= 0; i-- {
		payload, err := json.Marshal(matched[i])
		if err != nil {
			continue
		}
		select {
		case req.to.send <- payload:
		default:
			return
		}
	}
}

func (h *Hub) Name() string { return "realtime" }

// Deliver queues ev for broadcast without blocking.
func (h *Hub) Deliver(_ context.Context, ev events.Event) error {
	select {
	case h.broadcast <- &ev:
		return nil
	default:
		return ErrDropped
	}
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: len(h.subscribers),
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		Replayable:       len(h.recent),
	}
}

// HandleWebSocket upgrades the request and subscribes the caller to all
// events until it sends a narrower Subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- s

	go s.writeLoop()
	go s.readLoop()
}

// readLoop applies subscription updates until the connection closes.
func (s *subscriber) readLoop() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			s.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		s.setSubscription(sub)
		if sub.Replay > 0 {
			select {
			case s.hub.replay <- replayRequest{to: s, sub: sub}:
			case <-s.hub.done:
				return
			}
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.hub.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
