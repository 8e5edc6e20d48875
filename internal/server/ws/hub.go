// Package ws is the dev backend's Socket.IO endpoint: a hub of per-user
// connection sets that relays chat events between clients.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/socketio"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 20 * time.Second
	sendBuffer          = 256
)

// Store is what the hub needs from persistence.
type Store interface {
	RoomByID(ctx context.Context, id string) (models.Room, error)
	SaveMessage(ctx context.Context, m models.Message) (models.Message, error)
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Authenticator resolves a handshake token to a user id.
type Authenticator func(token string) (string, error)

type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       *slog.Logger
	Registerer   prometheus.Registerer
}

type Hub struct {
	store  Store
	auth   Authenticator
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}

	sockets prometheus.Gauge
	events  *prometheus.CounterVec
}

func NewHub(store Store, auth Authenticator, opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		store:  store,
		auth:   auth,
		opts:   opts,
		logger: opts.Logger.With("component", "hub"),
		conns:  make(map[string]map[*Client]struct{}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync_server",
			Name:      "sockets",
			Help:      "Authenticated socket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync_server",
			Name:      "socket_events_total",
			Help:      "Socket events by name and direction.",
		}, []string{"event", "direction"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(h.sockets, h.events)
	}
	return h
}

// register adds c and reports whether it is the user's first connection.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.sockets.Inc()
	return !ok
}

// unregister removes c and reports whether the user has no connections left.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	h.sockets.Dec()
	if len(set) == 0 {
		delete(h.conns, c.userID)
		return true
	}
	return false
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// EmitTo sends event to every connection of every listed user.
func (h *Hub) EmitTo(userIDs []string, event string, payload any) {
	frame, err := socketio.EncodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return
	}
	seen := make(map[string]struct{}, len(userIDs))
	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		for c := range h.conns[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	h.events.WithLabelValues(event, "out").Add(float64(len(targets)))
}

// broadcast sends event to every connected user except one.
func (h *Hub) broadcast(except, event string, payload any) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		if id != except {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	h.EmitTo(ids, event, payload)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) connected(c *Client) {
	if h.register(c) {
		h.broadcast(c.userID, wire.EventUserOnline, wire.PresenceEvent{UserID: c.userID})
	}
	c.emit(wire.EventConnectionConfirmed, wire.ConnectionConfirmedEvent{
		UserID:  c.userID,
		Status:  "connected",
		Message: "Successfully connected to chat server",
	})
	h.logger.Info("user connected", slog.String("user", c.userID), slog.String("ip", c.ip))
}

func (h *Hub) disconnected(c *Client) {
	if !h.unregister(c) {
		return
	}
	h.broadcast(c.userID, wire.EventUserOffline, wire.PresenceEvent{UserID: c.userID})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SetLastSeen(ctx, c.userID, time.Now()); err != nil {
		h.logger.Warn("last seen update failed", slog.String("user", c.userID), slog.Any("error", err))
	}
	h.logger.Info("user offline", slog.String("user", c.userID))
}
