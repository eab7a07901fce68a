package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrChannelUnavailable = errors.New("signaling: no live channel for user")

// Handler receives every well-formed inbound envelope.
type Handler func(ctx context.Context, c *Conn, env Envelope)

// Relay carries frames to users connected to other nodes.
type Relay interface {
	// Publish reports whether any other node took the frame.
	Publish(ctx context.Context, userID string, payload []byte) (bool, error)
	Subscribe(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context, userID string) error
}

type HubOptions struct {
	Conn   ConnOptions
	Relay  Relay
	Logger *slog.Logger
	// CheckOrigin overrides the upgrader's origin policy; nil allows any origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub is the registry of live connections on this node, keyed by user.
type Hub struct {
	opts     ConnOptions
	relay    Relay
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]map[*Conn]struct{}
	handler Handler

	// relayMu orders relay subscription changes; relaySubs is what this
	// hub has asked the relay for.
	relayMu   sync.Mutex
	relaySubs map[string]bool
}

func NewHub(o HubOptions) *Hub {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	check := o.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts:  o.Conn.withDefaults(),
		relay: o.Relay,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     check,
		},
		conns:     map[string]map[*Conn]struct{}{},
		relaySubs: map[string]bool{},
	}
}

// SetHandler installs the inbound message handler.
func (h *Hub) SetHandler(fn Handler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Serve upgrades the request and runs the connection until it closes.
// userID must already be authenticated.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := newConn(ws, userID, h.opts, h.log)
	h.register(r.Context(), c)
	defer h.unregister(context.WithoutCancel(r.Context()), c)

	go c.writePump()
	c.readPump(func(b []byte) { h.dispatch(r.Context(), c, b) })
	return nil
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, b []byte) {
	env, err := Decode(b)
	if err != nil {
		_ = c.Send(Envelope{Type: TypeError, Code: "invalid_argument", Reason: err.Error()})
		return
	}
	h.mu.RLock()
	fn := h.handler
	h.mu.RUnlock()
	if fn != nil {
		fn(ctx, c, env)
	}
}

func (h *Hub) register(ctx context.Context, c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = map[*Conn]struct{}{}
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("signal connected", "user_id", c.userID, "conn_id", c.id)
	h.syncRelay(ctx, c.userID)
}

func (h *Hub) unregister(ctx context.Context, c *Conn) {
	c.Close()
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()

	h.log.Debug("signal disconnected", "user_id", c.userID, "conn_id", c.id)
	h.syncRelay(ctx, c.userID)
}

// syncRelay makes the relay subscription for userID match local presence.
// Presence is read under relayMu, so whichever call runs last sees the
// final connection count.
func (h *Hub) syncRelay(ctx context.Context, userID string) {
	if h.relay == nil {
		return
	}
	h.relayMu.Lock()
	defer h.relayMu.Unlock()

	online := h.Online(userID)
	switch {
	case online && !h.relaySubs[userID]:
		if err := h.relay.Subscribe(ctx, userID); err != nil {
			h.log.Warn("relay subscribe failed", "user_id", userID, "err", err)
			return
		}
		h.relaySubs[userID] = true
	case !online && h.relaySubs[userID]:
		delete(h.relaySubs, userID)
		if err := h.relay.Unsubscribe(ctx, userID); err != nil {
			h.log.Warn("relay unsubscribe failed", "user_id", userID, "err", err)
		}
	}
}

// Notify pushes env to every live channel of userID, here or on another node.
// It returns ErrChannelUnavailable when no channel took it.
func (h *Hub) Notify(ctx context.Context, userID string, env Envelope) error {
	b, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	delivered := h.DeliverLocal(userID, b) > 0
	if h.relay != nil {
		remote, err := h.relay.Publish(ctx, userID, b)
		if err != nil && !delivered {
			return err
		}
		delivered = delivered || remote
	}
	if !delivered {
		return ErrChannelUnavailable
	}
	return nil
}

// DeliverLocal queues payload on this node's connections for userID and
// returns how many accepted it.
func (h *Hub) DeliverLocal(userID string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if err := c.enqueue(payload); err == nil {
			n++
		}
	}
	return n
}

// Online reports whether userID has a live connection on this node.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// Connections is the number of live connections on this node.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Close shuts every connection; their Serve calls return shortly after.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.conns {
		for c := range set {
			c.Close()
		}
	}
}
