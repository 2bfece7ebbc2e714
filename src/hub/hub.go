// Package hub owns all live connection state: the connection registry, the
// channel registry, and the user index. Every mutation of shared state goes
// through the hub's lock; delivery to writer queues happens outside it.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/types"
	"github.com/wirehub/wirehub/src/wire"
)

// Hub is the registry of connections, channels, and users.
//
// channels maps channel name to member connection ids; users maps user id to
// that user's open connection ids. Both are secondary indices over conns and
// an entry is deleted the moment its set becomes empty.
type Hub struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]struct{}
	users    map[string]map[string]struct{}

	total    atomic.Int64
	peak     atomic.Int64
	msgsIn   atomic.Int64
	msgsOut  atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// New creates an empty hub.
func New(cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger.With().Str("component", "hub").Logger(),
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
	}
}

// EncodeReply marshals a reply into a ready-to-queue text frame.
func EncodeReply(r types.Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Reply contains only marshalable fields; this cannot happen.
		return wire.Encode(wire.OpText, []byte(`{"type":"error"}`))
	}
	return wire.Encode(wire.OpText, data)
}

// Register adds a connection to the registry and starts its writer. The
// connection transitions to Open.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	active := int64(len(h.conns))
	h.mu.Unlock()

	total := h.total.Add(1)
	for {
		peak := h.peak.Load()
		if active <= peak || h.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	c.setState(StateOpen)
	go c.writePump()

	h.logger.Info().
		Str("connection_id", c.ID).
		Str("remote_addr", c.remoteAddr).
		Int64("active", active).
		Int64("total", total).
		Msg("connection registered")
}

// Unregister destroys a connection: it is removed from every channel and
// from the user index under a single lock acquisition, then the transport is
// released. No index references the id once Unregister returns. Safe to call
// for ids that are already gone.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, id)

	for _, name := range c.Channels() {
		if members, ok := h.channels[name]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(h.channels, name)
			}
		}
	}
	c.clearChannels()

	if identity, bound := c.Identity(); bound {
		h.dropUserConn(identity.UserID, id)
	}
	active := len(h.conns)
	h.mu.Unlock()

	c.Close()

	h.logger.Info().
		Str("connection_id", id).
		Int("active", active).
		Msg("connection unregistered")
}

// dropUserConn removes one connection from a user's index entry. Caller
// holds h.mu.
func (h *Hub) dropUserConn(userID, connID string) {
	if conns, ok := h.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.users, userID)
		}
	}
}

// Bind attaches an identity to a connection and registers it in the user
// index. Rebinding an already-bound connection moves the index entry.
func (h *Hub) Bind(connID string, identity auth.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return types.NewInternalError()
	}
	if prev, bound := c.Identity(); bound {
		h.dropUserConn(prev.UserID, connID)
	}
	c.bind(identity)
	if h.users[identity.UserID] == nil {
		h.users[identity.UserID] = make(map[string]struct{})
	}
	h.users[identity.UserID][connID] = struct{}{}
	return nil
}

// Touch updates a connection's activity clock.
func (h *Hub) Touch(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.Touch()
	}
}

// Get returns a live connection by id.
func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// CheckRateLimit spends one token from the connection's budget. fatal is set
// once the consecutive-violation limit is reached and the caller must
// force-disconnect.
func (h *Hub) CheckRateLimit(c *Conn) (allowed, fatal bool) {
	return c.allowMessage(h.cfg.RateViolationLimit)
}

// NoteBytesIn accounts raw bytes read from a connection's socket.
func (h *Hub) NoteBytesIn(c *Conn, n int) {
	c.bytesRecv.Add(int64(n))
	h.bytesIn.Add(int64(n))
}

// NoteMessageIn accounts one inbound application message.
func (h *Hub) NoteMessageIn(c *Conn) {
	c.msgsRecv.Add(1)
	h.msgsIn.Add(1)
}

// deliver queues a frame on one connection, counting it on success. Failures
// (closed connection, full writer queue) are swallowed: a slow client
// degrades only its own delivery.
func (h *Hub) deliver(c *Conn, frame []byte) bool {
	if !c.enqueue(frame) {
		return false
	}
	c.msgsSent.Add(1)
	h.msgsOut.Add(1)
	return true
}

// SweepIdle unregisters every connection idle beyond timeout, sending a
// close frame first while the socket is still writable. Returns the number
// of connections removed.
func (h *Hub) SweepIdle(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	h.mu.RLock()
	var expired []*Conn
	for _, c := range h.conns {
		if c.LastActivity().Before(cutoff) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range expired {
		h.logger.Info().
			Str("connection_id", c.ID).
			Time("last_activity", c.LastActivity()).
			Msg("closing idle connection")
		c.SendClose(wire.CloseNormal, "idle timeout")
		c.BeginClose()
		h.Unregister(c.ID)
	}
	return len(expired)
}

// CloseAll tears down every connection, used during shutdown.
func (h *Hub) CloseAll(code uint16, reason string) {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.SendClose(code, reason)
		c.BeginClose()
		h.Unregister(c.ID)
	}
}
