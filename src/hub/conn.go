package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/types"
	"github.com/wirehub/wirehub/src/wire"
)

// State is the lifecycle phase of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live client connection. The hub owns its registry membership;
// the conn owns its socket, writer queue, identity binding, and rate budget.
//
// Lock ordering: hub.mu is always taken before conn.mu, never the reverse.
type Conn struct {
	ID         string
	hub        *Hub
	sock       net.Conn
	remoteAddr string
	path       string
	origin     string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	wmu          sync.Mutex
	writeTimeout time.Duration

	mu           sync.Mutex
	state        State
	identity     *auth.Identity
	channels     map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time
	limiter      *rate.Limiter
	violations   int

	msgsSent  atomic.Int64
	msgsRecv  atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

// NewConn wraps an upgraded socket in a connection record. The connection is
// inert until Register starts its writer.
func (h *Hub) NewConn(sock net.Conn, path, origin string) *Conn {
	now := time.Now()
	return &Conn{
		ID:           uuid.NewString(),
		hub:          h,
		sock:         sock,
		remoteAddr:   sock.RemoteAddr().String(),
		path:         path,
		origin:       origin,
		send:         make(chan []byte, h.cfg.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: h.cfg.WriteTimeout,
		state:        StateConnecting,
		channels:     make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
		limiter: rate.NewLimiter(
			rate.Every(h.cfg.RateRefillInterval),
			h.cfg.RateCapacity,
		),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Path returns the request path from the handshake.
func (c *Conn) Path() string { return c.path }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// BeginClose moves an open connection to Closing. Safe to call repeatedly.
func (c *Conn) BeginClose() {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.state = StateClosing
	}
	c.mu.Unlock()
}

// Close releases the transport. Idempotent: double-close, close during
// broadcast, and close during handshake are all no-ops past the first call.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		_ = c.sock.Close()
	})
}

// Touch records activity. Any inbound frame counts.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Bind attaches an identity. Rebinding overwrites; the hub keeps the user
// index consistent.
func (c *Conn) bind(id auth.Identity) {
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
}

// Identity returns the bound identity, if any.
func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

// Channels returns a copy of the joined channel names.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}

func (c *Conn) addChannel(name string) {
	c.mu.Lock()
	c.channels[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeChannel(name string) {
	c.mu.Lock()
	delete(c.channels, name)
	c.mu.Unlock()
}

func (c *Conn) clearChannels() {
	c.mu.Lock()
	c.channels = make(map[string]struct{})
	c.mu.Unlock()
}

// allowMessage spends one token from the budget. It reports whether the
// message may proceed and whether the consecutive-violation limit was hit.
func (c *Conn) allowMessage(violationLimit int) (allowed, fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiter.Allow() {
		c.violations = 0
		return true, false
	}
	c.violations++
	return false, c.violations >= violationLimit
}

// Info returns the read-only view of this connection.
func (c *Conn) Info() types.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := types.ClientInfo{
		ID:           c.ID,
		RemoteAddr:   c.remoteAddr,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Channels:     make([]string, 0, len(c.channels)),
	}
	for name := range c.channels {
		info.Channels = append(info.Channels, name)
	}
	if c.identity != nil {
		info.UserID = c.identity.UserID
		info.TenantID = c.identity.TenantID
	}
	return info
}

// SendReply marshals a reply and queues it as a text frame.
func (c *Conn) SendReply(r types.Reply) bool {
	return c.hub.deliver(c, EncodeReply(r))
}

// SendPong queues a pong frame echoing the ping payload.
func (c *Conn) SendPong(payload []byte) {
	c.enqueue(wire.Encode(wire.OpPong, payload))
}

// Socket exposes the transport so the read loop can manage deadlines. All
// writes go through writeFrame.
func (c *Conn) Socket() net.Conn { return c.sock }

// SendClose writes a close frame synchronously, bypassing the queue, so the
// frame reaches the peer before the socket is torn down. Best effort on an
// already-closed connection.
func (c *Conn) SendClose(code uint16, reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	_ = c.writeFrame(wire.EncodeClose(code, reason))
}

// enqueue places an encoded frame on the writer queue without blocking.
// A full queue means a slow client; the frame is dropped so callers never
// stall.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writeFrame puts one frame on the wire under the write lock, which keeps
// pump writes and synchronous close frames from interleaving.
func (c *Conn) writeFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	n, err := c.sock.Write(frame)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.hub.bytesOut.Add(int64(n))
	}
	return err
}

// writePump drains the send queue onto the socket and exits when the
// connection closes or a write fails.
func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
