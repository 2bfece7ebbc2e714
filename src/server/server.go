// Package server runs the wire listener: it accepts TCP connections,
// performs the upgrade handshake, and drives each connection's frame loop
// until it closes. Registries are shared through the hub; each connection
// gets its own reader goroutine with blocking reads.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/handshake"
	"github.com/wirehub/wirehub/src/hub"
	"github.com/wirehub/wirehub/src/router"
	"github.com/wirehub/wirehub/src/types"
	"github.com/wirehub/wirehub/src/wire"
)

const readChunkSize = 4096

// Server owns the TCP listener and the per-connection loops.
type Server struct {
	cfg    *config.Config
	hub    *hub.Hub
	router *router.Router
	logger zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a server. Call Start to begin accepting connections.
func New(cfg *config.Config, h *hub.Hub, r *router.Router, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		router: r,
		logger: logger.With().Str("component", "server").Logger(),
	}
}

// Start binds the listener and launches the accept and maintenance loops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.maintenanceLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound listener address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, tears down every connection with a going-away
// close, and waits for connection goroutines up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	ln := s.ln
	s.mu.Unlock()

	_ = ln.Close()
	s.hub.CloseAll(wire.CloseGoingAway, "server shutting down")

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info().Msg("server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown timeout, goroutines may still be running")
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		sock, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if s.hub.ActiveCount() >= s.cfg.MaxConnections {
			s.logger.Warn().
				Str("remote_addr", sock.RemoteAddr().String()).
				Msg("connection limit reached, rejecting")
			_ = sock.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, sock)
		}()
	}
}

// handleConn runs a connection from raw socket to teardown. The lifecycle is
// Connecting (handshake) -> Open (frame loop) -> Closing -> Closed; a failed
// handshake jumps straight to Closed with a plain socket close and no frame.
func (s *Server) handleConn(ctx context.Context, sock net.Conn) {
	_ = sock.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	br := bufio.NewReader(sock)

	req, err := handshake.Upgrade(br, sock)
	if err != nil {
		s.logger.Debug().
			Str("remote_addr", sock.RemoteAddr().String()).
			Err(err).
			Msg("handshake rejected")
		_ = sock.Close()
		return
	}

	c := s.hub.NewConn(sock, req.Path, req.Origin)
	s.hub.Register(c)
	s.readLoop(ctx, c, br)
}

// readLoop drains the socket, decodes complete frames, and dispatches them.
// Frames from one connection are processed in the order their bytes arrived;
// broadcasts they trigger are queued in that same order.
func (s *Server) readLoop(ctx context.Context, c *hub.Conn, br *bufio.Reader) {
	defer s.hub.Unregister(c.ID)

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		_ = c.Socket().SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout + s.cfg.SweepInterval))
		n, err := br.Read(chunk)
		if n > 0 {
			s.hub.NoteBytesIn(c, n)
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			c.BeginClose()
			return
		}

		for {
			frame, consumed, err := wire.Decode(buf, s.cfg.MaxMessageBytes)
			if err != nil {
				s.closeOnProtocolError(c, err)
				return
			}
			if consumed == 0 {
				break
			}
			buf = append(buf[:0], buf[consumed:]...)

			c.Touch()
			if !s.dispatchFrame(ctx, c, frame) {
				return
			}
		}
	}
}

// dispatchFrame handles one complete frame. It returns false when the
// connection is finished and the read loop must exit.
func (s *Server) dispatchFrame(ctx context.Context, c *hub.Conn, frame wire.Frame) bool {
	switch frame.Opcode {
	case wire.OpClose:
		code, _ := wire.DecodeClose(frame.Payload)
		c.BeginClose()
		c.SendClose(code, "")
		return false

	case wire.OpPing:
		c.SendPong(frame.Payload)
		return true

	case wire.OpPong:
		// Touch already happened; nothing else to do.
		return true

	default: // OpText, OpBinary
		allowed, fatal := s.hub.CheckRateLimit(c)
		if !allowed {
			e := types.NewRateLimitError(s.cfg.RateRefillInterval)
			c.SendReply(types.Reply{Type: types.TypeError, Error: e.Data()})
			if fatal {
				s.logger.Warn().
					Str("connection_id", c.ID).
					Msg("repeated rate limit violations, disconnecting")
				c.SendClose(wire.ClosePolicyViolation, "rate limit exceeded")
				c.BeginClose()
				return false
			}
			return true
		}
		s.hub.NoteMessageIn(c)
		s.router.Handle(ctx, c, frame.Payload)
		return true
	}
}

// closeOnProtocolError answers a fatal decode failure with the proper close
// frame and begins teardown.
func (s *Server) closeOnProtocolError(c *hub.Conn, err error) {
	code := wire.CloseProtocolError
	if errors.Is(err, wire.ErrTooLarge) {
		code = wire.CloseMessageTooBig
	}
	s.logger.Debug().
		Str("connection_id", c.ID).
		Err(err).
		Msg("protocol error")
	c.SendClose(code, err.Error())
	c.BeginClose()
}

// maintenanceLoop runs the periodic work: idle sweep and a statistics
// heartbeat for operators.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if swept := s.hub.SweepIdle(s.cfg.IdleTimeout); swept > 0 {
				s.logger.Info().Int("swept", swept).Msg("idle sweep")
			}
			snap := s.hub.Snapshot()
			s.logger.Debug().
				Int("active", snap.ActiveConnections).
				Int64("messages_received", snap.MessagesReceived).
				Int64("messages_sent", snap.MessagesSent).
				Msg("stats")
		case <-s.done:
			return
		}
	}
}
