// Package service assembles the messaging server: hub, router, wire
// listener, audit sink, and the operational API, with a single Start/Stop
// lifecycle.
package service

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/audit"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/hub"
	"github.com/wirehub/wirehub/src/ops"
	"github.com/wirehub/wirehub/src/router"
	"github.com/wirehub/wirehub/src/server"
)

// Options carries the external collaborators the server consumes.
type Options struct {
	Validator auth.TokenValidator
	ACL       auth.ChannelACL
	Sink      audit.Sink
	Logger    zerolog.Logger
}

// lifecycleSink is implemented by sinks that hold external connections.
type lifecycleSink interface {
	Start() error
	Stop() error
}

// Service is the assembled messaging server.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	hub    *hub.Hub
	server *server.Server
	ops    *ops.API
	sink   audit.Sink
}

// New wires the server together. The configuration is validated here.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sink := opts.Sink
	if sink == nil {
		sink = audit.Nop{}
	}
	acl := opts.ACL
	if acl == nil {
		acl = auth.AllowAll()
	}

	h := hub.New(cfg, opts.Logger)
	rt := router.New(h, opts.Validator, acl, sink, opts.Logger)
	srv := server.New(cfg, h, rt, opts.Logger)

	s := &Service{
		cfg:    cfg,
		logger: opts.Logger.With().Str("component", "service").Logger(),
		hub:    h,
		server: srv,
		sink:   sink,
	}
	if cfg.OpsAddr != "" {
		s.ops = ops.New(h, cfg.OpsAddr, opts.Logger)
	}
	return s, nil
}

// Hub returns the underlying hub, exposed for the operational surface and
// tests.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Addr returns the wire listener address once started.
func (s *Service) Addr() net.Addr { return s.server.Addr() }

// Start brings up the sink, the wire listener, and the ops API.
func (s *Service) Start(ctx context.Context) error {
	if ls, ok := s.sink.(lifecycleSink); ok {
		if err := ls.Start(); err != nil {
			return err
		}
	}
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	if s.ops != nil {
		s.ops.Start()
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("service started")
	return nil
}

// Stop tears everything down in reverse order.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	if s.ops != nil {
		if err := s.ops.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.server.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if ls, ok := s.sink.(lifecycleSink); ok {
		if err := ls.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info().Msg("service stopped")
	return firstErr
}
