// Package client wires one client frame: handshake first, then the adapter
// patch, then the long-poll loop.
package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/dispatch"
	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/handshake"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/patcher"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
	"github.com/zhouzirui/framebridge/internal/transport"
)

// Config tunes a Runtime.
type Config struct {
	// HostOrigin is the only origin allowed to identify this frame.
	HostOrigin       string
	HandshakeTimeout time.Duration
	// PollEndpoint is the server's long-poll URL.
	PollEndpoint string
	RetryDelay   time.Duration
	Clock        clock.Clock
	HTTPClient   *http.Client
}

// Runtime drives one client context over port, editing ws.
type Runtime struct {
	port      frame.Port
	workspace *workspace.Service
	cfg       Config
	logger    zerolog.Logger

	negotiator *handshake.Negotiator
	patcher    *patcher.Patcher
	transport  *transport.Transport
}

// New prepares a runtime. Nothing runs until Run.
func New(port frame.Port, ws *workspace.Service, cfg Config, logger zerolog.Logger) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	rt := &Runtime{
		port:      port,
		workspace: ws,
		cfg:       cfg,
		logger:    logger.With().Str("component", "client").Logger(),
	}
	rt.negotiator = handshake.NewNegotiator(port, handshake.NegotiatorConfig{
		ExpectedOrigin: cfg.HostOrigin,
		Timeout:        cfg.HandshakeTimeout,
		Clock:          cfg.Clock,
	}, logger)
	rt.patcher = patcher.New(ws, logger)
	rt.transport = transport.New(transport.Config{
		Endpoint:   cfg.PollEndpoint,
		RetryDelay: cfg.RetryDelay,
		Clock:      cfg.Clock,
		HTTPClient: cfg.HTTPClient,
	}, dispatch.New(dispatch.NewHandlerTable(ws), logger), logger)
	return rt
}

// Negotiator exposes the handshake state.
func (rt *Runtime) Negotiator() *handshake.Negotiator { return rt.negotiator }

// Transport exposes the long-poll loop counters.
func (rt *Runtime) Transport() *transport.Transport { return rt.transport }

// Run blocks until ctx ends. It returns the handshake error when no session
// was established; patcher and transport are not started in that case.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	negotiated := make(chan error, 1)
	go func() { negotiated <- rt.negotiator.Run(ctx) }()

	desc, err := rt.negotiator.Wait(ctx)
	if err != nil {
		if errors.Is(err, handshake.ErrHandshakeTimeout) {
			rt.logger.Warn().Msg("no session for this frame, skipping patch and transport")
		}
		return err
	}

	if err := rt.patcher.Apply(desc); err != nil {
		rt.logger.Error().Err(err).Str("session_id", desc.Identity.SessionID).Msg("adapter patch failed")
	}

	err = rt.transport.Run(ctx, session.NewContext(desc))
	cancel()
	<-negotiated
	return err
}
