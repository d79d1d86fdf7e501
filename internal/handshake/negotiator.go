// Package handshake establishes a session between a host page and a client
// frame: the host feeds an identity message until the client echoes it back.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/model/session"
)

// DefaultTimeout bounds the wait for the host's identity message.
const DefaultTimeout = 2 * time.Second

// ErrHandshakeTimeout means no identity message arrived in time. The client
// context has no session for its lifetime.
var ErrHandshakeTimeout = errors.New("HandshakeTimeout")

// State is the negotiator's position in the handshake.
type State int32

const (
	StateWaiting State = iota
	StateAcknowledged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// NegotiatorConfig tunes a Negotiator.
type NegotiatorConfig struct {
	// ExpectedOrigin restricts which host may identify this client; empty or
	// "*" accepts any origin.
	ExpectedOrigin string
	Timeout        time.Duration
	Clock          clock.Clock
}

// Negotiator runs in the client context and resolves the session descriptor
// exactly once.
type Negotiator struct {
	port   frame.Port
	cfg    NegotiatorConfig
	logger zerolog.Logger

	state    atomic.Int32
	acks     atomic.Int64
	resolved chan struct{}
	once     sync.Once
	desc     *session.Descriptor
	err      error
}

// NewNegotiator prepares a negotiator listening on port.
func NewNegotiator(port frame.Port, cfg NegotiatorConfig, logger zerolog.Logger) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Negotiator{
		port:     port,
		cfg:      cfg,
		logger:   logger.With().Str("component", "handshake").Logger(),
		resolved: make(chan struct{}),
	}
}

// State reports the current handshake state.
func (n *Negotiator) State() State {
	return State(n.state.Load())
}

// Acknowledgements counts acks sent, including repeats.
func (n *Negotiator) Acknowledgements() int64 {
	return n.acks.Load()
}

// Wait blocks until the handshake resolves or fails.
func (n *Negotiator) Wait(ctx context.Context) (*session.Descriptor, error) {
	select {
	case <-n.resolved:
		return n.desc, n.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run listens for identity messages. After the first valid one it keeps
// acknowledging repeats until ctx ends or the port closes, so a host still
// feeding can observe the echo. It returns ErrHandshakeTimeout when nothing
// valid arrived within the configured window.
func (n *Negotiator) Run(ctx context.Context) error {
	timer := n.cfg.Clock.Timer(n.cfg.Timeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case <-ctx.Done():
			if n.fail(ctx.Err()) {
				return ctx.Err()
			}
			return nil
		case <-n.port.Done():
			if n.fail(frame.ErrClosed) {
				return frame.ErrClosed
			}
			return nil
		case <-timeout:
			timeout = nil
			if n.fail(ErrHandshakeTimeout) {
				n.logger.Error().Dur("timeout", n.cfg.Timeout).Msg("host did not identify this client in time")
				return ErrHandshakeTimeout
			}
		case msg := <-n.port.Messages():
			n.handle(ctx, msg)
			if n.State() == StateAcknowledged && timeout != nil {
				timer.Stop()
				timeout = nil
			}
		}
	}
}

func (n *Negotiator) handle(ctx context.Context, msg frame.Message) {
	if n.cfg.ExpectedOrigin != "" && !frame.OriginMatches(n.cfg.ExpectedOrigin, msg.Origin) {
		n.logger.Debug().Str("origin", msg.Origin).Msg("ignoring message from unexpected origin")
		return
	}

	var hello session.HandshakeMessage
	if err := json.Unmarshal(msg.Data, &hello); err != nil || hello.SessionID == "" {
		return
	}

	ack, _ := json.Marshal(hello.SessionID)
	if err := n.port.Post(ctx, ack, msg.Origin); err != nil {
		n.logger.Warn().Err(err).Str("session_id", hello.SessionID).Msg("acknowledgement failed")
	} else {
		n.acks.Add(1)
	}

	if !n.state.CompareAndSwap(int32(StateWaiting), int32(StateAcknowledged)) {
		if n.State() == StateAcknowledged && hello.SessionID != n.desc.Identity.SessionID {
			n.logger.Warn().
				Str("session_id", hello.SessionID).
				Str("resolved", n.desc.Identity.SessionID).
				Msg("identity message for another session after resolution")
		}
		return
	}

	n.once.Do(func() {
		n.desc = hello.Descriptor()
		close(n.resolved)
	})
	n.logger.Info().
		Str("session_id", hello.SessionID).
		Str("client_key", hello.ClientKey).
		Str("display_name", hello.DisplayName).
		Msg("registered session")
}

// fail moves a waiting negotiator to FAILED. It reports whether it did.
func (n *Negotiator) fail(err error) bool {
	if !n.state.CompareAndSwap(int32(StateWaiting), int32(StateFailed)) {
		return false
	}
	n.once.Do(func() {
		n.err = err
		close(n.resolved)
	})
	return true
}
