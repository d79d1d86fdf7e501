// Package transport runs the client side of the long-poll loop: send the
// previous response, receive the next request, dispatch it, repeat.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/session"
)

// DefaultRetryDelay is the pause before retrying a failed exchange.
const DefaultRetryDelay = 100 * time.Millisecond

const maxReplyBytes = 8 << 20

// ErrTransportFailure wraps network errors and malformed replies.
var ErrTransportFailure = errors.New("TransportFailure")

// Dispatcher turns a request into a response without failing.
type Dispatcher interface {
	Dispatch(ctx context.Context, req session.PendingRequest) session.PendingResponse
}

// Config tunes a Transport.
type Config struct {
	// Endpoint is the server's poll URL, e.g. http://localhost:8080/api/poll.
	Endpoint   string
	RetryDelay time.Duration
	Clock      clock.Clock
	HTTPClient *http.Client
}

// Stats counts loop activity.
type Stats struct {
	Exchanges  int64
	Failures   int64
	Dispatched int64
}

// Transport is the per-session long-poll loop. Run it once per session.
type Transport struct {
	cfg        Config
	dispatcher Dispatcher
	logger     zerolog.Logger

	exchanges  atomic.Int64
	failures   atomic.Int64
	dispatched atomic.Int64
}

// New returns a transport posting to cfg.Endpoint.
func New(cfg Config, dispatcher Dispatcher, logger zerolog.Logger) *Transport {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Transport{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "transport").Logger(),
	}
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Exchanges:  t.exchanges.Load(),
		Failures:   t.failures.Load(),
		Dispatched: t.dispatched.Load(),
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Failures in
// a cycle never end the loop: the exchange is retried after RetryDelay
// with an error marker in place of the lost response.
func (t *Transport) Run(ctx context.Context, sc *session.Context) error {
	if sc == nil || sc.Descriptor == nil {
		return errors.New("transport started without a session")
	}
	id := sc.Identity()
	log := t.logger.With().Str("session_id", id.SessionID).Str("client_key", id.ClientKey).Logger()

	env := session.PollEnvelope{SessionID: id.SessionID, ClientKey: id.ClientKey, Register: true}
	log.Info().Str("endpoint", t.cfg.Endpoint).Msg("long-poll loop started")

	for {
		req, err := t.exchange(ctx, env)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("long-poll loop stopped")
				return ctx.Err()
			}
			t.failures.Add(1)
			log.Warn().Err(err).Dur("retry_in", t.cfg.RetryDelay).Msg("poll failed")

			lost := ""
			if env.Response != nil {
				lost = env.Response.RequestID
			}
			marker := session.ErrorResponse(lost, err.Error())
			env = session.PollEnvelope{SessionID: id.SessionID, ClientKey: id.ClientKey, Response: &marker}

			select {
			case <-ctx.Done():
				log.Info().Msg("long-poll loop stopped")
				return ctx.Err()
			case <-t.cfg.Clock.After(t.cfg.RetryDelay):
			}
			continue
		}

		env = session.PollEnvelope{SessionID: id.SessionID, ClientKey: id.ClientKey}
		if req.IsTimeout() {
			continue
		}

		resp := t.dispatcher.Dispatch(ctx, req)
		t.dispatched.Add(1)
		if resp.Failed() {
			log.Warn().Str("operation", req.Operation).Str("error", resp.Error).Msg("request answered with error")
		}
		env.Response = &resp
	}
}

func (t *Transport) exchange(ctx context.Context, env session.PollEnvelope) (session.PendingRequest, error) {
	t.exchanges.Add(1)

	body, err := json.Marshal(env)
	if err != nil {
		return session.PendingRequest{}, fmt.Errorf("%w: encode poll: %v", ErrTransportFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return session.PendingRequest{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := t.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return session.PendingRequest{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return session.PendingRequest{}, fmt.Errorf("%w: read reply: %v", ErrTransportFailure, err)
	}
	if res.StatusCode != http.StatusOK {
		return session.PendingRequest{}, fmt.Errorf("%w: status %d: %s", ErrTransportFailure, res.StatusCode, bytes.TrimSpace(raw))
	}

	var req session.PendingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return session.PendingRequest{}, fmt.Errorf("%w: malformed reply: %v", ErrTransportFailure, err)
	}
	if req.Operation == "" {
		return session.PendingRequest{}, fmt.Errorf("%w: reply without operation", ErrTransportFailure)
	}
	return req, nil
}
