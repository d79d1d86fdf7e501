// Package polling is the server side of the long-poll loop. Clients park in
// HandlePoll; senders hand them one request at a time and wait for the
// matching response.
package polling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/session"
)

// DefaultWaitBudget is how long a poll is held before answering __timeout__.
const DefaultWaitBudget = 500 * time.Millisecond

// Error descriptions delivered to a waiting sender when the client goes away.
const (
	reasonReregistered = "ClientReregistered"
	reasonPruned       = "ClientGone"
)

var (
	ErrMissingIdentity = errors.New("sessionId and clientKey are required")
	ErrNoClient        = errors.New("no client registered for session")
	ErrClientGone      = errors.New("client left before answering")
)

// Config tunes a Broker.
type Config struct {
	WaitBudget time.Duration
	Clock      clock.Clock
	Metrics    *Metrics
}

// ClientInfo describes one registered client.
type ClientInfo struct {
	SessionID    string    `json:"sessionId"`
	ClientKey    string    `json:"clientKey"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
	Focused      bool      `json:"focused"`
	Busy         bool      `json:"busy"`
}

type clientID struct {
	sessionID string
	clientKey string
}

type client struct {
	id           clientID
	registeredAt time.Time
	lastSeen     time.Time

	// wake nudges a parked poll when a request is queued.
	wake chan struct{}
	// sendSlot admits one sender at a time.
	sendSlot chan struct{}

	mu          sync.Mutex
	outstanding string
	waiter      chan session.PendingResponse
	// queued is the outstanding request until a poll hands it out.
	queued    *session.PendingRequest
	handedOut bool
}

func newClient(id clientID, now time.Time) *client {
	return &client{
		id:           id,
		registeredAt: now,
		lastSeen:     now,
		wake:         make(chan struct{}, 1),
		sendSlot:     make(chan struct{}, 1),
	}
}

// abandon fails the outstanding request, if any, with reason.
func (c *client) abandon(reason string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.outstanding
	if id != "" && c.waiter != nil {
		c.waiter <- session.ErrorResponse(id, reason)
	}
	c.clearLocked()
	return id
}

// take hands out the queued request, if any. Once handed out it is never
// handed out again.
func (c *client) take() (session.PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued == nil {
		return session.PendingRequest{}, false
	}
	req := *c.queued
	c.queued, c.handedOut = nil, true
	return req, true
}

func (c *client) clearLocked() {
	c.outstanding, c.waiter = "", nil
	c.queued, c.handedOut = nil, false
}

// Broker routes requests to polling clients. The zero value is not usable;
// call NewBroker.
type Broker struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[clientID]*client
	focused map[string]clientID

	events *eventHub
}

// NewBroker returns an empty broker.
func NewBroker(cfg Config, logger zerolog.Logger) *Broker {
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = DefaultWaitBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger.With().Str("component", "broker").Logger(),
		clients: make(map[clientID]*client),
		focused: make(map[string]clientID),
		events:  newEventHub(),
	}
}

// HandlePoll accepts one poll envelope and returns the next request for the
// client, or the timeout request once the wait budget is spent.
func (b *Broker) HandlePoll(ctx context.Context, env session.PollEnvelope) (session.PendingRequest, error) {
	if env.SessionID == "" || env.ClientKey == "" {
		return session.PendingRequest{}, ErrMissingIdentity
	}

	c := b.touch(clientID{env.SessionID, env.ClientKey}, env.Register)

	if env.Response != nil {
		b.deliver(c, *env.Response)
	}

	wait := b.cfg.Clock.Timer(b.cfg.WaitBudget)
	defer wait.Stop()

	for {
		// A poll whose caller is gone must not swallow the request.
		if ctx.Err() == nil {
			if req, ok := c.take(); ok {
				b.cfg.Metrics.poll("request")
				return req, nil
			}
		}
		select {
		case <-c.wake:
		case <-wait.C:
			b.cfg.Metrics.poll("timeout")
			return session.TimeoutRequest(), nil
		case <-ctx.Done():
			b.cfg.Metrics.poll("abandoned")
			return session.PendingRequest{}, ctx.Err()
		}
	}
}

// touch registers the client on first contact or explicit register and
// refreshes its last-seen time.
func (b *Broker) touch(id clientID, register bool) *client {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	c, known := b.clients[id]
	if !known {
		c = newClient(id, now)
		b.clients[id] = c
	}
	c.lastSeen = now
	if register || !known {
		c.registeredAt = now
		b.focused[id.sessionID] = id
	}
	b.cfg.Metrics.setClients(len(b.clients))
	b.mu.Unlock()

	if register || !known {
		if known {
			if lost := c.abandon(reasonReregistered); lost != "" {
				b.logger.Warn().Str("session_id", id.sessionID).Str("request_id", lost).Msg("client re-registered with a request outstanding")
			}
		}
		b.logger.Info().Str("session_id", id.sessionID).Str("client_key", id.clientKey).Msg("client registered")
		b.events.publish(Event{Type: EventRegistered, SessionID: id.sessionID, ClientKey: id.clientKey, At: now})
	}
	return c
}

// deliver hands resp to the waiting sender when it answers the outstanding
// request. Nothing answers a request no poll has handed out yet. Once it is
// handed out, a payload must carry its id, while any error marker fails it:
// a marker with another id means the reply carrying the request was lost.
func (b *Broker) deliver(c *client, resp session.PendingResponse) {
	log := b.logger.With().
		Str("session_id", c.id.sessionID).
		Str("client_key", c.id.clientKey).
		Str("request_id", resp.RequestID).
		Logger()

	if resp.Failed() {
		log.Warn().Str("error", resp.Error).Msg("client reported an error")
		b.events.publish(Event{
			Type: EventClientError, SessionID: c.id.sessionID, ClientKey: c.id.clientKey,
			RequestID: resp.RequestID, Error: resp.Error, At: b.cfg.Clock.Now(),
		})
	}

	c.mu.Lock()
	switch {
	case c.outstanding == "":
		c.mu.Unlock()
		log.Debug().Msg("dropping response with no request outstanding")
		b.cfg.Metrics.response("dropped")
		return
	case !c.handedOut:
		c.mu.Unlock()
		log.Debug().Str("outstanding", c.outstanding).Msg("dropping response, outstanding request not handed out yet")
		b.cfg.Metrics.response("dropped")
		return
	case resp.Failed():
		if resp.RequestID != c.outstanding {
			log.Warn().Str("outstanding", c.outstanding).Msg("client never received the outstanding request")
			resp.RequestID = c.outstanding
		}
	case resp.RequestID != c.outstanding:
		c.mu.Unlock()
		log.Warn().Str("outstanding", c.outstanding).Msg("dropping stale response")
		b.cfg.Metrics.response("dropped")
		return
	}
	c.waiter <- resp
	c.clearLocked()
	c.mu.Unlock()

	if resp.Failed() {
		b.cfg.Metrics.response("error")
	} else {
		b.cfg.Metrics.response("payload")
	}

	b.events.publish(Event{
		Type: EventResponse, SessionID: c.id.sessionID, ClientKey: c.id.clientKey,
		RequestID: resp.RequestID, Error: resp.Error, At: b.cfg.Clock.Now(),
	})
}

// Send issues operation to the focused client of sessionID and waits for its
// response. Concurrent sends to the same client are serialized.
func (b *Broker) Send(ctx context.Context, sessionID, operation string, parameters json.RawMessage) (session.PendingResponse, error) {
	c, err := b.focusedClient(sessionID)
	if err != nil {
		return session.PendingResponse{}, err
	}

	select {
	case c.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return session.PendingResponse{}, ctx.Err()
	}
	defer func() { <-c.sendSlot }()

	req := session.PendingRequest{RequestID: uuid.NewString(), Operation: operation, Parameters: parameters}
	waiter := make(chan session.PendingResponse, 1)

	c.mu.Lock()
	c.outstanding, c.waiter = req.RequestID, waiter
	c.queued, c.handedOut = &req, false
	c.mu.Unlock()
	defer b.withdraw(c, req.RequestID)

	b.logger.Debug().Str("session_id", sessionID).Str("operation", operation).Str("request_id", req.RequestID).Msg("request queued")
	b.events.publish(Event{
		Type: EventRequest, SessionID: c.id.sessionID, ClientKey: c.id.clientKey,
		RequestID: req.RequestID, Operation: operation, At: b.cfg.Clock.Now(),
	})

	b.cfg.Metrics.request(operation)
	select {
	case c.wake <- struct{}{}:
	default:
	}

	select {
	case resp := <-waiter:
		switch resp.Error {
		case reasonReregistered, reasonPruned:
			return resp, fmt.Errorf("%w: %s", ErrClientGone, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return session.PendingResponse{}, ctx.Err()
	}
}

// withdraw clears requestID if it is still outstanding, including a queued
// copy no poll has taken.
func (b *Broker) withdraw(c *client, requestID string) {
	c.mu.Lock()
	if c.outstanding == requestID {
		c.clearLocked()
	}
	c.mu.Unlock()
}

func (b *Broker) focusedClient(sessionID string) (*client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.focused[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, sessionID)
	}
	c, ok := b.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, sessionID)
	}
	return c, nil
}

// Clients lists registered clients ordered by session and key.
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	out := make([]ClientInfo, 0, len(b.clients))
	for id, c := range b.clients {
		c.mu.Lock()
		busy := c.outstanding != ""
		c.mu.Unlock()
		out = append(out, ClientInfo{
			SessionID:    id.sessionID,
			ClientKey:    id.clientKey,
			RegisteredAt: c.registeredAt,
			LastSeen:     c.lastSeen,
			Focused:      b.focused[id.sessionID] == id,
			Busy:         busy,
		})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ClientKey < out[j].ClientKey
	})
	return out
}

// Prune drops clients not seen within olderThan and returns how many went.
func (b *Broker) Prune(olderThan time.Duration) int {
	now := b.cfg.Clock.Now()
	cutoff := now.Add(-olderThan)

	var gone []*client
	orphaned := make(map[string]bool)
	b.mu.Lock()
	for id, c := range b.clients {
		if c.lastSeen.Before(cutoff) {
			gone = append(gone, c)
			delete(b.clients, id)
			if b.focused[id.sessionID] == id {
				delete(b.focused, id.sessionID)
				orphaned[id.sessionID] = true
			}
		}
	}
	// Focus moves to the most recently registered survivor.
	for id, c := range b.clients {
		if !orphaned[id.sessionID] {
			continue
		}
		cur, ok := b.focused[id.sessionID]
		if !ok || c.registeredAt.After(b.clients[cur].registeredAt) {
			b.focused[id.sessionID] = id
		}
	}
	b.cfg.Metrics.setClients(len(b.clients))
	b.mu.Unlock()

	for _, c := range gone {
		c.abandon(reasonPruned)
		b.logger.Info().Str("session_id", c.id.sessionID).Str("client_key", c.id.clientKey).Msg("pruned idle client")
		b.events.publish(Event{Type: EventPruned, SessionID: c.id.sessionID, ClientKey: c.id.clientKey, At: now})
	}
	return len(gone)
}

// RunJanitor prunes clients idle for longer than ttl every interval until
// ctx ends.
func (b *Broker) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := b.cfg.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Prune(ttl)
		}
	}
}

// Subscribe streams broker events until cancel is called. Slow subscribers
// miss events rather than block the broker.
func (b *Broker) Subscribe() (events <-chan Event, cancel func()) {
	return b.events.subscribe()
}
