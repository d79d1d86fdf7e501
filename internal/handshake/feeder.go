package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/model/session"
)

// DefaultFeedInterval is the delay between repeated identity posts.
const DefaultFeedInterval = 200 * time.Millisecond

// Target is one client frame to identify.
type Target struct {
	Port         frame.Port
	TargetOrigin string
	Message      session.HandshakeMessage
}

// Feeder runs in the host context and pushes identity messages into client
// frames until each one acknowledges.
type Feeder struct {
	interval time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewFeeder builds a feeder. A nil clock uses wall time.
func NewFeeder(interval time.Duration, clk clock.Clock, logger zerolog.Logger) *Feeder {
	if interval <= 0 {
		interval = DefaultFeedInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Feeder{
		interval: interval,
		clock:    clk,
		logger:   logger.With().Str("component", "feeder").Logger(),
	}
}

// Feed posts target's message every interval until the frame echoes the
// session id back.
func (f *Feeder) Feed(ctx context.Context, target Target) error {
	data, err := json.Marshal(target.Message)
	if err != nil {
		return fmt.Errorf("encode identity message: %w", err)
	}

	ticker := f.clock.Ticker(f.interval)
	defer ticker.Stop()

	log := f.logger.With().Str("session_id", target.Message.SessionID).Logger()
	attempts := 0
	post := func() {
		attempts++
		if err := target.Port.Post(ctx, data, target.TargetOrigin); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Int("attempt", attempts).Msg("identity post failed")
		}
	}

	post()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-target.Port.Done():
			return frame.ErrClosed
		case msg := <-target.Port.Messages():
			if isAck(msg, target) {
				log.Info().Int("attempts", attempts).Msg("client frame acknowledged")
				return nil
			}
		case <-ticker.C:
			post()
		}
	}
}

// FeedAll feeds every target concurrently and joins their errors.
func (f *Feeder) FeedAll(ctx context.Context, targets []Target) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			if err := f.Feed(ctx, target); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("feed %s: %w", target.Message.SessionID, err))
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func isAck(msg frame.Message, target Target) bool {
	if target.TargetOrigin != "" && !frame.OriginMatches(target.TargetOrigin, msg.Origin) {
		return false
	}
	var echoed string
	if err := json.Unmarshal(msg.Data, &echoed); err != nil {
		return false
	}
	return echoed == target.Message.SessionID
}
