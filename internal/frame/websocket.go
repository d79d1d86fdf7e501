package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout  = 10 * time.Second
	inboundBuffer = 64
)

// WSPort is a Port backed by a websocket connection to the frame relay.
type WSPort struct {
	conn   *websocket.Conn
	origin string
	logger zerolog.Logger

	in      chan Message
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

// Relay roles a side announces when it connects.
const (
	HostRole   = "host"
	ClientRole = "client"
)

// RelayURL is the relay endpoint for one side of frameID under base.
func RelayURL(base, frameID, role string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(frameID) + "?role=" + url.QueryEscape(role)
}

// Dial connects to the relay at endpoint announcing origin as this side's origin.
func Dial(ctx context.Context, endpoint, origin string, logger zerolog.Logger) (*WSPort, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("frame relay dial failed: %w", err)
	}

	return NewWSPort(conn, origin, logger), nil
}

// NewWSPort wraps an established connection and starts reading from it.
func NewWSPort(conn *websocket.Conn, origin string, logger zerolog.Logger) *WSPort {
	p := &WSPort{
		conn:   conn,
		origin: origin,
		logger: logger.With().Str("component", "frame").Logger(),
		in:     make(chan Message, inboundBuffer),
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *WSPort) Origin() string { return p.origin }

func (p *WSPort) Messages() <-chan Message { return p.in }

func (p *WSPort) Done() <-chan struct{} { return p.done }

func (p *WSPort) Post(ctx context.Context, data []byte, targetOrigin string) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)

	env := Envelope{TargetOrigin: targetOrigin, Data: json.RawMessage(data)}
	if err := p.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("frame post failed: %w", err)
	}
	return nil
}

func (p *WSPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

func (p *WSPort) readLoop() {
	defer p.Close()

	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("relay read failed")
			}
			return
		}

		msg := Message{Origin: env.Origin, Data: []byte(env.Data)}
		select {
		case p.in <- msg:
		case <-p.done:
			return
		}
	}
}
