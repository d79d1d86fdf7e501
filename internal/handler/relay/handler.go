package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/framebridge/internal/frame"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	// 每个连接每秒可转发的消息数，超出即丢弃。
	postsPerSecond = 50
	postBurst      = 100
)

// Handler 帧通道中继的WebSocket处理器
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New 创建中继处理器；allowedOrigins 为空或包含 "*" 时不限制来源。
func New(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == frame.AnyOrigin {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// RegisterRoutes 注册中继路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/frames/{frameID}", h.handleWebSocket)
}

// handleWebSocket 把一端发来的信封转发给同一帧的另一端
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	frameID := chi.URLParam(r, "frameID")
	role := Role(r.URL.Query().Get("role"))
	if !role.valid() {
		http.Error(w, "role must be host or client", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("frame_id", frameID).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	self := &peer{
		conn:    conn,
		origin:  r.Header.Get("Origin"),
		limiter: rate.NewLimiter(rate.Limit(postsPerSecond), postBurst),
	}
	h.hub.attach(frameID, role, self)
	defer h.hub.detach(frameID, role, self)

	log := h.logger.With().Str("frame_id", frameID).Str("role", string(role)).Str("origin", self.origin).Logger()
	log.Info().Msg("frame side connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, self)

	for {
		var env frame.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("read failed")
			}
			log.Info().Msg("frame side disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !self.limiter.Allow() {
			log.Warn().Msg("post rate exceeded, dropping message")
			continue
		}
		h.forward(log, frameID, role.opposite(), self, env)
	}
}

func (h *Handler) forward(log zerolog.Logger, frameID string, to Role, from *peer, env frame.Envelope) {
	target, ok := h.hub.peer(frameID, to)
	if !ok {
		log.Debug().Msg("no peer connected, dropping message")
		return
	}
	if !frame.OriginMatches(env.TargetOrigin, target.origin) {
		log.Debug().Str("target_origin", env.TargetOrigin).Str("peer_origin", target.origin).Msg("origin mismatch, dropping message")
		return
	}
	if err := target.write(frame.Envelope{Origin: from.origin, Data: env.Data}); err != nil {
		log.Warn().Err(err).Msg("forward failed")
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, p *peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}
