package events

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	pollingService "github.com/zhouzirui/framebridge/internal/service/polling"
	"github.com/zhouzirui/framebridge/pkg/utils"
)

// DefaultHeartbeat 是无事件时发送保活注释的间隔。
const DefaultHeartbeat = 15 * time.Second

// Source 提供代理事件订阅。
type Source interface {
	Subscribe() (<-chan pollingService.Event, func())
}

// Handler 以 Server-Sent Events 推送代理活动
type Handler struct {
	source    Source
	heartbeat time.Duration
	logger    zerolog.Logger
}

// New 创建事件流处理器
func New(source Source, heartbeat time.Duration, logger zerolog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		source:    source,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "events").Logger(),
	}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleStream)
}

// handleStream 推送事件直到客户端断开，可用 ?session= 过滤
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sessionFilter := r.URL.Query().Get("session")

	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEChunk(w, flusher, map[string]string{"event": "status", "message": "stream established"}); err != nil {
		return
	}

	ctx := r.Context()
	h.logger.Debug().Str("session", sessionFilter).Msg("event stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug().Str("session", sessionFilter).Msg("event stream closed")
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if sessionFilter != "" && e.SessionID != sessionFilter {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(e.Type), e); err != nil {
				h.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}
