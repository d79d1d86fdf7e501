package polling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/model/workflow"
	pollingService "github.com/zhouzirui/framebridge/internal/service/polling"
	"github.com/zhouzirui/framebridge/pkg/utils"
)

// DefaultSendTimeout 是服务端等待客户端应答的默认上限。
const DefaultSendTimeout = 30 * time.Second

// Handler 长轮询与会话请求的HTTP处理器
type Handler struct {
	broker      *pollingService.Broker
	workflows   workflow.Store
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// New 创建长轮询处理器
func New(broker *pollingService.Broker, workflows workflow.Store, sendTimeout time.Duration, logger zerolog.Logger) *Handler {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Handler{
		broker:      broker,
		workflows:   workflows,
		sendTimeout: sendTimeout,
		logger:      logger.With().Str("component", "polling_handler").Logger(),
	}
}

// RegisterRoutes 注册长轮询相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/poll", h.handlePoll)
	r.Get("/sessions", h.handleListClients)
	r.Post("/sessions/{sessionID}/requests", h.handleSend)
	r.Get("/sessions/{sessionID}/workflow", h.handleWorkflow)
}

// handlePoll 接收上一轮应答并返回下一条请求
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var env session.PollEnvelope
	if err := utils.DecodeJSON(r, &env); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.broker.HandlePoll(r.Context(), env)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, req)
	case errors.Is(err, pollingService.ErrMissingIdentity):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		h.logger.Debug().Str("session_id", env.SessionID).Msg("poller went away")
	default:
		h.logger.Error().Err(err).Str("session_id", env.SessionID).Msg("poll failed")
		utils.RespondError(w, http.StatusInternalServerError, "poll failed")
	}
}

// handleListClients 列出已注册的客户端
func (h *Handler) handleListClients(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.broker.Clients())
}

type sendRequest struct {
	Operation  string          `json:"operation"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// handleSend 向会话的当前客户端发送一条请求并等待应答
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload sendRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Operation == "" {
		utils.RespondError(w, http.StatusBadRequest, "operation is required")
		return
	}

	resp, ok := h.send(w, r, sessionID, payload.Operation, payload.Parameters)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

type workflowResponse struct {
	Workflow  json.RawMessage `json:"workflow"`
	IsDefault bool            `json:"isDefault"`
}

// handleWorkflow 读取客户端当前工作流，并判断是否仍为默认工作流
func (h *Handler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	resp, ok := h.send(w, r, sessionID, "serialize_graph", nil)
	if !ok {
		return
	}
	if resp.Failed() {
		utils.RespondError(w, http.StatusBadGateway, resp.Error)
		return
	}

	utils.RespondJSON(w, http.StatusOK, workflowResponse{
		Workflow:  resp.Payload,
		IsDefault: h.isDefault(sessionID, resp.Payload),
	})
}

func (h *Handler) isDefault(sessionID string, raw json.RawMessage) bool {
	t, ok := h.workflows.FindByID(sessionID)
	if !ok {
		return false
	}
	def, err := t.ResolveDefaultGraph(graph.FromHostType, graph.ToHostType)
	if err != nil || def == nil {
		return false
	}
	current, err := graph.Parse(raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("client returned an invalid workflow")
		return false
	}
	return graph.IsEquivalent(current, def)
}

// send 调用代理并把失败映射为HTTP状态码；返回 false 时已写出响应。
func (h *Handler) send(w http.ResponseWriter, r *http.Request, sessionID, operation string, params json.RawMessage) (session.PendingResponse, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.sendTimeout)
	defer cancel()

	resp, err := h.broker.Send(ctx, sessionID, operation, params)
	switch {
	case err == nil:
		return resp, true
	case errors.Is(err, pollingService.ErrNoClient):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pollingService.ErrClientGone):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, "client did not answer in time")
	case errors.Is(err, context.Canceled):
		h.logger.Debug().Str("session_id", sessionID).Str("operation", operation).Msg("caller went away")
	default:
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("send failed")
		utils.RespondError(w, http.StatusInternalServerError, "send failed")
	}
	return session.PendingResponse{}, false
}
