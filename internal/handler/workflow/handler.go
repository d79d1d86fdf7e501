package workflow

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/schema"
	"github.com/zhouzirui/framebridge/internal/model/workflow"
	"github.com/zhouzirui/framebridge/pkg/utils"
)

// Handler 工作流类型的HTTP处理器
type Handler struct {
	types workflow.Store
}

// New 创建工作流类型处理器
func New(types workflow.Store) *Handler {
	return &Handler{
		types: types,
	}
}

// RegisterRoutes 注册工作流类型相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/workflow-types", h.handleListTypes)
	r.Get("/workflow-types/{id}", h.handleGetType)
}

type typeSummary struct {
	ID          string            `json:"id"`
	BaseID      string            `json:"baseId"`
	DisplayName string            `json:"displayName"`
	Tabs        []string          `json:"tabs"`
	Inputs      schema.Descriptor `json:"inputs"`
	Outputs     schema.Descriptor `json:"outputs"`
}

type typeDetail struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"displayName"`
	Inputs          schema.Descriptor `json:"inputs"`
	Outputs         schema.Descriptor `json:"outputs"`
	DefaultWorkflow json.RawMessage   `json:"defaultWorkflow"`
}

// handleListTypes 列出工作流类型，可用 ?tab= 过滤
func (h *Handler) handleListTypes(w http.ResponseWriter, r *http.Request) {
	tabs := r.URL.Query()["tab"]

	var out []typeSummary
	for _, t := range h.types.List(tabs...) {
		for _, id := range t.IDs(tabs...) {
			out = append(out, typeSummary{
				ID:          id,
				BaseID:      t.BaseID,
				DisplayName: t.DisplayName,
				Tabs:        t.Tabs,
				Inputs:      t.InputTypes,
				Outputs:     t.OutputTypes,
			})
		}
	}
	if out == nil {
		out = []typeSummary{}
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleGetType 返回某个带标签页后缀的工作流类型及其默认工作流
func (h *Handler) handleGetType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := h.types.FindByID(id)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, workflow.ErrNotFound.Error())
		return
	}

	def, err := t.ResolveDefaultGraph(graph.FromHostType, graph.ToHostType)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := typeDetail{
		ID:              id,
		DisplayName:     t.DisplayName,
		Inputs:          t.InputTypes,
		Outputs:         t.OutputTypes,
		DefaultWorkflow: json.RawMessage("null"),
	}
	if def != nil {
		raw, err := def.Marshal()
		if err != nil {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		detail.DefaultWorkflow = raw
	}
	utils.RespondJSON(w, http.StatusOK, detail)
}
