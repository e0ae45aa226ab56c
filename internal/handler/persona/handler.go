package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/clawstream/backend/internal/model/persona"
	"github.com/zhouzirui/clawstream/backend/pkg/utils"
)

// Handler 旁白人设的HTTP处理器
type Handler struct {
	personas persona.Store
	active   string
}

// New 创建persona处理器。active 为当前用于帧描述的人设ID，可为空。
func New(personas persona.Store, active string) *Handler {
	return &Handler{
		personas: personas,
		active:   active,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleList)
	r.Get("/personas/{id}", h.handleGet)
}

type listResponse struct {
	Active   string            `json:"active"`
	Personas []persona.Persona `json:"personas"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	active := h.active
	if p, ok := h.personas.FindByID(active); ok {
		active = p.ID
	} else {
		active = h.personas.Default().ID
	}
	utils.RespondJSON(w, http.StatusOK, listResponse{
		Active:   active,
		Personas: h.personas.List(),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.personas.FindByID(chi.URLParam(r, "id"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}
