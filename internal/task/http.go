package task

import (
	"net/http"
	"strings"

	"github.com/BlackStone8960/codequest-backend/internal/auth"
	"github.com/BlackStone8960/codequest-backend/internal/httpx"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// /api/tasks  (collection)
func (h *Handler) TasksRoot(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		ts, err := h.service.List(r.Context(), u.ID)
		if err != nil {
			httpx.WriteError(w, h.service.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, ts)

	case http.MethodPost:
		var in CreateInput
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.WriteError(w, h.service.logger, err)
			return
		}
		t, err := h.service.Create(r.Context(), u.ID, in)
		if err != nil {
			httpx.WriteError(w, h.service.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, t)

	default:
		httpx.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// /api/tasks/{id}/complete
func (h *Handler) TasksSub(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	parts := strings.Split(tail, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "complete" {
		httpx.WriteErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		httpx.MethodNotAllowed(w, http.MethodPatch)
		return
	}

	res, err := h.service.Complete(r.Context(), parts[0], u.ID)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
