package activity

import (
	"net/http"

	"github.com/BlackStone8960/codequest-backend/internal/auth"
	"github.com/BlackStone8960/codequest-backend/internal/httpx"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GET /api/github/token
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := h.service.AccessToken(r.Context(), u.ID)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"githubToken": token})
}

// POST /api/github/update-streak
func (h *Handler) UpdateStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, http.MethodPost)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.service.SyncStreak(r.Context(), u.ID)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// GET /api/github/commits
func (h *Handler) Commits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.service.Commits(r.Context(), u.ID)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
