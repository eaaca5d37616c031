package player

import (
	"net/http"
	"strconv"
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

// GET /api/leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	board, err := h.service.Leaderboard(r.Context(), u.ID)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, board)
}

// GET /api/stats?days=N
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteErr(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	stats, err := h.service.Stats(u.ID, days)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}
