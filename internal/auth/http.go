package auth

import (
	"context"
	"net/http"

	"github.com/BlackStone8960/codequest-backend/internal/httpx"
	"github.com/BlackStone8960/codequest-backend/internal/model"
)

// Ranker resolves a user's live leaderboard position.
type Ranker interface {
	RankOf(ctx context.Context, userID string) (int, error)
}

type Handler struct {
	service *Service
	ranker  Ranker
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithRanker makes login and /me report the live rank instead of the stored one.
func (h *Handler) WithRanker(r Ranker) *Handler {
	h.ranker = r
	return h
}

func (h *Handler) fillRank(ctx context.Context, u *model.User) {
	if h.ranker == nil {
		return
	}
	rank, err := h.ranker.RankOf(ctx, u.ID)
	if err != nil {
		h.service.logger.Printf("[auth] rank lookup for %s failed: %v", u.ID, err)
		return
	}
	u.Rank = rank
}

// POST /api/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var in Registration
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	sess, err := h.service.Register(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sess)
}

// POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var in Credentials
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	sess, err := h.service.Login(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	h.fillRank(r.Context(), &sess.User)
	httpx.WriteJSON(w, http.StatusOK, sess)
}

// GET /api/auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := UserFromContext(r.Context())
	if !ok {
		httpx.WriteErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.fillRank(r.Context(), &u)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": u})
}

// GET /api/auth/github
func (h *Handler) GitHubStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	target, nonce, err := h.service.GitHubAuthURL()
	if err != nil {
		httpx.WriteError(w, h.service.logger, err)
		return
	}
	http.SetCookie(w, h.service.github.nonceCookie(nonce))
	http.Redirect(w, r, target, http.StatusFound)
}

// GET /api/auth/github/callback
func (h *Handler) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if h.service.github == nil {
		httpx.WriteError(w, h.service.logger, ErrGitHubDisabled)
		return
	}
	var nonce string
	if c, err := r.Cookie(oauthNonceCookie); err == nil {
		nonce = c.Value
	}
	http.SetCookie(w, h.service.github.nonceCookie(""))

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		h.service.logger.Printf("[auth] github denied authorization: %s", errParam)
		http.Redirect(w, r, h.service.github.callbackRedirect("", ErrInvalidCredentials), http.StatusFound)
		return
	}
	sess, err := h.service.CompleteGitHub(r.Context(), q.Get("code"), q.Get("state"), nonce)
	if err != nil {
		h.service.logger.Printf("[auth] github callback failed: %v", err)
		http.Redirect(w, r, h.service.github.callbackRedirect("", err), http.StatusFound)
		return
	}
	http.Redirect(w, r, h.service.github.callbackRedirect(sess.Token, nil), http.StatusFound)
}
