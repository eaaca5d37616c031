package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/activity"
	"github.com/BlackStone8960/codequest-backend/internal/auth"
	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/github"
	"github.com/BlackStone8960/codequest-backend/internal/httpmw"
	"github.com/BlackStone8960/codequest-backend/internal/httpx"
	"github.com/BlackStone8960/codequest-backend/internal/metrics"
	"github.com/BlackStone8960/codequest-backend/internal/player"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/storage/sqlite"
	"github.com/BlackStone8960/codequest-backend/internal/task"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

type Options struct {
	Config *config.Config
	Store  storage.Store
	Logger *log.Logger

	// Events defaults to an in-memory log.
	Events telemetry.Repository
	// GitHubHTTPClient overrides the client used for the GitHub API and the
	// OAuth token exchange.
	GitHubHTTPClient *http.Client
	Now              func() time.Time
}

// OpenStore opens the backend selected by cfg.Storage.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite", "":
		return sqlite.Open(cfg.DatabasePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func NewHandler(opts Options) (http.Handler, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = telemetry.NewMemoryRepository().WithClock(opts.Now)
	}
	cfg := opts.Config
	game := cfg.Game
	if game == nil {
		game = config.DefaultGame()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.MethodNotAllowed(w, http.MethodGet)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"service": "codequest",
			"time":    opts.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.MethodNotAllowed(w, http.MethodGet)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.Store.Ping(ctx); err != nil {
			opts.Logger.Printf("[ready] storage ping failed: %v", err)
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":    false,
				"error": "storage unavailable",
			})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"service": "codequest",
			"time":    opts.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", metrics.Handler())

	gh := github.NewClient(github.Options{
		BaseURL:           cfg.GitHub.APIBaseURL,
		HTTPClient:        opts.GitHubHTTPClient,
		RequestsPerMinute: cfg.GitHub.RequestsPerMinute,
		Now:               opts.Now,
	})

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL, opts.Now)
	if err != nil {
		return nil, err
	}
	githubLogin := auth.NewGitHubLogin(cfg.GitHub, cfg.FrontendURL, gh, opts.GitHubHTTPClient)
	if githubLogin == nil {
		opts.Logger.Printf("[auth] GitHub login disabled: client id, secret or callback URL not set")
	}
	authService := auth.NewService(auth.Options{
		Users:  opts.Store,
		Tokens: tokens,
		Logger: opts.Logger,
		Events: opts.Events,
		Now:    opts.Now,
		BaseHP: game.Player.BaseHP,
		GitHub: githubLogin,
	})
	playerService := player.NewService(opts.Store, opts.Events, game.Leaderboard.Size, opts.Logger)
	playerService.SetClock(opts.Now)
	authHandler := auth.NewHandler(authService).WithRanker(playerService)
	mux.HandleFunc("/api/auth/register", authHandler.Register)
	mux.HandleFunc("/api/auth/login", authHandler.Login)
	mux.HandleFunc("/api/auth/github", authHandler.GitHubStart)
	mux.HandleFunc("/api/auth/github/callback", authHandler.GitHubCallback)
	mux.Handle("/api/auth/me", authService.RequireAPI(http.HandlerFunc(authHandler.Me)))

	taskService := task.NewService(opts.Store, opts.Events, opts.Logger)
	taskService.SetClock(opts.Now)
	taskHandler := task.NewHandler(taskService)
	mux.Handle("/api/tasks", authService.RequireAPI(http.HandlerFunc(taskHandler.TasksRoot)))
	mux.Handle("/api/tasks/", authService.RequireAPI(http.HandlerFunc(taskHandler.TasksSub)))

	activityService := activity.NewService(activity.Options{
		Users:   opts.Store,
		Tasks:   opts.Store,
		Commits: gh,
		Streak:  game.Streak,
		Events:  opts.Events,
		Logger:  opts.Logger,
		Now:     opts.Now,
	})
	activityHandler := activity.NewHandler(activityService)
	mux.Handle("/api/github/token", authService.RequireAPI(http.HandlerFunc(activityHandler.Token)))
	mux.Handle("/api/github/update-streak", authService.RequireAPI(http.HandlerFunc(activityHandler.UpdateStreak)))
	mux.Handle("/api/github/commits", authService.RequireAPI(http.HandlerFunc(activityHandler.Commits)))

	playerHandler := player.NewHandler(playerService)
	mux.Handle("/api/leaderboard", authService.RequireAPI(http.HandlerFunc(playerHandler.Leaderboard)))
	mux.Handle("/api/stats", authService.RequireAPI(http.HandlerFunc(playerHandler.Stats)))

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteErr(w, http.StatusNotFound, "not found")
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 && cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}
	logSecurityHints(opts.Logger, cfg)

	// metrics.Middleware must sit directly on the mux so it sees r.Pattern.
	return httpmw.Chain(
		mux,
		httpmw.WithRequestID,
		httpmw.WithAccessLog(opts.Logger),
		httpmw.WithRecover(opts.Logger),
		httpmw.WithCORS(origins),
		metrics.Middleware,
	), nil
}

func logSecurityHints(logger *log.Logger, cfg *config.Config) {
	if logger == nil || !cfg.IsProduction() {
		return
	}
	for _, o := range cfg.CORSOrigins {
		if o == "*" {
			logger.Printf("[security] CODEQUEST_ENV=%s allows CORS from any origin", cfg.Env)
		}
	}
	if !cfg.GitHub.OAuthEnabled() {
		logger.Printf("[security] CODEQUEST_ENV=%s without GitHub OAuth; only password login is available", cfg.Env)
	}
}
