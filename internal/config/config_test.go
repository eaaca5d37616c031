package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackStone8960/codequest-backend/internal/streak"
)

func TestLoadGame_MissingFileYieldsDefaults(t *testing.T) {
	g, err := LoadGame(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)

	assert.Equal(t, 100, g.Player.BaseHP)
	assert.Equal(t, streak.PolicyTodayOrYesterday, g.Streak.StreakPolicy())
	assert.Equal(t, 365, g.Streak.WindowDays)
	assert.True(t, g.Streak.CountsTaskCompletions())
	assert.Equal(t, 10, g.Leaderboard.Size)
}

func TestLoadGame_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codequest.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2"
player:
  base_hp: 80
streak:
  policy: today_only
  window_days: 90
  include_task_completions: false
leaderboard:
  size: 500
`), 0o644))

	g, err := LoadGame(path)
	require.NoError(t, err)

	assert.Equal(t, "2", g.Version)
	assert.Equal(t, 80, g.Player.BaseHP)
	assert.Equal(t, streak.PolicyTodayOnly, g.Streak.StreakPolicy())
	assert.Equal(t, 90, g.Streak.WindowDays)
	assert.False(t, g.Streak.CountsTaskCompletions())
	assert.Equal(t, 100, g.Leaderboard.Size, "leaderboard size is capped")
}

func TestLoadGame_RejectsUnknownPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codequest.yml")
	require.NoError(t, os.WriteFile(path, []byte("streak:\n  policy: weekly\n"), 0o644))

	_, err := LoadGame(path)
	assert.ErrorContains(t, err, "streak.policy")
}

func TestFromEnv_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEQUEST_DATA_DIR", dir)
	t.Setenv("CODEQUEST_GAME_CONFIG", filepath.Join(dir, "missing.yml"))

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Equal(t, filepath.Join(dir, "codequest.db"), cfg.DatabasePath)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL)
	assert.NotEmpty(t, cfg.JWTSecret, "development generates an ephemeral secret")
	assert.Equal(t, []string{"read:user", "user:email"}, cfg.GitHub.Scopes)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIBaseURL)
	assert.False(t, cfg.GitHub.OAuthEnabled())
	require.NotNil(t, cfg.Game)
}

func TestFromEnv_Overrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEQUEST_GAME_CONFIG", filepath.Join(dir, "missing.yml"))
	t.Setenv("CODEQUEST_STORAGE", "Memory")
	t.Setenv("CODEQUEST_JWT_SECRET", "s3cret")
	t.Setenv("CODEQUEST_TOKEN_TTL", "24h")
	t.Setenv("CODEQUEST_GITHUB_CLIENT_ID", "cid")
	t.Setenv("CODEQUEST_GITHUB_CLIENT_SECRET", "csecret")
	t.Setenv("CODEQUEST_GITHUB_CALLBACK_URL", "http://localhost:5000/api/auth/github/callback")
	t.Setenv("CODEQUEST_CORS_ORIGINS", "http://a.test, ,http://b.test")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.True(t, cfg.GitHub.OAuthEnabled())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestFromEnv_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("CODEQUEST_ENV", "production")
	t.Setenv("CODEQUEST_JWT_SECRET", "")
	t.Setenv("CODEQUEST_GAME_CONFIG", filepath.Join(t.TempDir(), "missing.yml"))

	_, err := FromEnv()
	assert.ErrorContains(t, err, "CODEQUEST_JWT_SECRET")
}

func TestFromEnv_RejectsUnknownStorage(t *testing.T) {
	t.Setenv("CODEQUEST_STORAGE", "mongo")
	t.Setenv("CODEQUEST_GAME_CONFIG", filepath.Join(t.TempDir(), "missing.yml"))

	_, err := FromEnv()
	assert.Error(t, err)
}
