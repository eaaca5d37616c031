package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration. It is built once in main and passed
// explicitly to every collaborator that needs a secret or an endpoint.
type Config struct {
	Addr           string        `env:"CODEQUEST_ADDR" envDefault:":5000"`
	Env            string        `env:"CODEQUEST_ENV" envDefault:"development"`
	DataDir        string        `env:"CODEQUEST_DATA_DIR" envDefault:"data"`
	Storage        string        `env:"CODEQUEST_STORAGE" envDefault:"sqlite"`
	DatabasePath   string        `env:"CODEQUEST_DATABASE_PATH"`
	GameConfigPath string        `env:"CODEQUEST_GAME_CONFIG" envDefault:"codequest.yml"`
	JWTSecret      string        `env:"CODEQUEST_JWT_SECRET"`
	TokenTTL       time.Duration `env:"CODEQUEST_TOKEN_TTL" envDefault:"168h"`
	FrontendURL    string        `env:"CODEQUEST_FRONTEND_URL" envDefault:"http://localhost:3000"`
	CORSOrigins    []string      `env:"CODEQUEST_CORS_ORIGINS" envSeparator:","`
	GitHub         GitHub        `envPrefix:"CODEQUEST_GITHUB_"`

	Game *Game `env:"-"`
}

type GitHub struct {
	ClientID          string   `env:"CLIENT_ID"`
	ClientSecret      string   `env:"CLIENT_SECRET"`
	CallbackURL       string   `env:"CALLBACK_URL"`
	Scopes            []string `env:"SCOPES" envSeparator:"," envDefault:"read:user,user:email"`
	APIBaseURL        string   `env:"API_URL" envDefault:"https://api.github.com"`
	AuthURL           string   `env:"AUTH_URL"`
	TokenURL          string   `env:"TOKEN_URL"`
	RequestsPerMinute int      `env:"REQUESTS_PER_MINUTE" envDefault:"30"`
}

// OAuthEnabled reports whether the GitHub login flow can be offered.
func (g GitHub) OAuthEnabled() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.CallbackURL != ""
}

func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// FromEnv parses the process environment and loads the game file it names.
func FromEnv() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	game, err := LoadGame(c.GameConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load game config: %w", err)
	}
	c.Game = game
	return &c, nil
}

func (c *Config) finish() error {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	switch c.Storage {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("CODEQUEST_STORAGE must be sqlite or memory, got %q", c.Storage)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "codequest.db")
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 7 * 24 * time.Hour
	}
	if c.GitHub.RequestsPerMinute <= 0 {
		c.GitHub.RequestsPerMinute = 30
	}
	c.CORSOrigins = trimCSV(c.CORSOrigins)
	c.GitHub.Scopes = trimCSV(c.GitHub.Scopes)

	if strings.TrimSpace(c.JWTSecret) == "" {
		if c.IsProduction() {
			return fmt.Errorf("CODEQUEST_JWT_SECRET is required when CODEQUEST_ENV=%s", c.Env)
		}
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		c.JWTSecret = secret
	}
	return nil
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func randomSecret() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
