package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/github"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

const oauthNonceCookie = "codequest_oauth_nonce"

var ErrGitHubDisabled = apperr.New(apperr.KindNotFound, "GitHub login is not configured")

// ProfileFetcher resolves an access token to the GitHub account behind it.
type ProfileFetcher interface {
	Profile(ctx context.Context, accessToken string) (github.Profile, error)
}

// GitHubLogin drives the OAuth authorization-code flow against GitHub.
type GitHubLogin struct {
	oauth        *oauth2.Config
	profiles     ProfileFetcher
	frontendURL  string
	httpClient   *http.Client
	secureCookie bool // callback is served over https
}

// NewGitHubLogin returns nil when the client id, secret or callback URL is
// missing, which disables the GitHub routes.
func NewGitHubLogin(cfg config.GitHub, frontendURL string, profiles ProfileFetcher, httpClient *http.Client) *GitHubLogin {
	if !cfg.OAuthEnabled() || profiles == nil {
		return nil
	}
	endpoint := githuboauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	return &GitHubLogin{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		profiles:     profiles,
		frontendURL:  strings.TrimRight(frontendURL, "/"),
		httpClient:   httpClient,
		secureCookie: strings.HasPrefix(strings.ToLower(cfg.CallbackURL), "https://"),
	}
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// GitHubAuthURL returns the provider URL to send the browser to and the
// nonce the browser must present again on the callback.
func (s *Service) GitHubAuthURL() (target, nonce string, err error) {
	if s.github == nil {
		return "", "", ErrGitHubDisabled
	}
	nonce, err = newNonce()
	if err != nil {
		return "", "", apperr.Internal(fmt.Errorf("generate nonce: %w", err))
	}
	state, err := s.tokens.IssueState(nonce)
	if err != nil {
		return "", "", err
	}
	return s.github.oauth.AuthCodeURL(state), nonce, nil
}

// CompleteGitHub finishes the callback. state must carry the nonce from the
// browser cookie set by GitHubStart; then the code is exchanged, the profile
// loaded, the user upserted and an API token issued.
func (s *Service) CompleteGitHub(ctx context.Context, code, state, nonce string) (Session, error) {
	if s.github == nil {
		return Session{}, ErrGitHubDisabled
	}
	if strings.TrimSpace(code) == "" {
		return Session{}, apperr.Validation("missing code")
	}
	if err := s.tokens.VerifyState(state, nonce); err != nil {
		return Session{}, apperr.Wrap(apperr.KindValidation, "invalid state", err)
	}

	if s.github.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.github.httpClient)
	}
	tok, err := s.github.oauth.Exchange(ctx, code)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.KindUnauthorized, "failed to exchange GitHub code", err)
	}

	profile, err := s.github.profiles.Profile(ctx, tok.AccessToken)
	if err != nil {
		return Session{}, err
	}

	u, created, err := s.UpsertGitHubUser(ctx, Identity{
		ExternalID:  profile.IDString(),
		Username:    profile.Login,
		DisplayName: profile.Name,
		Email:       profile.Email,
		AvatarURL:   profile.AvatarURL,
		AccessToken: tok.AccessToken,
	})
	if err != nil {
		return Session{}, err
	}
	if !created {
		s.record(telemetry.EventUserLogin, u.ID, telemetry.EventMetadata{"method": "github"})
	}
	return s.issue(u)
}

// callbackRedirect builds <frontend>/auth-callback with either a token or
// an error kind.
// nonceCookie scopes the OAuth nonce to the GitHub routes for the lifetime
// of a state token. An empty value with MaxAge -1 clears it.
func (g *GitHubLogin) nonceCookie(value string) *http.Cookie {
	c := &http.Cookie{
		Name:     oauthNonceCookie,
		Value:    value,
		Path:     "/api/auth/github",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   g.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}

func (g *GitHubLogin) callbackRedirect(token string, err error) string {
	q := url.Values{}
	if err != nil {
		q.Set("error", string(apperr.KindOf(err)))
	} else {
		q.Set("token", token)
	}
	return g.frontendURL + "/auth-callback?" + q.Encode()
}
