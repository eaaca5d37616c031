package auth

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/github"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

type testEnv struct {
	svc    *Service
	store  *storage.MemoryStore
	events *telemetry.MemoryRepository
	now    *time.Time
}

func newAuthServiceForTests(t *testing.T, gh *GitHubLogin) testEnv {
	t.Helper()
	now := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, err := NewTokens("test-secret", DefaultTokenTTL, clock)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	events := telemetry.NewMemoryRepository()
	svc := NewService(Options{
		Users:  store,
		Tokens: tokens,
		Logger: log.New(io.Discard, "", 0),
		Events: events,
		Now:    clock,
		BaseHP: 100,
		GitHub: gh,
	})
	return testEnv{svc: svc, store: store, events: events, now: &now}
}

func validRegistration() Registration {
	return Registration{Username: "alice", Email: "Alice@Example.com", Password: "hunter22"}
}

func TestRegister_CreatesInitialProgression(t *testing.T) {
	env := newAuthServiceForTests(t, nil)

	sess, err := env.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, env.now.Add(DefaultTokenTTL), sess.ExpiresAt)

	u := sess.User
	assert.Equal(t, "alice@example.com", u.Email, "email is normalized")
	assert.Equal(t, "alice", u.DisplayName)
	assert.Equal(t, 1, u.Level)
	assert.Equal(t, 0, u.CurrentLevelXP)
	assert.Equal(t, 15, u.LevelUpXP)
	assert.Equal(t, 100, u.CurrentHP)
	assert.Equal(t, 100, u.MaxHP)
	assert.Equal(t, 1, u.Rank)
	assert.NotEqual(t, "hunter22", u.PasswordHash)

	userID, err := env.svc.tokens.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, userID)

	events, _ := env.events.GetEvents(telemetry.Filter{Types: []telemetry.EventType{telemetry.EventUserRegistered}})
	assert.Len(t, events, 1)
}

func TestRegister_Validation(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	cases := map[string]func(r *Registration){
		"short username": func(r *Registration) { r.Username = "al" },
		"bad email":      func(r *Registration) { r.Email = "not-an-email" },
		"short password": func(r *Registration) { r.Password = "12345" },
		"bad avatar":     func(r *Registration) { r.AvatarURL = "not a url" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validRegistration()
			mutate(&in)
			_, err := env.svc.Register(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	in := validRegistration()
	in.Username = "al"
	_, err := env.svc.Register(context.Background(), in)
	assert.Contains(t, apperr.Message(err), "username must be at least 3 characters")
}

func TestRegister_Conflicts(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	_, err := env.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	sameName := validRegistration()
	sameName.Email = "other@example.com"
	_, err = env.svc.Register(context.Background(), sameName)
	assert.ErrorIs(t, err, storage.ErrUsernameTaken)

	sameEmail := validRegistration()
	sameEmail.Username = "alice2"
	sameEmail.Email = "ALICE@example.com"
	_, err = env.svc.Register(context.Background(), sameEmail)
	assert.ErrorIs(t, err, storage.ErrEmailTaken)
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(apperr.KindOf(err)))
}

func TestLogin(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	_, err := env.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	sess, err := env.svc.Login(context.Background(), Credentials{Email: " alice@example.com ", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.User.Username)

	_, err = env.svc.Login(context.Background(), Credentials{Email: "alice@example.com", Password: "wrong!!"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.Login(context.Background(), Credentials{Email: "nobody@example.com", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.Login(context.Background(), Credentials{Email: "alice@example.com"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLogin_GitHubOnlyAccountHasNoPassword(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	u, created, err := env.svc.UpsertGitHubUser(context.Background(), Identity{
		ExternalID: "77", Username: "octo", Email: "octo@example.com", AccessToken: "gho_1",
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = env.svc.Login(context.Background(), Credentials{Email: u.Email, Password: ""})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = env.svc.Login(context.Background(), Credentials{Email: u.Email, Password: "anything"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpsertGitHubUser_NeverTouchesProgression(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	ctx := context.Background()

	u, created, err := env.svc.UpsertGitHubUser(ctx, Identity{
		ExternalID: "42", Username: "octocat", DisplayName: "Octo", AvatarURL: "https://a/1", AccessToken: "gho_old",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "42+octocat@users.noreply.github.com", u.Email)

	_, err = env.store.UpdateUser(ctx, u.ID, func(u *model.User) error {
		u.Level = 7
		u.TotalExperience = 400
		u.LongestStreak = 9
		return nil
	})
	require.NoError(t, err)

	again, created, err := env.svc.UpsertGitHubUser(ctx, Identity{
		ExternalID: "42", Username: "octocat-renamed", DisplayName: "Octo Cat", AvatarURL: "https://a/2", AccessToken: "gho_new",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "gho_new", again.GitHubAccessToken)
	assert.Equal(t, "https://a/2", again.AvatarURL)
	assert.Equal(t, "Octo Cat", again.DisplayName)
	assert.Equal(t, "octocat", again.Username, "username is not re-derived")
	assert.Equal(t, 7, again.Level)
	assert.Equal(t, 400, again.TotalExperience)
	assert.Equal(t, 9, again.LongestStreak)
}

func TestUpsertGitHubUser_ResolvesCollisions(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	ctx := context.Background()
	_, err := env.svc.Register(ctx, Registration{Username: "octocat", Email: "octo@example.com", Password: "secret1"})
	require.NoError(t, err)

	u, created, err := env.svc.UpsertGitHubUser(ctx, Identity{
		ExternalID: "99", Username: "octocat", Email: "octo@example.com", AccessToken: "gho_x",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "octocat-99", u.Username)
	assert.Equal(t, "99+octocat@users.noreply.github.com", u.Email)

	anon, _, err := env.svc.UpsertGitHubUser(ctx, Identity{ExternalID: "100", AccessToken: "gho_y"})
	require.NoError(t, err)
	assert.Equal(t, "NoUsername", anon.Username)
}

func TestRequireAPI(t *testing.T) {
	env := newAuthServiceForTests(t, nil)
	sess, err := env.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	protected := env.svc.RequireAPI(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		require.True(t, ok)
		_, _ = io.WriteString(w, u.Username)
	}))

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Basic abc").Code)
	assert.Equal(t, http.StatusForbidden, call("Bearer garbage").Code)

	ok := call("Bearer " + sess.Token)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "alice", ok.Body.String())

	*env.now = env.now.Add(DefaultTokenTTL + time.Second)
	expired := call("Bearer " + sess.Token)
	assert.Equal(t, http.StatusForbidden, expired.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(expired.Body.Bytes(), &body))
	assert.Equal(t, "expired", body["kind"])
}

type fakeProfiles struct {
	profile github.Profile
	gotTok  string
}

func (f *fakeProfiles) Profile(_ context.Context, token string) (github.Profile, error) {
	f.gotTok = token
	return f.profile, nil
}

func TestGitHubFlow_StartAndCallback(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"gho_fresh","token_type":"bearer","scope":"read:user"}`)
	}))
	defer tokenSrv.Close()

	profiles := &fakeProfiles{profile: github.Profile{ID: 583231, Login: "octocat", Name: "Mona", AvatarURL: "https://a/octo"}}
	gh := NewGitHubLogin(config.GitHub{
		ClientID:     "cid",
		ClientSecret: "csecret",
		CallbackURL:  "http://localhost:5000/api/auth/github/callback",
		AuthURL:      "https://github.test/login/oauth/authorize",
		TokenURL:     tokenSrv.URL,
	}, "http://localhost:3000/", profiles, tokenSrv.Client())
	require.NotNil(t, gh)

	env := newAuthServiceForTests(t, gh)
	h := NewHandler(env.svc)

	rec := httptest.NewRecorder()
	h.GitHubStart(rec, httptest.NewRequest(http.MethodGet, "/api/auth/github", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "github.test", loc.Host)
	assert.Equal(t, "cid", loc.Query().Get("client_id"))
	assert.Equal(t, "read:user user:email", loc.Query().Get("scope"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	nonce := nonceCookieFrom(t, rec)
	assert.True(t, nonce.HttpOnly)
	assert.Equal(t, "/api/auth/github", nonce.Path)

	rec = httptest.NewRecorder()
	cb := httptest.NewRequest(http.MethodGet,
		"/api/auth/github/callback?code=the-code&state="+url.QueryEscape(state), nil)
	cb.AddCookie(&http.Cookie{Name: nonce.Name, Value: nonce.Value})
	h.GitHubCallback(rec, cb)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, -1, nonceCookieFrom(t, rec).MaxAge)
	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth-callback", back.Path)
	assert.Equal(t, "localhost:3000", back.Host)
	token := back.Query().Get("token")
	require.NotEmpty(t, token)
	assert.Equal(t, "gho_fresh", profiles.gotTok)

	userID, err := env.svc.tokens.Verify(token)
	require.NoError(t, err)
	u, err := env.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "583231", u.GitHubID)
	assert.Equal(t, "gho_fresh", u.GitHubAccessToken)
	assert.Equal(t, "Mona", u.DisplayName)
}

func TestGitHubCallback_RejectsForgedState(t *testing.T) {
	gh := NewGitHubLogin(config.GitHub{ClientID: "cid", ClientSecret: "s", CallbackURL: "http://cb"},
		"http://front", &fakeProfiles{}, nil)
	env := newAuthServiceForTests(t, gh)
	h := NewHandler(env.svc)

	rec := httptest.NewRecorder()
	h.GitHubCallback(rec, httptest.NewRequest(http.MethodGet, "/api/auth/github/callback?code=x&state=forged", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "http://front/auth-callback?error="), loc)
	assert.NotContains(t, loc, "token=")
}

func nonceCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == oauthNonceCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in %v", oauthNonceCookie, rec.Header())
	return nil
}

// A valid state started in one browser must not complete a login in another.
func TestGitHubCallback_RequiresNonceCookie(t *testing.T) {
	profiles := &fakeProfiles{profile: github.Profile{ID: 1, Login: "mallory"}}
	gh := NewGitHubLogin(config.GitHub{ClientID: "cid", ClientSecret: "s", CallbackURL: "https://api.test/cb"},
		"http://front", profiles, nil)
	env := newAuthServiceForTests(t, gh)
	h := NewHandler(env.svc)

	rec := httptest.NewRecorder()
	h.GitHubStart(rec, httptest.NewRequest(http.MethodGet, "/api/auth/github", nil))
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	assert.True(t, nonceCookieFrom(t, rec).Secure)

	for _, cookie := range []*http.Cookie{nil, {Name: oauthNonceCookie, Value: "someone-else"}} {
		rec = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/github/callback?code=x&state="+url.QueryEscape(state), nil)
		if cookie != nil {
			req.AddCookie(cookie)
		}
		h.GitHubCallback(rec, req)
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "http://front/auth-callback?error=validation", rec.Header().Get("Location"))
	}
	assert.Empty(t, profiles.gotTok, "code must not be exchanged without a matching nonce")
}

func TestGitHubDisabledWithoutConfig(t *testing.T) {
	assert.Nil(t, NewGitHubLogin(config.GitHub{ClientID: "only-id"}, "http://front", &fakeProfiles{}, nil))

	env := newAuthServiceForTests(t, nil)
	rec := httptest.NewRecorder()
	NewHandler(env.svc).GitHubStart(rec, httptest.NewRequest(http.MethodGet, "/api/auth/github", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
