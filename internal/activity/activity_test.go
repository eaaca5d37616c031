package activity

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/auth"
	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/github"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/storage/storagetest"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

var testNow = time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	commits  []github.Commit
	err      error
	calls    atomic.Int32
	entered  chan struct{}
	release  chan struct{}
	gotLogin string
}

func (f *fakeSource) Profile(_ context.Context, token string) (github.Profile, error) {
	if token == "" {
		return github.Profile{}, github.ErrTokenRejected
	}
	return github.Profile{ID: 42, Login: "octocat"}, nil
}

func (f *fakeSource) Commits(_ context.Context, _ string, login string, _ int) ([]github.Commit, error) {
	f.calls.Add(1)
	f.gotLogin = login
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.commits, f.err
}

func commitAt(day string, hour int) github.Commit {
	ts, _ := time.Parse(model.DateLayout, day)
	return github.Commit{SHA: day, AuthorDate: ts.Add(time.Duration(hour) * time.Hour)}
}

func boolPtr(b bool) *bool { return &b }

type testEnv struct {
	svc    *Service
	store  *storage.MemoryStore
	src    *fakeSource
	events *telemetry.MemoryRepository
}

func newActivityForTests(t *testing.T, includeTasks bool) testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	linked := storagetest.NewUser("u1", "alice")
	linked.GitHubID = "42"
	linked.GitHubAccessToken = "gho_abc"
	require.NoError(t, store.CreateUser(context.Background(), linked))
	require.NoError(t, store.CreateUser(context.Background(), storagetest.NewUser("u2", "bob")))

	src := &fakeSource{}
	events := telemetry.NewMemoryRepository()
	svc := NewService(Options{
		Users:   store,
		Tasks:   store,
		Commits: src,
		Streak:  config.Streak{IncludeTaskCompletions: boolPtr(includeTasks)},
		Events:  events,
		Logger:  log.New(io.Discard, "", 0),
		Now:     func() time.Time { return testNow },
	})
	return testEnv{svc: svc, store: store, src: src, events: events}
}

func TestSyncStreak_FromCommits(t *testing.T) {
	env := newActivityForTests(t, false)
	env.src.commits = []github.Commit{
		commitAt("2026-02-07", 1), commitAt("2026-02-07", 9),
		commitAt("2026-02-06", 23), commitAt("2026-02-05", 0),
		commitAt("2026-01-20", 10),
	}

	res, err := env.svc.SyncStreak(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "octocat", env.src.gotLogin)
	assert.Equal(t, 3, res.CurrentStreak)
	assert.Equal(t, 3, res.LongestStreak)
	assert.Equal(t, 4, res.TotalContributions)
	require.NotNil(t, res.LastCommitDate)
	assert.Equal(t, "2026-02-07", *res.LastCommitDate)
	assert.Equal(t, []string{"2026-01-20", "2026-02-05", "2026-02-06", "2026-02-07"}, res.CommitDates)

	u, err := env.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Streak)
	assert.Equal(t, 4, u.TotalContributions)

	synced, _ := env.events.GetEvents(telemetry.Filter{Types: []telemetry.EventType{telemetry.EventStreakSynced}})
	assert.Len(t, synced, 1)
}

func TestSyncStreak_KeepsStoredLongest(t *testing.T) {
	env := newActivityForTests(t, false)
	_, err := env.store.UpdateUser(context.Background(), "u1", func(u *model.User) error {
		u.Streak, u.LongestStreak = 2, 10
		return nil
	})
	require.NoError(t, err)
	env.src.commits = []github.Commit{commitAt("2026-02-06", 12)}

	res, err := env.svc.SyncStreak(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CurrentStreak, "yesterday anchors under the default policy")
	assert.Equal(t, 10, res.LongestStreak)
	assert.Equal(t, 10, res.User.LongestStreak)
}

func TestSyncStreak_CountsTaskCompletions(t *testing.T) {
	env := newActivityForTests(t, true)
	ctx := context.Background()
	require.NoError(t, env.store.CreateTask(ctx, model.Task{
		ID: "t1", Title: "t", Difficulty: model.DifficultyEasy, Experience: 5, CreatorID: "u1", CreatedAt: testNow.AddDate(0, 0, -5),
	}))
	_, _, err := env.store.CompleteTask(ctx, "t1", "u1", func(tk *model.Task, u *model.User) error {
		tk.MarkComplete(time.Date(2026, 2, 6, 18, 0, 0, 0, time.UTC))
		return nil
	})
	require.NoError(t, err)
	env.src.commits = []github.Commit{commitAt("2026-02-07", 8), commitAt("2026-02-05", 8)}

	res, err := env.svc.SyncStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.CurrentStreak)
	assert.Equal(t, 3, res.TotalContributions)
}

func TestSyncStreak_DegradesOnProviderFailure(t *testing.T) {
	for _, providerErr := range []error{github.ErrRateLimited, github.ErrTokenRejected, github.ErrUnavailable} {
		t.Run(string(apperr.KindOf(providerErr)), func(t *testing.T) {
			env := newActivityForTests(t, false)
			last := "2026-02-01"
			_, err := env.store.UpdateUser(context.Background(), "u1", func(u *model.User) error {
				u.Streak, u.LongestStreak, u.TotalContributions = 4, 6, 20
				u.LastCommitDate = &last
				return nil
			})
			require.NoError(t, err)
			env.src.err = providerErr

			res, err := env.svc.SyncStreak(context.Background(), "u1")
			require.NoError(t, err)
			assert.True(t, res.Degraded)
			assert.Equal(t, string(apperr.KindOf(providerErr)), res.Reason)
			assert.Equal(t, 4, res.CurrentStreak)
			assert.Equal(t, 6, res.LongestStreak)
			assert.Equal(t, 20, res.TotalContributions)

			u, _ := env.store.GetUser(context.Background(), "u1")
			assert.Equal(t, 4, u.Streak, "stored streak is untouched")
			require.NotNil(t, u.LastCommitDate)
			assert.Equal(t, last, *u.LastCommitDate)

			degraded, _ := env.events.GetEvents(telemetry.Filter{Types: []telemetry.EventType{telemetry.EventStreakSyncDegraded}})
			assert.Len(t, degraded, 1)
		})
	}
}

func TestSyncStreak_NotLinked(t *testing.T) {
	env := newActivityForTests(t, false)

	_, err := env.svc.SyncStreak(context.Background(), "u2")
	assert.ErrorIs(t, err, ErrGitHubNotLinked)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(apperr.KindOf(err)))

	_, err = env.svc.SyncStreak(context.Background(), "ghost")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, env.src.calls.Load())
}

func TestSyncStreak_CollapsesConcurrentCalls(t *testing.T) {
	env := newActivityForTests(t, false)
	env.src.commits = []github.Commit{commitAt("2026-02-07", 1)}
	env.src.entered = make(chan struct{}, 1)
	env.src.release = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]SyncResult, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = env.svc.SyncStreak(context.Background(), "u1")
	}()
	<-env.src.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.SyncStreak(context.Background(), "u1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(env.src.release)
	wg.Wait()

	assert.Equal(t, int32(1), env.src.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].CurrentStreak)
	}
}

func TestCommits(t *testing.T) {
	env := newActivityForTests(t, false)
	env.src.commits = []github.Commit{commitAt("2026-02-07", 3), commitAt("2026-02-07", 4), commitAt("2026-02-03", 1)}

	hist, err := env.svc.Commits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, hist.Commits, 3)
	assert.Equal(t, []string{"2026-02-03", "2026-02-07"}, hist.CommitDates)

	env.src.err = github.ErrRateLimited
	_, err = env.svc.Commits(context.Background(), "u1")
	assert.Equal(t, http.StatusTooManyRequests, apperr.HTTPStatus(apperr.KindOf(err)))
}

func TestHandlers(t *testing.T) {
	env := newActivityForTests(t, false)
	h := NewHandler(env.svc)
	alice, _ := env.store.GetUser(context.Background(), "u1")
	bob, _ := env.store.GetUser(context.Background(), "u2")

	as := func(method, path string, u model.User) *http.Request {
		req := httptest.NewRequest(method, path, nil)
		return req.WithContext(auth.ContextWithUser(req.Context(), u))
	}

	rec := httptest.NewRecorder()
	h.Token(rec, as(http.MethodGet, "/api/github/token", alice))
	require.Equal(t, http.StatusOK, rec.Code)
	var tok map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, "gho_abc", tok["githubToken"])

	rec = httptest.NewRecorder()
	h.Token(rec, as(http.MethodGet, "/api/github/token", bob))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.src.err = github.ErrUnavailable
	rec = httptest.NewRecorder()
	h.UpdateStreak(rec, as(http.MethodPost, "/api/github/update-streak", alice))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["degraded"])

	rec = httptest.NewRecorder()
	h.UpdateStreak(rec, as(http.MethodGet, "/api/github/update-streak", alice))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.Commits(rec, as(http.MethodGet, "/api/github/commits", bob))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
