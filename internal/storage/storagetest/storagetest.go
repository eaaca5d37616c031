// Package storagetest holds the behavior every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
)

// Opener returns a fresh, empty store. It should register cleanup itself.
type Opener func(t *testing.T) storage.Store

var base = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// NewUser returns a valid fresh user for store tests.
func NewUser(id, username string) model.User {
	return model.User{
		ID:          id,
		Username:    username,
		Email:       username + "@example.com",
		DisplayName: username,
		Progress: model.Progress{
			Level: 1, LevelUpXP: 15, CurrentHP: 100, MaxHP: 100,
		},
		Rank:           1,
		TasksCompleted: []string{},
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func newTask(id, creator string, createdAt time.Time) model.Task {
	return model.Task{
		ID:         id,
		Title:      "task " + id,
		Difficulty: model.DifficultyMedium,
		Experience: 10,
		CreatorID:  creator,
		CreatedAt:  createdAt,
	}
}

// Run exercises the full Store contract.
func Run(t *testing.T, open Opener) {
	t.Run("CreateAndLookupUser", func(t *testing.T) { testCreateAndLookupUser(t, open(t)) })
	t.Run("UniqueConstraints", func(t *testing.T) { testUniqueConstraints(t, open(t)) })
	t.Run("UpdateUserAbortsOnError", func(t *testing.T) { testUpdateUserAborts(t, open(t)) })
	t.Run("UpdateUserConcurrent", func(t *testing.T) { testUpdateUserConcurrent(t, open(t)) })
	t.Run("TasksScopedAndOrdered", func(t *testing.T) { testTasksScopedAndOrdered(t, open(t)) })
	t.Run("CompleteTaskAtomic", func(t *testing.T) { testCompleteTaskAtomic(t, open(t)) })
	t.Run("CompleteTaskRollsBack", func(t *testing.T) { testCompleteTaskRollsBack(t, open(t)) })
	t.Run("Leaderboard", func(t *testing.T) { testLeaderboard(t, open(t)) })
}

func testCreateAndLookupUser(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := NewUser("u1", "alice")
	u.GitHubID = "4242"
	u.GitHubAccessToken = "gho_secret"
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "gho_secret", got.GitHubAccessToken)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, 100, got.MaxHP)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Empty(t, got.TasksCompleted)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	byName, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.ID)

	byGitHub, err := s.GetUserByGitHubID(ctx, "4242")
	require.NoError(t, err)
	assert.Equal(t, "u1", byGitHub.ID)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = s.GetUserByGitHubID(ctx, "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, s.Ping(ctx))
}

func testUniqueConstraints(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := NewUser("u1", "alice")
	a.GitHubID = "1"
	require.NoError(t, s.CreateUser(ctx, a))

	dupName := NewUser("u2", "alice")
	dupName.Email = "other@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, dupName), storage.ErrUsernameTaken)

	dupEmail := NewUser("u3", "bob")
	dupEmail.Email = "alice@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, dupEmail), storage.ErrEmailTaken)

	dupGitHub := NewUser("u4", "carol")
	dupGitHub.GitHubID = "1"
	err := s.CreateUser(ctx, dupGitHub)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	// Two users without GitHub links never collide on the empty id.
	require.NoError(t, s.CreateUser(ctx, NewUser("u5", "dave")))
	require.NoError(t, s.CreateUser(ctx, NewUser("u6", "erin")))

	_, err = s.UpdateUser(ctx, "u5", func(u *model.User) error {
		u.Username = "erin"
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrUsernameTaken)
}

func testUpdateUserAborts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("u1", "alice")))

	boom := errors.New("boom")
	_, err := s.UpdateUser(ctx, "u1", func(u *model.User) error {
		u.TotalExperience = 999
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.TotalExperience)

	updated, err := s.UpdateUser(ctx, "u1", func(u *model.User) error {
		u.Streak = 3
		u.LongestStreak = 5
		d := "2026-03-01"
		u.LastCommitDate = &d
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Streak)

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.LongestStreak)
	require.NotNil(t, got.LastCommitDate)
	assert.Equal(t, "2026-03-01", *got.LastCommitDate)

	_, err = s.UpdateUser(ctx, "missing", func(*model.User) error { return nil })
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testUpdateUserConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("u1", "alice")))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateUser(ctx, "u1", func(u *model.User) error {
				u.TotalExperience += 5
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, workers*5, got.TotalExperience)
}

func testTasksScopedAndOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("u1", "alice")))
	require.NoError(t, s.CreateUser(ctx, NewUser("u2", "bob")))

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", base)))
	require.NoError(t, s.CreateTask(ctx, newTask("t2", "u1", base.Add(time.Hour))))
	require.NoError(t, s.CreateTask(ctx, newTask("t3", "u2", base.Add(2*time.Hour))))

	due := "2026-04-01"
	withDue := newTask("t4", "u1", base.Add(3*time.Hour))
	withDue.DueDate = &due
	withDue.Description = "write docs"
	require.NoError(t, s.CreateTask(ctx, withDue))

	tasks, err := s.ListTasks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"t4", "t2", "t1"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	require.NotNil(t, tasks[0].DueDate)
	assert.Equal(t, "2026-04-01", *tasks[0].DueDate)
	assert.Equal(t, "write docs", tasks[0].Description)

	_, err = s.GetTask(ctx, "t3", "u1")
	assert.ErrorIs(t, err, storage.ErrTaskNotFound, "tasks of other users are invisible")

	got, err := s.GetTask(ctx, "t3", "u2")
	require.NoError(t, err)
	assert.Equal(t, model.DifficultyMedium, got.Difficulty)
	assert.Equal(t, 10, got.Experience)

	empty, err := s.ListTasks(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	err = s.CreateTask(ctx, newTask("t9", "ghost", base))
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testCompleteTaskAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("u1", "alice")))
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", base)))

	doneAt := base.Add(30 * time.Minute)
	task, user, err := s.CompleteTask(ctx, "t1", "u1", func(tk *model.Task, u *model.User) error {
		tk.MarkComplete(doneAt)
		u.AddCompletedTask(tk.ID)
		u.TotalExperience += tk.Experience
		u.CurrentLevelXP += tk.Experience
		return nil
	})
	require.NoError(t, err)
	assert.True(t, task.Completed)
	assert.Equal(t, 10, user.TotalExperience)
	assert.Equal(t, []string{"t1"}, user.TasksCompleted)

	stored, err := s.GetTask(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, stored.Completed)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, stored.CompletedAt.Equal(doneAt))

	storedUser, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, storedUser.TotalExperience)
	assert.True(t, storedUser.HasCompletedTask("t1"))

	times, err := s.ListCompletionTimes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, times, 1)
	assert.True(t, times[0].Equal(doneAt))

	_, _, err = s.CompleteTask(ctx, "t1", "u2", func(*model.Task, *model.User) error { return nil })
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
}

func testCompleteTaskRollsBack(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("u1", "alice")))
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", base)))

	boom := apperr.New(apperr.KindAlreadyCompleted, "nope")
	_, _, err := s.CompleteTask(ctx, "t1", "u1", func(tk *model.Task, u *model.User) error {
		tk.MarkComplete(base)
		u.AddCompletedTask(tk.ID)
		u.TotalExperience = 500
		return boom
	})
	assert.ErrorIs(t, err, boom)

	task, err := s.GetTask(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.False(t, task.Completed)
	assert.Nil(t, task.CompletedAt)

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, user.TotalExperience)
	assert.Empty(t, user.TasksCompleted)
}

func testLeaderboard(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, name := range []string{"alice", "bob", "carol", "dave"} {
		u := NewUser("u"+name, name)
		u.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		u.TotalExperience = map[string]int{"alice": 30, "bob": 90, "carol": 30, "dave": 5}[name]
		require.NoError(t, s.CreateUser(ctx, u))
	}

	top, err := s.ListUsersByExperience(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "bob", top[0].Username)
	assert.Equal(t, "alice", top[1].Username, "ties go to the older account")
	assert.Equal(t, "carol", top[2].Username)

	all, err := s.ListUsersByExperience(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
