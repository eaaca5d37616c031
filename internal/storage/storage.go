// Package storage defines persistence for users and tasks.
//
// Every mutation of a user goes through a callback run under the store's
// write lock (memory) or inside one transaction (SQLite), so a caller never
// observes or persists a half-applied update.
package storage

import (
	"context"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/model"
)

var (
	ErrUserNotFound  = apperr.NotFound("user not found")
	ErrTaskNotFound  = apperr.NotFound("task not found")
	ErrUsernameTaken = apperr.Conflict("username already exists")
	ErrEmailTaken    = apperr.Conflict("email already exists")
	ErrGitHubLinked  = apperr.Conflict("github account already linked")
)

// UserMutation edits u in place. Returning an error aborts the write.
type UserMutation func(u *model.User) error

// CompletionMutation edits the task and its creator together. Returning an
// error aborts both writes.
type CompletionMutation func(t *model.Task, u *model.User) error

type UserStore interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUserByGitHubID(ctx context.Context, githubID string) (model.User, error)
	UpdateUser(ctx context.Context, id string, fn UserMutation) (model.User, error)
	// ListUsersByExperience returns users by total experience, highest first.
	// Ties go to the older account.
	ListUsersByExperience(ctx context.Context, limit int) ([]model.User, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, t model.Task) error
	// GetTask returns ErrTaskNotFound for tasks owned by someone else.
	GetTask(ctx context.Context, id, creatorID string) (model.Task, error)
	// ListTasks returns the creator's tasks, newest first.
	ListTasks(ctx context.Context, creatorID string) ([]model.Task, error)
	CompleteTask(ctx context.Context, taskID, creatorID string, fn CompletionMutation) (model.Task, model.User, error)
	ListCompletionTimes(ctx context.Context, creatorID string) ([]time.Time, error)
}

type Store interface {
	UserStore
	TaskStore
	Ping(ctx context.Context) error
	Close() error
}
