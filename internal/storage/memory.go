package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/model"
)

// MemoryStore keeps everything in maps guarded by one RWMutex. Values are
// cloned on the way in and out so callers never share slices with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]model.User
	tasks map[string]model.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: map[string]model.User{},
		tasks: map[string]model.Task{},
	}
}

// uniqueLocked reports the conflict u would cause against every other user.
func (s *MemoryStore) uniqueLocked(u model.User) error {
	for id, other := range s.users {
		if id == u.ID {
			continue
		}
		if other.Username == u.Username {
			return ErrUsernameTaken
		}
		if other.Email == u.Email {
			return ErrEmailTaken
		}
		if u.GitHubID != "" && other.GitHubID == u.GitHubID {
			return ErrGitHubLinked
		}
	}
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return apperr.Conflict("user already exists")
	}
	if err := s.uniqueLocked(u); err != nil {
		return err
	}
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) findUser(ctx context.Context, match func(model.User) bool) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if match(u) {
			return u.Clone(), nil
		}
	}
	return model.User{}, ErrUserNotFound
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return s.findUser(ctx, func(u model.User) bool { return email != "" && u.Email == email })
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	return s.findUser(ctx, func(u model.User) bool { return username != "" && u.Username == username })
}

func (s *MemoryStore) GetUserByGitHubID(ctx context.Context, githubID string) (model.User, error) {
	return s.findUser(ctx, func(u model.User) bool { return githubID != "" && u.GitHubID == githubID })
}

func (s *MemoryStore) UpdateUser(ctx context.Context, id string, fn UserMutation) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[id]
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return model.User{}, err
	}
	next.ID = id
	next.UpdatedAt = time.Now().UTC()
	if err := s.uniqueLocked(next); err != nil {
		return model.User{}, err
	}
	s.users[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListUsersByExperience(ctx context.Context, limit int) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalExperience != out[j].TotalExperience {
			return out[i].TotalExperience > out[j].TotalExperience
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[t.CreatorID]; !ok {
		return ErrUserNotFound
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id, creatorID string) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.CreatorID != creatorID {
		return model.Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, creatorID string) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Task{}
	for _, t := range s.tasks {
		if t.CreatorID == creatorID {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, taskID, creatorID string, fn CompletionMutation) (model.Task, model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, model.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.CreatorID != creatorID {
		return model.Task{}, model.User{}, ErrTaskNotFound
	}
	u, ok := s.users[creatorID]
	if !ok {
		return model.Task{}, model.User{}, ErrUserNotFound
	}

	nextTask := t.Clone()
	nextUser := u.Clone()
	if err := fn(&nextTask, &nextUser); err != nil {
		return model.Task{}, model.User{}, err
	}
	nextTask.ID, nextTask.CreatorID = taskID, creatorID
	nextUser.ID = creatorID
	nextUser.UpdatedAt = time.Now().UTC()

	s.tasks[taskID] = nextTask
	s.users[creatorID] = nextUser
	return nextTask.Clone(), nextUser.Clone(), nil
}

func (s *MemoryStore) ListCompletionTimes(ctx context.Context, creatorID string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []time.Time
	for _, t := range s.tasks {
		if t.CreatorID == creatorID && t.Completed && t.CompletedAt != nil {
			out = append(out, *t.CompletedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
