package task

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/metrics"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/progression"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
)

var ErrAlreadyCompleted = apperr.New(apperr.KindAlreadyCompleted, "Task already completed")

type CreateInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Difficulty  string  `json:"difficulty"`
	DueDate     *string `json:"dueDate"`
}

// Completion is the outcome of completing a task.
type Completion struct {
	Message           string     `json:"message"`
	Task              model.Task `json:"task"`
	User              model.User `json:"user"`
	ExperienceAwarded int        `json:"experienceAwarded"`
	LevelsGained      int        `json:"levelsGained"`
}

type Service struct {
	store  storage.TaskStore
	events telemetry.Repository
	logger *log.Logger
	now    func() time.Time
}

func NewService(store storage.TaskStore, events telemetry.Repository, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, events: events, logger: logger, now: time.Now}
}

// SetClock replaces the time source; used by tests that pin "today".
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) record(eventType telemetry.EventType, userID string, md telemetry.EventMetadata) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(eventType, userID, md); err != nil {
		s.logger.Printf("[telemetry] record %s: %v", eventType, err)
	}
}

// Create validates in and stores a new task owned by creatorID. The XP value
// is fixed here and never recomputed.
func (s *Service) Create(ctx context.Context, creatorID string, in CreateInput) (model.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || strings.TrimSpace(in.Difficulty) == "" {
		return model.Task{}, apperr.Validation("Title and difficulty are required")
	}
	if len(title) > maxTitleLen {
		return model.Task{}, apperr.Validation("title is too long")
	}
	description := strings.TrimSpace(in.Description)
	if len(description) > maxDescriptionLen {
		return model.Task{}, apperr.Validation("description is too long")
	}

	difficulty, err := model.ParseDifficulty(in.Difficulty)
	if err != nil {
		return model.Task{}, apperr.Wrap(apperr.KindValidation, "Invalid difficulty", err)
	}
	xp, err := progression.ExperienceFor(difficulty)
	if err != nil {
		return model.Task{}, apperr.Wrap(apperr.KindValidation, "Invalid difficulty", err)
	}

	now := s.now().UTC()
	due, err := normalizeDueDate(in.DueDate, now)
	if err != nil {
		return model.Task{}, err
	}

	t := model.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Difficulty:  difficulty,
		Experience:  xp,
		CreatorID:   creatorID,
		DueDate:     due,
		CreatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return model.Task{}, err
	}

	s.record(telemetry.EventTaskCreated, creatorID, telemetry.EventMetadata{
		"task_id":    t.ID,
		"difficulty": string(difficulty),
		"experience": xp,
	})
	return t, nil
}

// normalizeDueDate accepts YYYY-MM-DD no earlier than the current UTC day.
func normalizeDueDate(in *string, now time.Time) (*string, error) {
	if in == nil || strings.TrimSpace(*in) == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(*in)
	due, err := time.Parse(model.DateLayout, raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "dueDate must be YYYY-MM-DD", err)
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if due.Before(today) {
		return nil, apperr.Validation("dueDate cannot be in the past")
	}
	out := due.Format(model.DateLayout)
	return &out, nil
}

func (s *Service) List(ctx context.Context, creatorID string) ([]model.Task, error) {
	return s.store.ListTasks(ctx, creatorID)
}

// Complete marks the task done and awards its XP to the creator. Both writes
// happen in one store transaction, so XP is granted at most once.
func (s *Service) Complete(ctx context.Context, taskID, creatorID string) (Completion, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Completion{}, storage.ErrTaskNotFound
	}

	now := s.now().UTC()
	var award progression.Result
	t, u, err := s.store.CompleteTask(ctx, taskID, creatorID, func(t *model.Task, u *model.User) error {
		if t.Completed || u.HasCompletedTask(t.ID) {
			return ErrAlreadyCompleted
		}
		res, err := progression.Award(u.Progress, t.Experience)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid experience award", err)
		}
		t.MarkComplete(now)
		u.AddCompletedTask(t.ID)
		u.Progress = res.Progress
		award = res
		return nil
	})
	if err != nil {
		return Completion{}, err
	}

	metrics.TaskCompleted(string(t.Difficulty), t.Experience)
	s.record(telemetry.EventTaskCompleted, u.ID, telemetry.EventMetadata{
		"task_id":    t.ID,
		"difficulty": string(t.Difficulty),
		"experience": t.Experience,
	})
	if award.LevelsGained > 0 {
		metrics.LevelsGained(award.LevelsGained)
		s.record(telemetry.EventLevelUp, u.ID, telemetry.EventMetadata{
			"levels_gained": award.LevelsGained,
			"level":         u.Level,
			"hp_gained":     award.HPGained,
		})
		s.logger.Printf("[task] user %s reached level %d", u.ID, u.Level)
	}

	return Completion{
		Message:           "Task marked as completed",
		Task:              t,
		User:              u,
		ExperienceAwarded: t.Experience,
		LevelsGained:      award.LevelsGained,
	}, nil
}
