package model

import (
	"fmt"
	"strings"
	"time"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	default:
		return false
	}
}

func ParseDifficulty(input string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(input)))
	if !d.IsValid() {
		return "", fmt.Errorf("invalid difficulty: %q", input)
	}
	return d, nil
}

// DateLayout is the calendar-day format used for due dates and activity days.
const DateLayout = "2006-01-02"

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Difficulty  Difficulty `json:"difficulty"`
	Experience  int        `json:"experience"` // frozen at creation
	CreatorID   string     `json:"creator"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DueDate     *string    `json:"dueDate,omitempty"` // YYYY-MM-DD
	CreatedAt   time.Time  `json:"createdAt"`
}

// MarkComplete flips the one-way completed flag. It reports false if the task
// was already completed, in which case nothing changes.
func (t *Task) MarkComplete(now time.Time) bool {
	if t.Completed {
		return false
	}
	at := now.UTC()
	t.Completed = true
	t.CompletedAt = &at
	return true
}

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	out := t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	return out
}
