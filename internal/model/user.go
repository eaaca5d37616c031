package model

import (
	"slices"
	"time"
)

// Progress is the leveling state driven by experience awards.
type Progress struct {
	Level           int `json:"level"`
	CurrentLevelXP  int `json:"currentLevelXP"`
	LevelUpXP       int `json:"levelUpXP"`
	TotalExperience int `json:"totalExperience"`
	CurrentHP       int `json:"currentHP"`
	MaxHP           int `json:"maxHP"`
}

// StreakStats is the consecutive-activity state derived from activity days.
type StreakStats struct {
	Streak             int     `json:"streak"`
	LongestStreak      int     `json:"longestStreak"`
	TotalContributions int     `json:"totalContributions"`
	LastCommitDate     *string `json:"lastCommitDate"` // YYYY-MM-DD, UTC
}

type User struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	Email             string `json:"email"`
	PasswordHash      string `json:"-"`
	GitHubID          string `json:"githubId,omitempty"`
	GitHubAccessToken string `json:"-"`
	AvatarURL         string `json:"avatarUrl,omitempty"`
	DisplayName       string `json:"displayName"`

	Progress
	StreakStats
	// Rank is stored as 1 and filled with the live leaderboard position when
	// a user is served to its owner.
	Rank int `json:"rank"`

	TasksCompleted []string `json:"tasksCompleted"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u *User) HasCompletedTask(taskID string) bool {
	return slices.Contains(u.TasksCompleted, taskID)
}

// AddCompletedTask records taskID once; it reports false for a duplicate.
func (u *User) AddCompletedTask(taskID string) bool {
	if taskID == "" || u.HasCompletedTask(taskID) {
		return false
	}
	u.TasksCompleted = append(u.TasksCompleted, taskID)
	return true
}

// Clone returns a deep copy safe to mutate.
func (u User) Clone() User {
	out := u
	out.TasksCompleted = append([]string{}, u.TasksCompleted...)
	if u.LastCommitDate != nil {
		d := *u.LastCommitDate
		out.LastCommitDate = &d
	}
	return out
}

// HasGitHub reports whether the account is linked to GitHub with a usable token.
func (u *User) HasGitHub() bool {
	return u.GitHubID != "" && u.GitHubAccessToken != ""
}
