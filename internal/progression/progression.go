// Package progression turns experience awards into levels and HP.
//
// Every function here is pure: callers load a user, apply Award to a copy of
// its Progress and persist the result in one write. A half-applied level-up is
// never observable.
package progression

import (
	"errors"
	"fmt"

	"github.com/BlackStone8960/codequest-backend/internal/model"
)

const (
	// XPPerLevel is the per-level slope of the threshold: XP_req(L) = 15 * L.
	XPPerLevel = 15

	// HPGainBase and HPGainPerLevel give the max HP gained on reaching level L:
	// 10 + 2*L.
	HPGainBase     = 10
	HPGainPerLevel = 2

	DefaultBaseHP = 100
)

var (
	ErrNegativeAward     = errors.New("experience award must be non-negative")
	ErrUnknownDifficulty = errors.New("invalid difficulty")
)

// RequiredExp returns the XP needed to advance from level to level+1.
// Levels below 1 are treated as 1 so the threshold is never zero.
func RequiredExp(level int) int {
	if level < 1 {
		level = 1
	}
	return level * XPPerLevel
}

// HPGainFor returns the max HP added when a user reaches newLevel.
func HPGainFor(newLevel int) int {
	return HPGainBase + HPGainPerLevel*newLevel
}

// ExperienceFor maps a difficulty to the XP a task of that difficulty is worth.
// The value is frozen onto the task at creation time.
func ExperienceFor(d model.Difficulty) (int, error) {
	switch d {
	case model.DifficultyEasy:
		return 5, nil
	case model.DifficultyMedium:
		return 10, nil
	case model.DifficultyHard:
		return 15, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDifficulty, d)
	}
}

// Initial returns the progress of a freshly registered user.
func Initial(baseHP int) model.Progress {
	if baseHP <= 0 {
		baseHP = DefaultBaseHP
	}
	return model.Progress{
		Level:           1,
		CurrentLevelXP:  0,
		LevelUpXP:       RequiredExp(1),
		TotalExperience: 0,
		CurrentHP:       baseHP,
		MaxHP:           baseHP,
	}
}

type Result struct {
	Progress     model.Progress
	LevelsGained int
	HPGained     int
}

// Award adds amount XP to p and applies every level-up it crosses.
func Award(p model.Progress, amount int) (Result, error) {
	if amount < 0 {
		return Result{Progress: p}, ErrNegativeAward
	}
	p = normalize(p)

	p.TotalExperience += amount
	p.CurrentLevelXP += amount

	res := Result{}
	for p.CurrentLevelXP >= RequiredExp(p.Level) {
		p.CurrentLevelXP -= RequiredExp(p.Level)
		p.Level++
		p.LevelUpXP = RequiredExp(p.Level)
		gain := HPGainFor(p.Level)
		p.MaxHP += gain
		p.CurrentHP = p.MaxHP
		res.LevelsGained++
		res.HPGained += gain
	}
	p.LevelUpXP = RequiredExp(p.Level)

	res.Progress = p
	return res, nil
}

func normalize(p model.Progress) model.Progress {
	if p.Level < 1 {
		p.Level = 1
	}
	if p.CurrentLevelXP < 0 {
		p.CurrentLevelXP = 0
	}
	if p.TotalExperience < 0 {
		p.TotalExperience = 0
	}
	if p.MaxHP < 0 {
		p.MaxHP = 0
	}
	if p.CurrentHP > p.MaxHP {
		p.CurrentHP = p.MaxHP
	}
	if p.CurrentHP < 0 {
		p.CurrentHP = 0
	}
	return p
}
