package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BlackStone8960/codequest-backend/internal/streak"
)

// Game holds the tunable rules loaded from the YAML game file.
type Game struct {
	Version     string      `yaml:"version" json:"version"`
	Player      Player      `yaml:"player" json:"player"`
	Streak      Streak      `yaml:"streak" json:"streak"`
	Leaderboard Leaderboard `yaml:"leaderboard" json:"leaderboard"`
}

type Player struct {
	BaseHP int `yaml:"base_hp" json:"base_hp"`
}

type Streak struct {
	// Policy is "today_or_yesterday" (default) or "today_only".
	Policy                 string `yaml:"policy" json:"policy"`
	WindowDays             int    `yaml:"window_days" json:"window_days"`
	IncludeTaskCompletions *bool  `yaml:"include_task_completions" json:"include_task_completions,omitempty"`
}

type Leaderboard struct {
	Size int `yaml:"size" json:"size"`
}

func (p *Player) ApplyDefaults() {
	if p.BaseHP <= 0 {
		p.BaseHP = 100
	}
}

func (s *Streak) ApplyDefaults() {
	if s.Policy == "" {
		s.Policy = string(streak.PolicyTodayOrYesterday)
	}
	if s.WindowDays <= 0 {
		s.WindowDays = 365
	}
	if s.IncludeTaskCompletions == nil {
		v := true
		s.IncludeTaskCompletions = &v
	}
}

// StreakPolicy returns the parsed policy. Validate has already rejected
// unknown values for configs produced by LoadGame.
func (s Streak) StreakPolicy() streak.Policy {
	p, err := streak.ParsePolicy(s.Policy)
	if err != nil {
		return streak.PolicyTodayOrYesterday
	}
	return p
}

func (s Streak) CountsTaskCompletions() bool {
	return s.IncludeTaskCompletions == nil || *s.IncludeTaskCompletions
}

func (l *Leaderboard) ApplyDefaults() {
	if l.Size <= 0 {
		l.Size = 10
	}
	if l.Size > 100 {
		l.Size = 100
	}
}

func (g *Game) ApplyDefaults() {
	if g.Version == "" {
		g.Version = "1"
	}
	g.Player.ApplyDefaults()
	g.Streak.ApplyDefaults()
	g.Leaderboard.ApplyDefaults()
}

func (g *Game) Validate() error {
	if _, err := streak.ParsePolicy(g.Streak.Policy); err != nil {
		return fmt.Errorf("streak.policy: %w", err)
	}
	return nil
}

// DefaultGame returns the rules used when no game file exists.
func DefaultGame() *Game {
	g := &Game{}
	g.ApplyDefaults()
	return g
}

// LoadGame reads the YAML game file at path. A missing file yields defaults.
func LoadGame(path string) (*Game, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultGame(), nil
		}
		return nil, err
	}
	var g Game
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	g.ApplyDefaults()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
