// Package player serves a player's standing: the experience leaderboard and
// activity stats.
package player

import (
	"context"
	"log"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

const (
	DefaultStatsDays = 7
	MaxStatsDays     = 365
)

// Standing is one leaderboard row. It carries no credentials or email.
type Standing struct {
	Rank            int    `json:"rank"`
	ID              string `json:"id"`
	Username        string `json:"username"`
	DisplayName     string `json:"displayName"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	Level           int    `json:"level"`
	TotalExperience int    `json:"totalExperience"`
	Streak          int    `json:"streak"`
	LongestStreak   int    `json:"longestStreak"`
}

type Leaderboard struct {
	Entries []Standing `json:"entries"`
	Me      *Standing  `json:"me,omitempty"`
}

type Service struct {
	users  storage.UserStore
	events telemetry.Repository
	size   int
	logger *log.Logger
	now    func() time.Time
}

func NewService(users storage.UserStore, events telemetry.Repository, size int, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if size <= 0 {
		size = 10
	}
	return &Service{users: users, events: events, size: size, logger: logger, now: time.Now}
}

func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// rank assigns competition ranks: equal experience shares a rank and the
// next distinct value skips ahead (1, 2, 2, 4).
func rank(users []model.User) []Standing {
	out := make([]Standing, 0, len(users))
	for i, u := range users {
		r := i + 1
		if i > 0 && u.TotalExperience == users[i-1].TotalExperience {
			r = out[i-1].Rank
		}
		out = append(out, Standing{
			Rank:            r,
			ID:              u.ID,
			Username:        u.Username,
			DisplayName:     u.DisplayName,
			AvatarURL:       u.AvatarURL,
			Level:           u.Level,
			TotalExperience: u.TotalExperience,
			Streak:          u.Streak,
			LongestStreak:   u.LongestStreak,
		})
	}
	return out
}

// Leaderboard returns the top users by total experience. When userID is not
// among them, Me holds that user's own row.
func (s *Service) Leaderboard(ctx context.Context, userID string) (Leaderboard, error) {
	top, err := s.users.ListUsersByExperience(ctx, s.size)
	if err != nil {
		return Leaderboard{}, err
	}
	board := Leaderboard{Entries: rank(top)}
	for i := range board.Entries {
		if board.Entries[i].ID == userID {
			me := board.Entries[i]
			board.Me = &me
			return board, nil
		}
	}
	if userID == "" {
		return board, nil
	}

	me, err := s.standing(ctx, userID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return board, nil
	case err != nil:
		return Leaderboard{}, err
	}
	board.Me = &me
	return board, nil
}

func (s *Service) standing(ctx context.Context, userID string) (Standing, error) {
	all, err := s.users.ListUsersByExperience(ctx, 0)
	if err != nil {
		return Standing{}, err
	}
	for _, st := range rank(all) {
		if st.ID == userID {
			return st, nil
		}
	}
	return Standing{}, apperr.NotFound("User not found")
}

// RankOf returns userID's competition rank over all users.
func (s *Service) RankOf(ctx context.Context, userID string) (int, error) {
	st, err := s.standing(ctx, userID)
	if err != nil {
		return 0, err
	}
	return st.Rank, nil
}

// Stats summarizes the user's recorded events over the trailing days.
func (s *Service) Stats(userID string, days int) (telemetry.Stats, error) {
	if days <= 0 {
		days = DefaultStatsDays
	}
	if days > MaxStatsDays {
		return telemetry.Stats{}, apperr.Validation("days must be at most 365")
	}
	if s.events == nil {
		return telemetry.Stats{}, apperr.New(apperr.KindUnavailable, "stats are not enabled")
	}
	until := s.now().UTC()
	since := until.AddDate(0, 0, -days)
	events, err := s.events.GetEvents(telemetry.Filter{Since: since, UserID: userID})
	if err != nil {
		return telemetry.Stats{}, apperr.Internal(err)
	}
	stats, err := telemetry.CalculateStats(events, since, until)
	if err != nil {
		return telemetry.Stats{}, err
	}
	if ev, ok := s.events.(interface{ EvictedThrough() (time.Time, bool) }); ok {
		if through, dropped := ev.EvictedThrough(); dropped && !through.Before(since) {
			stats.Truncated = true
		}
	}
	return stats, nil
}
