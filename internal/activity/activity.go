// Package activity syncs GitHub commit history into a user's streak.
package activity

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/config"
	"github.com/BlackStone8960/codequest-backend/internal/github"
	"github.com/BlackStone8960/codequest-backend/internal/metrics"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/streak"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

var ErrGitHubNotLinked = apperr.Validation("GitHub account not linked")

// CommitSource is the slice of the GitHub client this package needs.
type CommitSource interface {
	Profile(ctx context.Context, accessToken string) (github.Profile, error)
	Commits(ctx context.Context, accessToken, login string, windowDays int) ([]github.Commit, error)
}

type Options struct {
	Users   storage.UserStore
	Tasks   storage.TaskStore
	Commits CommitSource
	Streak  config.Streak
	Events  telemetry.Repository
	Logger  *log.Logger
	Now     func() time.Time
}

type Service struct {
	users   storage.UserStore
	tasks   storage.TaskStore
	commits CommitSource
	rules   config.Streak
	events  telemetry.Repository
	logger  *log.Logger
	now     func() time.Time

	group singleflight.Group
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Streak.ApplyDefaults()
	return &Service{
		users:   opts.Users,
		tasks:   opts.Tasks,
		commits: opts.Commits,
		rules:   opts.Streak,
		events:  opts.Events,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// SyncResult is the streak as stored after a sync. When Degraded is set the
// commit provider failed and the figures are the previously stored ones.
type SyncResult struct {
	CurrentStreak      int        `json:"currentStreak"`
	LongestStreak      int        `json:"longestStreak"`
	TotalContributions int        `json:"totalContributions"`
	LastCommitDate     *string    `json:"lastCommitDate"`
	CommitDates        []string   `json:"commitDates"`
	Degraded           bool       `json:"degraded"`
	Reason             string     `json:"reason,omitempty"`
	User               model.User `json:"user"`
}

// CommitHistory is the raw commit list plus its distinct active days.
type CommitHistory struct {
	Commits     []github.Commit `json:"commits"`
	CommitDates []string        `json:"commitDates"`
}

func (s *Service) record(eventType telemetry.EventType, userID string, md telemetry.EventMetadata) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(eventType, userID, md); err != nil {
		s.logger.Printf("[telemetry] record %s: %v", eventType, err)
	}
}

func (s *Service) linkedUser(ctx context.Context, userID string) (model.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	if !u.HasGitHub() {
		return model.User{}, ErrGitHubNotLinked
	}
	return u, nil
}

// AccessToken returns the stored GitHub token of a linked user.
func (s *Service) AccessToken(ctx context.Context, userID string) (string, error) {
	u, err := s.linkedUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.GitHubAccessToken, nil
}

// fetchCommits resolves the login behind the token, since commit search
// filters by login rather than by account id.
func (s *Service) fetchCommits(ctx context.Context, u model.User) ([]github.Commit, error) {
	profile, err := s.commits.Profile(ctx, u.GitHubAccessToken)
	if err != nil {
		return nil, err
	}
	return s.commits.Commits(ctx, u.GitHubAccessToken, profile.Login, s.rules.WindowDays)
}

// Commits returns the user's commits over the configured window.
func (s *Service) Commits(ctx context.Context, userID string) (CommitHistory, error) {
	u, err := s.linkedUser(ctx, userID)
	if err != nil {
		return CommitHistory{}, err
	}
	commits, err := s.fetchCommits(ctx, u)
	if err != nil {
		return CommitHistory{}, err
	}
	stamps := make([]time.Time, 0, len(commits))
	for _, c := range commits {
		stamps = append(stamps, c.AuthorDate)
	}
	res := streak.Compute(stamps, s.now(), s.rules.StreakPolicy())
	if commits == nil {
		commits = []github.Commit{}
	}
	return CommitHistory{Commits: commits, CommitDates: res.ActiveDays}, nil
}

// SyncStreak recomputes the user's streak from commits (and completed tasks
// when configured) and persists it. Concurrent syncs for one user share a
// single provider round trip.
func (s *Service) SyncStreak(ctx context.Context, userID string) (SyncResult, error) {
	v, err, shared := s.group.Do(userID, func() (any, error) {
		return s.syncStreak(ctx, userID)
	})
	if err != nil {
		return SyncResult{}, err
	}
	if shared {
		s.logger.Printf("[activity] streak sync for %s shared with an in-flight call", userID)
	}
	return v.(SyncResult), nil
}

func (s *Service) syncStreak(ctx context.Context, userID string) (SyncResult, error) {
	u, err := s.linkedUser(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}

	commits, err := s.fetchCommits(ctx, u)
	if err != nil {
		if !isProviderFailure(err) {
			return SyncResult{}, err
		}
		kind := apperr.KindOf(err)
		s.logger.Printf("[activity] commit history unavailable for %s: %v", userID, err)
		metrics.StreakSync("degraded")
		s.record(telemetry.EventStreakSyncDegraded, userID, telemetry.EventMetadata{"reason": string(kind)})
		return storedResult(u, string(kind)), nil
	}

	stamps := make([]time.Time, 0, len(commits))
	for _, c := range commits {
		stamps = append(stamps, c.AuthorDate)
	}
	if s.rules.CountsTaskCompletions() && s.tasks != nil {
		done, err := s.tasks.ListCompletionTimes(ctx, userID)
		if err != nil {
			return SyncResult{}, err
		}
		stamps = append(stamps, done...)
	}

	res := streak.Compute(stamps, s.now(), s.rules.StreakPolicy())
	updated, err := s.users.UpdateUser(ctx, userID, func(u *model.User) error {
		u.StreakStats = streak.Merge(u.StreakStats, res)
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	metrics.StreakSync("ok")
	s.record(telemetry.EventStreakSynced, userID, telemetry.EventMetadata{
		"streak":         updated.Streak,
		"longest_streak": updated.LongestStreak,
		"commits":        len(commits),
	})

	out := storedResult(updated, "")
	out.CommitDates = res.ActiveDays
	return out, nil
}

func isProviderFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindRateLimited, apperr.KindUnauthorized, apperr.KindUnavailable:
		return true
	default:
		return false
	}
}

func storedResult(u model.User, reason string) SyncResult {
	var last *string
	if u.LastCommitDate != nil {
		d := *u.LastCommitDate
		last = &d
	}
	return SyncResult{
		CurrentStreak:      u.Streak,
		LongestStreak:      u.LongestStreak,
		TotalContributions: u.TotalContributions,
		LastCommitDate:     last,
		CommitDates:        []string{},
		Degraded:           reason != "",
		Reason:             reason,
		User:               u,
	}
}
