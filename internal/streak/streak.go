// Package streak computes consecutive-day activity streaks.
//
// All day arithmetic happens on UTC calendar days. Timestamps are truncated to
// their UTC date before anything else, so local time zones and DST shifts never
// split or merge days.
package streak

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/model"
)

const secondsPerDay = 24 * 60 * 60

// Policy decides which day may anchor the current streak.
type Policy string

const (
	// PolicyTodayOrYesterday anchors on today, or on yesterday when today has
	// no activity yet. Activity feeds lag by hours, so a user active yesterday
	// keeps the streak until the day is over.
	PolicyTodayOrYesterday Policy = "today_or_yesterday"

	// PolicyTodayOnly requires activity today for a non-zero current streak.
	PolicyTodayOnly Policy = "today_only"
)

func (p Policy) IsValid() bool {
	switch p {
	case PolicyTodayOrYesterday, PolicyTodayOnly:
		return true
	default:
		return false
	}
}

func ParsePolicy(input string) (Policy, error) {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return PolicyTodayOrYesterday, nil
	}
	p := Policy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid streak policy: %q", input)
	}
	return p, nil
}

type Result struct {
	CurrentStreak      int      `json:"currentStreak"`
	LongestStreak      int      `json:"longestStreak"`
	TotalContributions int      `json:"totalContributions"`
	LastActiveDate     *string  `json:"lastCommitDate"`
	ActiveDays         []string `json:"commitDates"` // ascending YYYY-MM-DD
}

// Compute derives streak figures from activity timestamps as of now.
func Compute(timestamps []time.Time, now time.Time, policy Policy) Result {
	set := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		if ts.IsZero() {
			continue
		}
		set[dayNumber(ts)] = struct{}{}
	}

	days := make([]int64, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	res := Result{
		TotalContributions: len(days),
		ActiveDays:         make([]string, 0, len(days)),
	}
	for _, d := range days {
		res.ActiveDays = append(res.ActiveDays, dayString(d))
	}
	if len(days) == 0 {
		return res
	}

	last := dayString(days[len(days)-1])
	res.LastActiveDate = &last
	res.LongestStreak = longestRun(days)
	res.CurrentStreak = currentRun(set, dayNumber(now), policy)
	return res
}

// longestRun expects days sorted ascending and free of duplicates.
func longestRun(days []int64) int {
	longest, run := 0, 0
	for i, d := range days {
		if i > 0 && d-days[i-1] == 1 {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

func currentRun(set map[int64]struct{}, today int64, policy Policy) int {
	anchor, ok := anchorDay(set, today, policy)
	if !ok {
		return 0
	}
	count := 1
	for {
		prev := anchor - 1
		if _, ok := set[prev]; !ok {
			return count
		}
		count++
		anchor = prev
	}
}

func anchorDay(set map[int64]struct{}, today int64, policy Policy) (int64, bool) {
	if _, ok := set[today]; ok {
		return today, true
	}
	if policy == PolicyTodayOnly {
		return 0, false
	}
	if _, ok := set[today-1]; ok {
		return today - 1, true
	}
	return 0, false
}

// Merge folds a fresh result into stored stats. The longest streak never
// decreases, even when the activity window no longer covers the old run.
func Merge(stored model.StreakStats, res Result) model.StreakStats {
	longest := stored.LongestStreak
	if res.LongestStreak > longest {
		longest = res.LongestStreak
	}
	if res.CurrentStreak > longest {
		longest = res.CurrentStreak
	}

	out := model.StreakStats{
		Streak:             res.CurrentStreak,
		LongestStreak:      longest,
		TotalContributions: res.TotalContributions,
	}
	if res.LastActiveDate != nil {
		d := *res.LastActiveDate
		out.LastCommitDate = &d
	}
	return out
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayNumber(t time.Time) int64 {
	return DayOf(t).Unix() / secondsPerDay
}

func dayString(n int64) string {
	return time.Unix(n*secondsPerDay, 0).UTC().Format(model.DateLayout)
}
