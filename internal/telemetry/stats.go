package telemetry

import (
	"encoding/json"
	"math"
	"time"
)

type Stats struct {
	Period          string            `json:"period"`
	Days            int               `json:"days"`
	EventCounts     map[EventType]int `json:"event_counts"`
	TaskCompletions int               `json:"task_completions"`
	TasksPerDay     float64           `json:"tasks_per_day"`
	XPAwarded       int               `json:"xp_awarded"`
	XPByDifficulty  map[string]int    `json:"xp_by_difficulty"`
	LevelUps        int               `json:"level_ups"`
	StreakSyncs     int               `json:"streak_syncs"`
	DegradedSyncs   int               `json:"degraded_syncs"`
	// Truncated is set when the event log dropped events inside the window.
	Truncated bool `json:"truncated"`
}

// CalculateStats summarizes events recorded between since and until.
func CalculateStats(events []Event, since, until time.Time) (Stats, error) {
	days := int(math.Ceil(until.Sub(since).Hours() / 24))
	if days < 1 {
		days = 1
	}
	stats := Stats{
		Period:         since.UTC().Format("2006-01-02"),
		Days:           days,
		EventCounts:    make(map[EventType]int),
		XPByDifficulty: make(map[string]int),
	}

	for _, event := range events {
		stats.EventCounts[event.Type]++

		var metadata EventMetadata
		if err := json.Unmarshal([]byte(event.Metadata), &metadata); err != nil {
			continue
		}

		switch event.Type {
		case EventTaskCompleted:
			stats.TaskCompletions++
			xp := intValue(metadata["experience"])
			stats.XPAwarded += xp
			if d, ok := metadata["difficulty"].(string); ok {
				stats.XPByDifficulty[d] += xp
			}
		case EventLevelUp:
			if n := intValue(metadata["levels_gained"]); n > 0 {
				stats.LevelUps += n
			} else {
				stats.LevelUps++
			}
		case EventStreakSynced:
			stats.StreakSyncs++
		case EventStreakSyncDegraded:
			stats.StreakSyncs++
			stats.DegradedSyncs++
		}
	}

	stats.TasksPerDay = float64(stats.TaskCompletions) / float64(stats.Days)
	return stats, nil
}

// intValue reads a JSON number decoded into interface{}.
func intValue(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
