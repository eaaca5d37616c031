package telemetry

import "time"

type EventType string

const (
	EventUserRegistered     EventType = "user_registered"
	EventUserLogin          EventType = "user_login"
	EventTaskCreated        EventType = "task_created"
	EventTaskCompleted      EventType = "task_completed"
	EventLevelUp            EventType = "level_up"
	EventStreakSynced       EventType = "streak_synced"
	EventStreakSyncDegraded EventType = "streak_sync_degraded"
)

type Event struct {
	ID        int       `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  string    `json:"metadata"`
}

type EventMetadata map[string]interface{}
