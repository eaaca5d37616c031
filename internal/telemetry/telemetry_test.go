package telemetry

import (
	"testing"
	"time"
)

func TestMemoryRepository_FiltersByUserTypeAndTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository().WithClock(func() time.Time { return now })

	if err := repo.RecordEvent(EventTaskCompleted, "u1", EventMetadata{"experience": 10}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(time.Hour)
	_ = repo.RecordEvent(EventTaskCreated, "u1", nil)
	_ = repo.RecordEvent(EventTaskCompleted, "u2", EventMetadata{"experience": 5})

	got, err := repo.GetEvents(Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(got))
	}

	got, _ = repo.GetEvents(Filter{Types: []EventType{EventTaskCompleted}})
	if len(got) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(got))
	}

	got, _ = repo.GetEvents(Filter{Since: now, UserID: "u1"})
	if len(got) != 1 || got[0].Type != EventTaskCreated {
		t.Fatalf("since filter returned %+v", got)
	}

	if err := repo.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = repo.GetEvents(Filter{})
	if len(got) != 0 {
		t.Fatalf("expected empty log after clear, got %d", len(got))
	}
}

func TestMemoryRepository_RingKeepsNewestInOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository().WithCapacity(3).WithClock(func() time.Time { return now })
	if _, dropped := repo.EvictedThrough(); dropped {
		t.Fatalf("fresh log reports evictions")
	}
	for i := 0; i < 7; i++ {
		_ = repo.RecordEvent(EventTaskCreated, "u1", EventMetadata{"i": i})
		now = now.Add(time.Minute)
	}
	got, _ := repo.GetEvents(Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	for i, want := range []int{5, 6, 7} {
		if got[i].ID != want {
			t.Fatalf("event %d id = %d, want %d", i, got[i].ID, want)
		}
	}
	through, dropped := repo.EvictedThrough()
	if !dropped || !through.Equal(got[0].Timestamp.Add(-time.Minute)) {
		t.Fatalf("evicted through %v (%v), oldest kept %v", through, dropped, got[0].Timestamp)
	}

	if err := repo.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, dropped := repo.EvictedThrough(); dropped {
		t.Fatalf("clear kept the eviction marker")
	}
	_ = repo.RecordEvent(EventTaskCreated, "u1", nil)
	got, _ = repo.GetEvents(Filter{})
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("after clear got %+v", got)
	}
}

func TestCalculateStats(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(4 * 24 * time.Hour)
	repo := NewMemoryRepository()
	_ = repo.RecordEvent(EventTaskCompleted, "u1", EventMetadata{"experience": 15, "difficulty": "hard"})
	_ = repo.RecordEvent(EventTaskCompleted, "u1", EventMetadata{"experience": 5, "difficulty": "easy"})
	_ = repo.RecordEvent(EventLevelUp, "u1", EventMetadata{"levels_gained": 2})
	_ = repo.RecordEvent(EventStreakSynced, "u1", nil)
	_ = repo.RecordEvent(EventStreakSyncDegraded, "u1", EventMetadata{"reason": "rate_limited"})
	events, _ := repo.GetEvents(Filter{})

	stats, err := CalculateStats(events, since, until)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if stats.Days != 4 {
		t.Fatalf("days = %d, want 4", stats.Days)
	}
	if stats.TaskCompletions != 2 || stats.XPAwarded != 20 {
		t.Fatalf("completions=%d xp=%d", stats.TaskCompletions, stats.XPAwarded)
	}
	if stats.XPByDifficulty["hard"] != 15 || stats.XPByDifficulty["easy"] != 5 {
		t.Fatalf("xp by difficulty = %v", stats.XPByDifficulty)
	}
	if stats.LevelUps != 2 {
		t.Fatalf("level ups = %d, want 2", stats.LevelUps)
	}
	if stats.StreakSyncs != 2 || stats.DegradedSyncs != 1 {
		t.Fatalf("syncs=%d degraded=%d", stats.StreakSyncs, stats.DegradedSyncs)
	}
	if stats.TasksPerDay != 0.5 {
		t.Fatalf("tasks per day = %v, want 0.5", stats.TasksPerDay)
	}
	if stats.Period != "2026-03-01" {
		t.Fatalf("period = %q", stats.Period)
	}
}
