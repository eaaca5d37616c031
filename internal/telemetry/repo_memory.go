package telemetry

import (
	"encoding/json"
	"sync"
	"time"
)

// Repository stores telemetry events
type Repository interface {
	RecordEvent(eventType EventType, userID string, metadata EventMetadata) error
	GetEvents(filter Filter) ([]Event, error)
	Clear() error
}

// Filter narrows GetEvents. Zero fields match everything.
type Filter struct {
	Since  time.Time
	UserID string
	Types  []EventType
}

// MemoryRepository keeps a bounded in-process event log shared by all users.
// It is a ring: once full, each new event overwrites the oldest one.
type MemoryRepository struct {
	mu       sync.RWMutex
	events   []Event
	start    int // index of the oldest event once the ring is full
	nextID   int
	capacity int
	evicted  time.Time // timestamp of the newest overwritten event
	now      func() time.Time
}

// DefaultCapacity bounds the event log across all users.
const DefaultCapacity = 10_000

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:   make([]Event, 0),
		nextID:   1,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
}

// WithClock replaces the timestamp source; tests use it to pin time.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
	return r
}

// WithCapacity resizes an empty repository.
func (r *MemoryRepository) WithCapacity(n int) *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 && len(r.events) == 0 {
		r.capacity = n
	}
	return r
}

func (r *MemoryRepository) RecordEvent(eventType EventType, userID string, metadata EventMetadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event := Event{
		ID:        r.nextID,
		Type:      eventType,
		UserID:    userID,
		Timestamp: r.now().UTC(),
		Metadata:  string(metadataJSON),
	}
	r.nextID++

	if len(r.events) < r.capacity {
		r.events = append(r.events, event)
		return nil
	}
	r.evicted = r.events[r.start].Timestamp
	r.events[r.start] = event
	r.start = (r.start + 1) % r.capacity
	return nil
}

// EvictedThrough reports the timestamp of the newest event dropped to make
// room. Windows starting at or before it are incomplete.
func (r *MemoryRepository) EvictedThrough() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted, !r.evicted.IsZero()
}

func (r *MemoryRepository) GetEvents(filter Filter) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typeFilter := make(map[EventType]bool, len(filter.Types))
	for _, t := range filter.Types {
		typeFilter[t] = true
	}

	result := make([]Event, 0)
	for i := range r.events {
		event := r.events[(r.start+i)%len(r.events)]
		if event.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.UserID != "" && event.UserID != filter.UserID {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[event.Type] {
			continue
		}
		result = append(result, event)
	}
	return result, nil
}

func (r *MemoryRepository) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = make([]Event, 0)
	r.start = 0
	r.nextID = 1
	r.evicted = time.Time{}
	return nil
}
