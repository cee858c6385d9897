package reliability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	ID              string          `json:"id"`
	MessageID       string          `json:"messageId,omitempty"`
	Queue           string          `json:"queue"`
	RoutingKey      string          `json:"routingKey,omitempty"`
	Error           string          `json:"error"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
	OriginalMessage json.RawMessage `json:"originalMessage"`
	DeadLetteredAt  time.Time       `json:"deadLetteredAt"`
}

// DeadLetterFilter narrows List results
type DeadLetterFilter struct {
	Queue      string
	Since      time.Time
	MaxResults int
}

// DeadLetterStats summarizes a store
type DeadLetterStats struct {
	Total       int            `json:"total"`
	ByQueue     map[string]int `json:"byQueue"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// DeadLetterStore keeps dead letters for inspection
type DeadLetterStore interface {
	Store(ctx context.Context, entry DeadLetter) error
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	Stats(ctx context.Context) (DeadLetterStats, error)
}

// InMemoryDeadLetterStore keeps the most recent dead letters in memory.
// When full the oldest entry is evicted.
type InMemoryDeadLetterStore struct {
	mu       sync.RWMutex
	entries  map[string]DeadLetter
	order    []string
	capacity int
	updated  time.Time
}

// NewInMemoryDeadLetterStore creates a store holding at most capacity
// entries; capacity <= 0 means unbounded.
func NewInMemoryDeadLetterStore(capacity int) *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{
		entries:  make(map[string]DeadLetter),
		capacity: capacity,
	}
}

// Store implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Store(ctx context.Context, entry DeadLetter) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.DeadLetteredAt.IsZero() {
		entry.DeadLetteredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; !exists {
		s.order = append(s.order, entry.ID)
	}
	s.entries[entry.ID] = entry

	for s.capacity > 0 && len(s.order) > s.capacity {
		delete(s.entries, s.order[0])
		s.order = s.order[1:]
	}
	s.updated = time.Now()

	return nil
}

// Get implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return entry, nil
}

// List returns matching entries, newest first
func (s *InMemoryDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]DeadLetter, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		entry := s.entries[s.order[i]]
		if filter.Queue != "" && entry.Queue != filter.Queue {
			continue
		}
		if !filter.Since.IsZero() && entry.DeadLetteredAt.Before(filter.Since) {
			continue
		}

		results = append(results, entry)

		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}

	return results, nil
}

// Stats implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Stats(ctx context.Context) (DeadLetterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeadLetterStats{
		Total:       len(s.entries),
		ByQueue:     make(map[string]int),
		LastUpdated: s.updated,
	}
	for _, entry := range s.entries {
		stats.ByQueue[entry.Queue]++
	}
	return stats, nil
}
