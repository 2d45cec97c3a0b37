package history

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	limit int
	convs map[string][]Entry
}

// NewMemoryStore creates an empty store retaining limit entries per
// conversation.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = MaxEntries
	}
	return &MemoryStore{
		limit: limit,
		convs: make(map[string][]Entry),
	}
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append(s.convs[conversationID], entries...)
	merged = trim(merged, s.limit)
	// Copy so the retained slice doesn't pin the dropped prefix.
	s.convs[conversationID] = append([]Entry(nil), merged...)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, conversationID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.convs[conversationID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Conversations returns the number of conversations with history.
func (s *MemoryStore) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *MemoryStore) Close() error { return nil }
