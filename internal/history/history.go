// Package history keeps the bounded per-conversation transcript used to seed
// completions.
package history

import (
	"context"
	"fmt"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/logging"
)

// MaxEntries is how many entries a conversation retains. Older entries are
// dropped first.
const MaxEntries = 10

// Role constants for entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one turn of a conversation.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store holds conversation history keyed by conversation id. Appends to one
// conversation are applied one at a time and trimmed to MaxEntries.
type Store interface {
	Append(ctx context.Context, conversationID string, entries ...Entry) error
	Recent(ctx context.Context, conversationID string) ([]Entry, error)
	Close() error
}

// Open returns the store selected by cfg.Store.
func Open(ctx context.Context, cfg config.HistoryConfig, log *logging.Logger) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(MaxEntries), nil
	case "redis":
		return DialRedis(ctx, cfg.RedisURL, log)
	default:
		return nil, fmt.Errorf("history: unknown store %q", cfg.Store)
	}
}

func trim(entries []Entry, limit int) []Entry {
	if len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}
