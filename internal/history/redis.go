package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soyeahso/teamsforge/internal/logging"
)

const (
	keyPrefix  = "teamsforge:history:"
	historyTTL = 24 * time.Hour
)

// RedisStore shares history between gateway replicas. Each conversation is a
// list that is pushed and trimmed in one transaction.
type RedisStore struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
	log   *logging.Logger
}

// DialRedis connects to url and verifies the connection.
func DialRedis(ctx context.Context, url string, log *logging.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("history: invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("history: redis ping: %w", err)
	}
	return NewRedisStore(rdb, log), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, log *logging.Logger) *RedisStore {
	return &RedisStore{
		rdb:   rdb,
		limit: MaxEntries,
		ttl:   historyTTL,
		log:   log.Sub("history"),
	}
}

func key(conversationID string) string {
	return keyPrefix + conversationID
}

func (s *RedisStore) Append(ctx context.Context, conversationID string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("history: marshal entry: %w", err)
		}
		values = append(values, data)
	}

	k := key(conversationID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, values...)
		pipe.LTrim(ctx, k, int64(-s.limit), -1)
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, conversationID string) ([]Entry, error) {
	raw, err := s.rdb.LRange(ctx, key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.log.Warn().Str("conversation", conversationID).Err(err).Msg("dropping corrupt history entry")
			continue
		}
		entries = append(entries, e)
	}
	return trim(entries, s.limit), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
