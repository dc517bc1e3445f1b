package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/taskarmy"
)

// Key names for history storage
const (
	historyListKey  = "taskarmy:history"       // list of entries in append order
	historyStatsKey = "taskarmy:history:stats" // hash of network:type:status counters
)

// HistoryStore keeps the run history in a Redis list.
// It implements the taskarmy.HistoryStore interface.
//
// Entries never expire. Use Trim to bound the list.
type HistoryStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// HistoryStoreOption configures a HistoryStore.
type HistoryStoreOption func(*HistoryStore)

// WithHistoryStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithHistoryStoreKeyPrefix(prefix string) HistoryStoreOption {
	return func(s *HistoryStore) {
		s.keyPrefix = prefix
	}
}

// NewHistoryStore creates a new Redis-based history store.
func NewHistoryStore(client redis.UniversalClient, opts ...HistoryStoreOption) *HistoryStore {
	s := &HistoryStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *HistoryStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

func statsField(e taskarmy.HistoryEntry) string {
	return fmt.Sprintf("%s:%s:%s", e.Network, e.Type, e.Status)
}

// Append pushes the entry to the tail of the list and bumps its counter in one
// MULTI/EXEC so the list and the stats never disagree.
func (s *HistoryStore) Append(ctx context.Context, entry taskarmy.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize history entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key(historyListKey), data)
		pipe.HIncrBy(ctx, s.key(historyStatsKey), statsField(entry), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// QueryAll returns every entry in append order.
func (s *HistoryStore) QueryAll(ctx context.Context) ([]taskarmy.HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, s.key(historyListKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]taskarmy.HistoryEntry, 0, len(raw))
	for i, item := range raw {
		var entry taskarmy.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of stored entries.
func (s *HistoryStore) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key(historyListKey)).Result()
}

// Trim keeps only the newest keep entries and returns how many were removed.
// Counters are totals since the first append and are not decremented.
func (s *HistoryStore) Trim(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	listKey := s.key(historyListKey)

	var removed int64
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		n, err := rtx.LLen(ctx, listKey).Result()
		if err != nil {
			return err
		}
		if n <= keep {
			return nil
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keep == 0 {
				pipe.Del(ctx, listKey)
			} else {
				pipe.LTrim(ctx, listKey, -keep, -1)
			}
			return nil
		})
		if err == nil {
			removed = n - keep
		}
		return err
	}, listKey)
	if err != nil {
		return 0, fmt.Errorf("failed to trim history: %w", err)
	}
	return removed, nil
}

// Stats returns the number of appended entries per "network:type:status".
func (s *HistoryStore) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(historyStatsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history stats: %w", err)
	}
	stats := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s=%q: %w", field, v, err)
		}
		stats[field] = n
	}
	return stats, nil
}

var _ taskarmy.HistoryStore = (*HistoryStore)(nil)
