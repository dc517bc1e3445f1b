package app

import (
	"context"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/taskarmy"
	"github.com/tranvictor/taskarmy/internal/config"
	redisstore "github.com/tranvictor/taskarmy/persistence/redis"
	"github.com/tranvictor/taskarmy/persistence/sqlite"
)

// historyQuerier is implemented by stores that filter on their own side
type historyQuerier interface {
	Query(ctx context.Context, f taskarmy.HistoryFilter) ([]taskarmy.HistoryEntry, error)
}

// stores bundles the persistence a run writes to
type stores struct {
	history taskarmy.HistoryStore
	// pairs is nil unless the backend can persist swap pairs
	pairs taskarmy.PairMemory
	close func() error
}

func openStores(ctx context.Context, h config.HistoryConfig) (*stores, error) {
	switch h.Backend {
	case config.BackendFile:
		store, err := taskarmy.NewFileHistoryStore(h.Path)
		if err != nil {
			return nil, err
		}
		return &stores{history: store, close: func() error { return nil }}, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(h.Path, h.LockPath)
		if err != nil {
			return nil, err
		}
		return &stores{history: store, close: store.Close}, nil

	case config.BackendRedis:
		if h.RedisURL == "" {
			return nil, fmt.Errorf("redis history backend needs a redis url")
		}
		opts, err := redis.ParseURL(h.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.WithFields(logger.Fields{
			"addr":       opts.Addr,
			"db":         opts.DB,
			"key_prefix": h.KeyPrefix,
		}).Info("Using redis history")
		return &stores{
			history: redisstore.NewHistoryStore(client, redisstore.WithHistoryStoreKeyPrefix(h.KeyPrefix)),
			pairs:   redisstore.NewPairStore(client, redisstore.WithPairStoreKeyPrefix(h.KeyPrefix)),
			close:   client.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown history backend %q", h.Backend)
}

// query returns the entries matching f, oldest first
func (s *stores) query(ctx context.Context, f taskarmy.HistoryFilter) ([]taskarmy.HistoryEntry, error) {
	if q, ok := s.history.(historyQuerier); ok {
		return q.Query(ctx, f)
	}
	entries, err := s.history.QueryAll(ctx)
	if err != nil {
		return nil, err
	}
	return taskarmy.FilterHistory(entries, f), nil
}
