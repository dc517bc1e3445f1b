package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/taskarmy"
)

// Key prefix for swap pair storage
const (
	pairKeyPrefix = "taskarmy:pair:" // last swap pair by network
)

// PairStore remembers the last swap pair of every network in Redis so the swap
// continuity survives restarts. It implements the taskarmy.PairMemory interface.
type PairStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration // 0 keeps pairs forever
}

// PairStoreOption configures a PairStore.
type PairStoreOption func(*PairStore)

// WithPairStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithPairStoreKeyPrefix(prefix string) PairStoreOption {
	return func(s *PairStore) {
		s.keyPrefix = prefix
	}
}

// WithPairStoreTTL lets Redis forget a pair after the given duration.
func WithPairStoreTTL(ttl time.Duration) PairStoreOption {
	return func(s *PairStore) {
		s.ttl = ttl
	}
}

// NewPairStore creates a new Redis-based pair store.
func NewPairStore(client redis.UniversalClient, opts ...PairStoreOption) *PairStore {
	s := &PairStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *PairStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// tokenData is the JSON-serializable form of taskarmy.Token
type tokenData struct {
	Address   string  `json:"address"`
	Symbol    string  `json:"symbol"`
	Decimals  int32   `json:"decimals"`
	Min       float64 `json:"min,omitempty"`
	Max       float64 `json:"max,omitempty"`
	Slippage  float64 `json:"slippage,omitempty"`
	Direction string  `json:"direction,omitempty"`
}

type pairData struct {
	From      tokenData `json:"from"`
	To        tokenData `json:"to"`
	UpdatedAt int64     `json:"updated_at"` // Unix seconds
}

func toTokenData(t taskarmy.Token) tokenData {
	return tokenData{
		Address:   t.Address.Hex(),
		Symbol:    t.Symbol,
		Decimals:  t.Decimals,
		Min:       t.Min,
		Max:       t.Max,
		Slippage:  t.Slippage,
		Direction: t.Direction,
	}
}

func (d tokenData) token() taskarmy.Token {
	return taskarmy.Token{
		Address:   common.HexToAddress(d.Address),
		Symbol:    d.Symbol,
		Decimals:  d.Decimals,
		Min:       d.Min,
		Max:       d.Max,
		Slippage:  d.Slippage,
		Direction: d.Direction,
	}
}

// LastPair returns the remembered pair of network, found is false when there is none.
func (s *PairStore) LastPair(ctx context.Context, network string) (taskarmy.SwapPair, bool, error) {
	data, err := s.client.Get(ctx, s.key(pairKeyPrefix, strings.ToLower(network))).Bytes()
	if err == redis.Nil {
		return taskarmy.SwapPair{}, false, nil
	}
	if err != nil {
		return taskarmy.SwapPair{}, false, fmt.Errorf("failed to get swap pair: %w", err)
	}

	var d pairData
	if err := json.Unmarshal(data, &d); err != nil {
		return taskarmy.SwapPair{}, false, fmt.Errorf("failed to deserialize swap pair: %w", err)
	}
	return taskarmy.SwapPair{From: d.From.token(), To: d.To.token()}, true, nil
}

// RememberPair overwrites the pair of network.
func (s *PairStore) RememberPair(ctx context.Context, network string, pair taskarmy.SwapPair) error {
	data, err := json.Marshal(pairData{
		From:      toTokenData(pair.From),
		To:        toTokenData(pair.To),
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize swap pair: %w", err)
	}
	if err := s.client.Set(ctx, s.key(pairKeyPrefix, strings.ToLower(network)), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save swap pair: %w", err)
	}
	return nil
}

var _ taskarmy.PairMemory = (*PairStore)(nil)
