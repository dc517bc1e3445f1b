package taskarmy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// SwapPair is an ordered (from, to) token tuple.
type SwapPair struct {
	From Token
	To   Token
}

// Direction renders the pair as "FROM->TO"
func (p SwapPair) Direction() string {
	return p.From.Symbol + "->" + p.To.Symbol
}

// Same reports whether both pairs trade the same tokens in the same order
func (p SwapPair) Same(other SwapPair) bool {
	return p.From.Address == other.From.Address && p.To.Address == other.To.Address
}

// InMemoryPairMemory keeps the last pair per network in process memory.
type InMemoryPairMemory struct {
	pairs sync.Map // map[string]SwapPair
}

func NewInMemoryPairMemory() *InMemoryPairMemory {
	return &InMemoryPairMemory{}
}

func (m *InMemoryPairMemory) LastPair(ctx context.Context, network string) (SwapPair, bool, error) {
	if p, ok := m.pairs.Load(network); ok {
		return p.(SwapPair), true, nil
	}
	return SwapPair{}, false, nil
}

func (m *InMemoryPairMemory) RememberPair(ctx context.Context, network string, pair SwapPair) error {
	m.pairs.Store(network, pair)
	return nil
}

var _ PairMemory = (*InMemoryPairMemory)(nil)

// buildPairs returns every ordered (i, j) pair with i != j that the token directions allow,
// in generation order.
func buildPairs(tokens []Token) []SwapPair {
	var pairs []SwapPair
	for i, from := range tokens {
		if !from.CanSwapFrom() {
			continue
		}
		for j, to := range tokens {
			if i == j || !to.CanSwapTo() {
				continue
			}
			pairs = append(pairs, SwapPair{From: from, To: to})
		}
	}
	return pairs
}

// preferPair moves the pair matching last to the front, keeping the rest in order.
func preferPair(pairs []SwapPair, last SwapPair) []SwapPair {
	for i, p := range pairs {
		if !p.Same(last) {
			continue
		}
		ordered := make([]SwapPair, 0, len(pairs))
		ordered = append(ordered, p)
		ordered = append(ordered, pairs[:i]...)
		ordered = append(ordered, pairs[i+1:]...)
		return ordered
	}
	return pairs
}

// pairSelection is the pair chosen for a swap and its trial amount
type pairSelection struct {
	Pair   SwapPair
	Amount decimal.Decimal
}

// selectPair accepts the first candidate whose source balance covers its trial amount.
// amountFor is evaluated once per candidate so random amounts are drawn per pair.
func selectPair(
	ctx context.Context,
	candidates []SwapPair,
	amountFor func(Token) decimal.Decimal,
	balanceOf func(context.Context, Token) (decimal.Decimal, error),
) (pairSelection, error) {
	balances := map[string]decimal.Decimal{}
	for _, pair := range candidates {
		if err := ctx.Err(); err != nil {
			return pairSelection{}, err
		}
		amount := amountFor(pair.From)
		if !amount.IsPositive() {
			continue
		}
		key := pair.From.Address.Hex()
		balance, ok := balances[key]
		if !ok {
			var err error
			balance, err = balanceOf(ctx, pair.From)
			if err != nil {
				return pairSelection{}, err
			}
			balances[key] = balance
		}
		if balance.GreaterThanOrEqual(amount) {
			return pairSelection{Pair: pair, Amount: amount}, nil
		}
	}
	return pairSelection{}, ErrNoEligiblePair
}

// trialAmount computes the swap amount for token, truncated to its decimals.
// rnd returns a float in [0, 1).
func trialAmount(s SwapSettings, token Token, rnd func() float64) decimal.Decimal {
	var v float64
	switch s.Mode {
	case AmountFixed:
		v = s.Fixed
	case AmountFixedRandomUpper:
		v = uniform(s.Fixed, s.Upper, rnd)
	default:
		v = uniform(token.Min, token.Max, rnd)
	}
	return decimal.NewFromFloat(v).Truncate(token.Decimals)
}

func uniform(lo, hi float64, rnd func() float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rnd()*(hi-lo)
}
