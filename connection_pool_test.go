package taskarmy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolSetup struct {
	Pool    *ConnectionPool
	Guard   *AccessGuard
	Dialer  *mockDialer
	Sleeper *recordingSleeper
	Clock   *fakeClock
	Ep      Endpoint
}

func newPoolSetup(t *testing.T, opts ...ConnectionPoolOption) *poolSetup {
	t.Helper()
	clock := newFakeClock()
	guard := NewAccessGuard(WithGuardClock(clock.Now))
	dialer := &mockDialer{}
	sleeper := &recordingSleeper{}
	ep := Endpoint{URL: "https://rpc.example.com/v1", ChainID: 10143}
	guard.Whitelist(ep.Origin(), 0)

	base := []ConnectionPoolOption{
		WithDialer(dialer.Dial),
		WithPoolClock(clock.Now),
		WithPoolSleeper(sleeper.Sleep),
	}
	pool := NewConnectionPool(guard, append(base, opts...)...)
	t.Cleanup(pool.Close)

	return &poolSetup{Pool: pool, Guard: guard, Dialer: dialer, Sleeper: sleeper, Clock: clock, Ep: ep}
}

func TestEndpointIdentity(t *testing.T) {
	ep := Endpoint{URL: "https://rpc.example.com:8545/path", ChainID: 1}
	assert.Equal(t, "1@https://rpc.example.com:8545/path", ep.Key())
	assert.Equal(t, "rpc.example.com", ep.Origin())

	assert.Equal(t, "not a url", Endpoint{URL: "not a url"}.Origin())
}

func TestAcquireReusesValidConnection(t *testing.T) {
	s := newPoolSetup(t)
	ctx := context.Background()

	first, err := s.Pool.Acquire(ctx, s.Ep)
	require.NoError(t, err)

	s.Clock.Advance(DefaultConnectionTimeout - time.Second)
	second, err := s.Pool.Acquire(ctx, s.Ep)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Dialer.dialCount())
	assert.Equal(t, s.Clock.Now(), second.LastUsedAt(), "acquire refreshes the last used time")
}

func TestAcquireAfterTimeoutEstablishesNewConnection(t *testing.T) {
	s := newPoolSetup(t)
	ctx := context.Background()

	first, err := s.Pool.Acquire(ctx, s.Ep)
	require.NoError(t, err)

	s.Clock.Advance(DefaultConnectionTimeout)
	assert.False(t, first.Valid(s.Clock.Now(), DefaultConnectionTimeout))

	second, err := s.Pool.Acquire(ctx, s.Ep)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.IsActive())
	assert.Equal(t, 1, s.Dialer.Clients[0].CloseCalls)
	assert.Equal(t, 2, s.Dialer.dialCount())
}

func TestEstablishBackoff(t *testing.T) {
	s := newPoolSetup(t)
	dialErr := errors.New("connection refused")
	s.Dialer.DialFn = func(ctx context.Context, endpoint Endpoint) (ChainClient, error) {
		return nil, dialErr
	}

	_, err := s.Pool.Establish(context.Background(), s.Ep)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, dialErr)

	// delay before attempt k is 2^(k-1) seconds, no 4th attempt
	assert.Equal(t, DefaultMaxRetries, s.Dialer.dialCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Sleeper.recorded())
	assert.Equal(t, 0, s.Pool.Len())
}

func TestEstablishRecoversAfterTransientFailure(t *testing.T) {
	s := newPoolSetup(t)
	calls := 0
	s.Dialer.DialFn = func(ctx context.Context, endpoint Endpoint) (ChainClient, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return newMockChainClient(), nil
	}

	conn, err := s.Pool.Acquire(context.Background(), s.Ep)
	require.NoError(t, err)
	assert.True(t, conn.IsActive())
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Sleeper.recorded())
	assert.Equal(t, 3, s.Guard.Count(s.Ep.Origin()), "every attempt is counted against the origin")
}

func TestEstablishAuthorizationDenialIsNotRetried(t *testing.T) {
	s := newPoolSetup(t)
	s.Guard.Remove(s.Ep.Origin())

	_, err := s.Pool.Acquire(context.Background(), s.Ep)
	require.Error(t, err)

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "rpc.example.com", authErr.Origin)
	assert.Equal(t, 0, s.Dialer.dialCount())
	assert.Empty(t, s.Sleeper.recorded())
}

func TestEstablishRateLimitedMidRetry(t *testing.T) {
	s := newPoolSetup(t)
	s.Guard = NewAccessGuard(WithGuardClock(s.Clock.Now), WithRateLimit(1, time.Minute))
	s.Guard.Whitelist(s.Ep.Origin(), 0)
	s.Pool = NewConnectionPool(s.Guard, WithDialer(s.Dialer.Dial), WithPoolClock(s.Clock.Now), WithPoolSleeper(s.Sleeper.Sleep))
	s.Dialer.DialFn = func(ctx context.Context, endpoint Endpoint) (ChainClient, error) {
		return nil, errors.New("unreachable")
	}

	_, err := s.Pool.Establish(context.Background(), s.Ep)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, s.Dialer.dialCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newPoolSetup(t)
	conn, err := s.Pool.Acquire(context.Background(), s.Ep)
	require.NoError(t, err)

	s.Pool.Release(s.Ep)
	s.Pool.Release(s.Ep)

	assert.False(t, conn.IsActive())
	assert.Equal(t, 0, s.Pool.Len())
	assert.Equal(t, 1, s.Dialer.Clients[0].CloseCalls)

	s.Pool.Release(Endpoint{URL: "https://never.example.com", ChainID: 5})
}

func TestSweepEvictsExpiredConnections(t *testing.T) {
	s := newPoolSetup(t)
	ctx := context.Background()
	other := Endpoint{URL: "https://other.example.com", ChainID: 1}
	s.Guard.Whitelist(other.Origin(), 0)

	_, err := s.Pool.Acquire(ctx, s.Ep)
	require.NoError(t, err)
	s.Clock.Advance(3 * time.Minute)
	fresh, err := s.Pool.Acquire(ctx, other)
	require.NoError(t, err)
	s.Clock.Advance(3 * time.Minute)

	assert.Equal(t, 1, s.Pool.Sweep())
	assert.Equal(t, 1, s.Pool.Len())
	assert.True(t, fresh.IsActive())
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	s := newPoolSetup(t, WithConnectionTimeout(time.Nanosecond))
	_, err := s.Pool.Acquire(context.Background(), s.Ep)
	require.NoError(t, err)
	s.Clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := s.Pool.StartSweeper(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return s.Pool.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestConcurrentAcquireDialsOnce(t *testing.T) {
	s := newPoolSetup(t)
	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := s.Pool.Acquire(context.Background(), s.Ep)
			if err == nil {
				ids[i] = conn.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s.Dialer.dialCount())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	s := newPoolSetup(t)
	_, err := s.Pool.Acquire(context.Background(), s.Ep)
	require.NoError(t, err)

	s.Pool.Close()
	assert.Equal(t, 0, s.Pool.Len())

	_, err = s.Pool.Acquire(context.Background(), s.Ep)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
