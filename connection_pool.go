package taskarmy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/google/uuid"
)

// Endpoint is an RPC target identified by URL plus chain id.
type Endpoint struct {
	URL     string
	ChainID uint64
}

// Key is the identity used as the pool cache key
func (e Endpoint) Key() string {
	return strconv.FormatUint(e.ChainID, 10) + "@" + e.URL
}

// Origin is the identity the AccessGuard evaluates, the host of the URL.
func (e Endpoint) Origin() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Hostname() == "" {
		return e.URL
	}
	return u.Hostname()
}

func (e Endpoint) String() string {
	return e.Key()
}

// Connection is a validated handle to an Endpoint.
type Connection struct {
	ID       string
	Endpoint Endpoint
	Client   ChainClient

	mu         sync.Mutex
	lastUsedAt time.Time
	active     bool
}

// Valid reports whether the connection is active and was used less than timeout ago.
func (c *Connection) Valid(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && now.Sub(c.lastUsedAt) < timeout
}

// LastUsedAt returns the time of the last successful use
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// IsActive reports whether the connection has not been released
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsedAt = now
	c.mu.Unlock()
}

// deactivate marks the connection inactive and reports whether it was active before
func (c *Connection) deactivate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasActive := c.active
	c.active = false
	return wasActive
}

// ConnectionPool caches live connections keyed by endpoint identity.
// Establishing a connection is gated by the AccessGuard and retried with exponential backoff.
type ConnectionPool struct {
	guard *AccessGuard

	// connections keyed by Endpoint.Key()
	connections sync.Map // map[string]*Connection

	// Endpoint-level locks so concurrent acquires dial at most once
	endpointLocks sync.Map // map[string]*sync.Mutex

	dialer      Dialer
	now         Clock
	sleep       Sleeper
	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration

	closeMu sync.RWMutex
	closed  bool
}

// NewConnectionPool creates a pool gated by guard.
func NewConnectionPool(guard *AccessGuard, opts ...ConnectionPoolOption) *ConnectionPool {
	p := &ConnectionPool{
		guard:       guard,
		dialer:      DefaultDialer,
		now:         time.Now,
		sleep:       realSleep,
		timeout:     DefaultConnectionTimeout,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.guard == nil {
		p.guard = NewAccessGuard()
	}
	return p
}

// getEndpointLock returns the lock for a specific endpoint, creating it if necessary
func (p *ConnectionPool) getEndpointLock(key string) *sync.Mutex {
	lock, _ := p.endpointLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (p *ConnectionPool) getConnection(key string) *Connection {
	if c, ok := p.connections.Load(key); ok {
		return c.(*Connection)
	}
	return nil
}

// Acquire returns the cached connection for endpoint if it is still valid, refreshing its
// last-used time. Otherwise it evicts the stale one and establishes a new connection.
func (p *ConnectionPool) Acquire(ctx context.Context, endpoint Endpoint) (*Connection, error) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	key := endpoint.Key()
	lock := p.getEndpointLock(key)
	lock.Lock()
	defer lock.Unlock()

	if conn := p.getConnection(key); conn != nil {
		now := p.now()
		if conn.Valid(now, p.timeout) {
			conn.touch(now)
			return conn, nil
		}
		p.evict(key, conn)
	}

	return p.establishLocked(ctx, endpoint)
}

// Establish dials a fresh connection for endpoint and caches it, replacing any cached one.
//
// Up to maxRetries attempts are made. The delay before attempt k (0-indexed) is
// 2^(k-1) times the backoff base. An AccessGuard denial fails immediately with
// *AuthorizationError and is never retried.
func (p *ConnectionPool) Establish(ctx context.Context, endpoint Endpoint) (*Connection, error) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	key := endpoint.Key()
	lock := p.getEndpointLock(key)
	lock.Lock()
	defer lock.Unlock()

	if conn := p.getConnection(key); conn != nil {
		p.evict(key, conn)
	}
	return p.establishLocked(ctx, endpoint)
}

func (p *ConnectionPool) establishLocked(ctx context.Context, endpoint Endpoint) (*Connection, error) {
	origin := endpoint.Origin()
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt)
			logger.WithFields(logger.Fields{
				"endpoint": endpoint.String(),
				"attempt":  attempt + 1,
				"delay":    delay.String(),
				"error":    lastErr,
			}).Warn("Connection attempt failed, backing off")
			if err := p.sleep(ctx, delay); err != nil {
				return nil, errors.Join(err, lastErr)
			}
		}

		if !p.guard.Authorize(origin) {
			return nil, &AuthorizationError{Origin: origin}
		}
		p.guard.RecordUse(origin)

		client, err := p.dialer(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}

		now := p.now()
		conn := &Connection{
			ID:         uuid.NewString(),
			Endpoint:   endpoint,
			Client:     client,
			lastUsedAt: now,
			active:     true,
		}
		p.connections.Store(endpoint.Key(), conn)

		logger.WithFields(logger.Fields{
			"endpoint":      endpoint.String(),
			"connection_id": conn.ID,
			"attempts":      attempt + 1,
		}).Debug("Connection established")
		return conn, nil
	}

	return nil, errors.Join(
		fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, endpoint.String(), p.maxRetries),
		lastErr,
	)
}

// backoffDelay returns the delay before the given attempt, 2^(attempt-1) * base
func (p *ConnectionPool) backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(1<<uint(attempt-1)) * p.backoffBase
}

// Release marks the cached connection of endpoint inactive and evicts it. Releasing an
// endpoint with no cached connection is a no-op.
func (p *ConnectionPool) Release(endpoint Endpoint) {
	key := endpoint.Key()
	lock := p.getEndpointLock(key)
	lock.Lock()
	defer lock.Unlock()

	if conn := p.getConnection(key); conn != nil {
		p.evict(key, conn)
	}
}

// evict must be called with the endpoint lock held
func (p *ConnectionPool) evict(key string, conn *Connection) {
	p.connections.CompareAndDelete(key, conn)
	if conn.deactivate() && conn.Client != nil {
		conn.Client.Close()
	}
}

// Sweep releases every cached connection that fails the validity check and returns
// how many were evicted.
func (p *ConnectionPool) Sweep() int {
	now := p.now()
	var stale []*Connection
	p.connections.Range(func(_, value any) bool {
		conn := value.(*Connection)
		if !conn.Valid(now, p.timeout) {
			stale = append(stale, conn)
		}
		return true
	})

	evicted := 0
	for _, conn := range stale {
		key := conn.Endpoint.Key()
		lock := p.getEndpointLock(key)
		lock.Lock()
		// recheck under the lock, a concurrent acquire may have refreshed or replaced it
		if current := p.getConnection(key); current == conn && !conn.Valid(p.now(), p.timeout) {
			p.evict(key, conn)
			evicted++
		}
		lock.Unlock()
	}

	if evicted > 0 {
		logger.WithFields(logger.Fields{
			"evicted": evicted,
		}).Debug("Swept expired connections")
	}
	return evicted
}

// StartSweeper runs Sweep every interval until ctx is done. A non-positive interval uses
// DefaultSweepInterval. The returned channel is closed when the sweeper exits.
func (p *ConnectionPool) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
	return done
}

// Len returns the number of cached connections
func (p *ConnectionPool) Len() int {
	n := 0
	p.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close releases every cached connection. Acquire and Establish fail afterwards.
func (p *ConnectionPool) Close() {
	p.closeMu.Lock()
	p.closed = true
	p.closeMu.Unlock()

	p.connections.Range(func(key, value any) bool {
		k := key.(string)
		lock := p.getEndpointLock(k)
		lock.Lock()
		p.evict(k, value.(*Connection))
		lock.Unlock()
		return true
	})
}
