package taskarmy

import (
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
)

// accessRecord is the per-origin state of the AccessGuard
type accessRecord struct {
	whitelisted bool
	// zero means the whitelist entry never expires
	expiresAt time.Time
	// requests holds the timestamps of recorded uses inside the current window
	requests []time.Time
}

// AccessGuard enforces per-origin whitelisting and request-rate limits.
//
// The request counter is a sliding window of timestamped entries. Entries older than the
// window are pruned lazily whenever the origin is checked or used, so no timer is ever
// scheduled per request. Whitelist expiry is evaluated the same way.
type AccessGuard struct {
	mu      sync.Mutex
	records map[string]*accessRecord

	limit  int
	window time.Duration
	now    Clock
}

// NewAccessGuard creates an AccessGuard with a 60 requests per 60 seconds limit by default.
func NewAccessGuard(opts ...AccessGuardOption) *AccessGuard {
	g := &AccessGuard{
		records: map[string]*accessRecord{},
		limit:   DefaultRateLimit,
		window:  DefaultRateLimitWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// getRecord returns the record for origin after pruning it. Must be called with g.mu held.
func (g *AccessGuard) getRecord(origin string, create bool) *accessRecord {
	rec, ok := g.records[origin]
	if !ok {
		if !create {
			return nil
		}
		rec = &accessRecord{}
		g.records[origin] = rec
	}
	g.prune(rec)
	return rec
}

func (g *AccessGuard) prune(rec *accessRecord) {
	now := g.now()
	if rec.whitelisted && !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
		rec.whitelisted = false
		rec.expiresAt = time.Time{}
	}
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(rec.requests) && !rec.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rec.requests = append(rec.requests[:0], rec.requests[i:]...)
	}
}

// Authorize reports whether origin is whitelisted and below the request limit.
// It doesn't record a use.
func (g *AccessGuard) Authorize(origin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getRecord(origin, false)
	if rec == nil || !rec.whitelisted {
		return false
	}
	return len(rec.requests) < g.limit
}

// RecordUse counts one request for origin in the current window.
func (g *AccessGuard) RecordUse(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getRecord(origin, true)
	rec.requests = append(rec.requests, g.now())
}

// Whitelist adds origin. A positive ttl makes the membership expire after ttl,
// zero makes it permanent. Whitelisting again replaces the previous expiry.
func (g *AccessGuard) Whitelist(origin string, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getRecord(origin, true)
	rec.whitelisted = true
	rec.expiresAt = time.Time{}
	if ttl > 0 {
		rec.expiresAt = g.now().Add(ttl)
	}

	logger.WithFields(logger.Fields{
		"origin": origin,
		"ttl":    ttl.String(),
	}).Debug("Origin whitelisted")
}

// Remove drops origin from the whitelist. Its request log is kept.
func (g *AccessGuard) Remove(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[origin]; ok {
		rec.whitelisted = false
		rec.expiresAt = time.Time{}
	}
}

// ResetCounter clears the request log of origin.
func (g *AccessGuard) ResetCounter(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[origin]; ok {
		rec.requests = nil
	}
}

// Count returns the number of requests recorded for origin inside the current window.
func (g *AccessGuard) Count(origin string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getRecord(origin, false)
	if rec == nil {
		return 0
	}
	return len(rec.requests)
}

// IsWhitelisted reports whether origin is currently whitelisted, regardless of its counter.
func (g *AccessGuard) IsWhitelisted(origin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getRecord(origin, false)
	return rec != nil && rec.whitelisted
}
