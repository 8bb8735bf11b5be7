package security

import (
	"log/slog"
	"sync"
	"time"
)

// windowEntry tracks one identifier's request count within the current
// fixed window.
type windowEntry struct {
	count   int
	resetAt time.Time
}

// CheckResult is the outcome of a single rate-limit check.
type CheckResult struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the maximum number of requests per window.
	Limit int

	// Remaining is how many requests are left in the current window.
	Remaining int

	// ResetAt is when the current window expires and the counter resets.
	ResetAt time.Time
}

// FixedWindowLimiter is a per-identifier fixed-window rate limiter. Each
// identifier (IP, user ID) gets a counter that resets entirely when its
// window elapses. Entries are removed lazily on check and by a background
// sweep, bounding memory growth.
//
// State is process-memory only and does not survive restarts; for
// multi-instance deployments the same contract must be backed by a shared
// atomic store.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry

	window time.Duration
	limit  int

	logger        *slog.Logger
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	now func() time.Time // injectable clock for tests

	totalDenied int64
	totalSwept  int64
}

// FixedWindowOption customizes a FixedWindowLimiter.
type FixedWindowOption func(*FixedWindowLimiter)

// WithSweepInterval overrides how often expired entries are swept. The sweep
// interval is decoupled from the window duration; expired entries are also
// detected lazily on check, so a longer interval only delays reclamation.
func WithSweepInterval(d time.Duration) FixedWindowOption {
	return func(l *FixedWindowLimiter) { l.sweepInterval = d }
}

// WithClock injects a clock, letting tests control window boundaries
// deterministically.
func WithClock(now func() time.Time) FixedWindowOption {
	return func(l *FixedWindowLimiter) { l.now = now }
}

// NewFixedWindowLimiter creates a limiter allowing limit requests per window
// per identifier and starts its background sweep. Distinct limiter instances
// are expected per protected surface (a stricter one for login attempts than
// for general API calls). Call Stop when the limiter is no longer needed.
func NewFixedWindowLimiter(window time.Duration, limit int, logger *slog.Logger, opts ...FixedWindowOption) *FixedWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	l := &FixedWindowLimiter{
		entries:       make(map[string]*windowEntry),
		window:        window,
		limit:         limit,
		logger:        logger,
		sweepInterval: 5 * time.Minute,
		stopSweep:     make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()

	return l
}

// Check records a request attempt for identifier and reports whether it is
// allowed. A fresh or expired window starts a new count at 1. Within a live
// window the count is incremented while below the limit; at the limit the
// request is denied without incrementing.
func (l *FixedWindowLimiter) Check(identifier string) CheckResult {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[identifier]
	if !ok || !now.Before(entry.resetAt) {
		entry = &windowEntry{count: 1, resetAt: now.Add(l.window)}
		l.entries[identifier] = entry
		return CheckResult{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit - 1,
			ResetAt:   entry.resetAt,
		}
	}

	if entry.count < l.limit {
		entry.count++
		return CheckResult{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit - entry.count,
			ResetAt:   entry.resetAt,
		}
	}

	l.totalDenied++
	return CheckResult{
		Allowed:   false,
		Limit:     l.limit,
		Remaining: 0,
		ResetAt:   entry.resetAt,
	}
}

// sweepLoop periodically removes expired window entries.
func (l *FixedWindowLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// Sweep removes all entries whose window has already expired.
func (l *FixedWindowLimiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, entry := range l.entries {
		if !now.Before(entry.resetAt) {
			delete(l.entries, id)
			removed++
		}
	}

	if removed > 0 {
		l.totalSwept += int64(removed)
		l.logger.Debug("rate limiter sweep completed",
			"removed", removed,
			"remaining", len(l.entries))
	}
}

// Stop terminates the background sweep goroutine.
func (l *FixedWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

// LimiterStats holds limiter counters for monitoring.
type LimiterStats struct {
	CurrentEntries int
	TotalDenied    int64
	TotalSwept     int64
}

// Stats returns a snapshot of the limiter's counters.
func (l *FixedWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		CurrentEntries: len(l.entries),
		TotalDenied:    l.totalDenied,
		TotalSwept:     l.totalSwept,
	}
}
