package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultHighWater is the table size above which expired entries are swept.
const DefaultHighWater = 10_000

type entry struct {
	count   int
	resetAt time.Time
	denied  bool
}

// WindowLimiter is an in-memory fixed-window counter keyed by identifier.
type WindowLimiter struct {
	mu        sync.Mutex
	entries   map[string]*entry
	highWater int
	now       func() time.Time

	// onSweep receives the number of entries removed by each sweep
	onSweep func(removed int)
}

var _ Checker = (*WindowLimiter)(nil)

type Option func(*WindowLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithHighWater sets how many entries the table may hold before a sweep runs.
func WithHighWater(n int) Option {
	return func(l *WindowLimiter) {
		if n > 0 {
			l.highWater = n
		}
	}
}

// WithOnSweep sets a callback invoked after every sweep, used for metrics.
func WithOnSweep(fn func(removed int)) Option {
	return func(l *WindowLimiter) {
		l.onSweep = fn
	}
}

func NewWindowLimiter(opts ...Option) *WindowLimiter {
	l := &WindowLimiter{
		entries:   make(map[string]*entry),
		highWater: DefaultHighWater,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check implements Checker. It never returns an error.
func (l *WindowLimiter) Check(_ context.Context, identifier string, p Policy) (Result, error) {
	p = p.withDefaults()
	return l.Allow(identifier, p.Window, p.MaxRequests), nil
}

// Allow counts one request from identifier against a budget of max per window.
func (l *WindowLimiter) Allow(identifier string, window time.Duration, max int) Result {
	l.mu.Lock()
	now := l.now()

	removed := -1
	if len(l.entries) > l.highWater {
		removed = l.sweepLocked(now)
	}

	var res Result
	e, ok := l.entries[identifier]
	switch {
	case !ok || e.resetAt.Before(now):
		e = &entry{count: 1, resetAt: now.Add(window)}
		l.entries[identifier] = e
		res = Result{Allowed: true, Remaining: max - 1, ResetAt: e.resetAt}
	case e.count >= max:
		res = Result{Allowed: false, Remaining: 0, ResetAt: e.resetAt, FirstDenial: !e.denied}
		e.denied = true
	default:
		e.count++
		res = Result{Allowed: true, Remaining: max - e.count, ResetAt: e.resetAt}
	}
	l.mu.Unlock()

	if removed >= 0 && l.onSweep != nil {
		l.onSweep(removed)
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

// Len reports the number of tracked identifiers, expired or not.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *WindowLimiter) sweepLocked(now time.Time) int {
	n := 0
	for id, e := range l.entries {
		if e.resetAt.Before(now) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}
