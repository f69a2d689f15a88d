package ratelimit

import (
	"context"
	"math"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 60
)

// Policy is the budget for one route: at most MaxRequests per Window per identifier.
// Zero fields take DefaultWindow and DefaultMaxRequests.
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultMaxRequests
	}
	return p
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time

	// FirstDenial is set on the first rejection of an identifier within a window.
	FirstDenial bool
}

// RetryAfter is the number of whole seconds until ResetAt, rounded up and at least 1.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Checker decides whether one more request from identifier fits the policy.
// A rejection is a normal Result; errors are reserved for backend failures.
type Checker interface {
	Check(ctx context.Context, identifier string, p Policy) (Result, error)
}
