package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/zecode-web/internal/httpmw"
	"github.com/keithlinneman/zecode-web/internal/log"
)

// ResetHeaderLayout formats X-RateLimit-Reset: UTC with millisecond precision.
const ResetHeaderLayout = "2006-01-02T15:04:05.000Z07:00"

// Guard applies a Checker to HTTP routes.
type Guard struct {
	checker Checker
	now     func() time.Time

	// OnDenied is called on every rejected request, used for metrics
	OnDenied func(identifier, route string)

	// OnFirstDenied is called once per identifier per window, used for logging
	OnFirstDenied func(identifier, route string)
}

type GuardOption func(*Guard)

func WithOnDenied(fn func(identifier, route string)) GuardOption {
	return func(g *Guard) { g.OnDenied = fn }
}

func WithOnFirstDenied(fn func(identifier, route string)) GuardOption {
	return func(g *Guard) { g.OnFirstDenied = fn }
}

// WithGuardClock sets the clock used for Retry-After, for tests.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(c Checker, opts ...GuardOption) *Guard {
	g := &Guard{checker: c, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Middleware limits requests for route under p. Every response carries
// X-RateLimit-Remaining and X-RateLimit-Reset; rejections add Retry-After.
// Each route counts a client separately, under the key "<route>:<client>".
// A checker error admits the request and is logged.
func (g *Guard) Middleware(route string, p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := httpmw.ClientIDFromContext(ctx)
			if id == "" {
				id = httpmw.ClientIdentifier(r)
			}

			res, err := g.checker.Check(ctx, route+":"+id, p)
			if err != nil {
				log.FromContext(ctx).Error(ctx, err, "rate limit check failed, admitting request", "route", route)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(ResetHeaderLayout))

			if !res.Allowed {
				if res.FirstDenial && g.OnFirstDenied != nil {
					g.OnFirstDenied(id, route)
				}
				if g.OnDenied != nil {
					g.OnDenied(id, route)
				}
				h.Set("Content-Type", "application/json; charset=utf-8")
				h.Set("Retry-After", strconv.Itoa(res.RetryAfter(g.now())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
