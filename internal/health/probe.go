package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// Probe reports nil when healthy and an error describing the failure otherwise.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := errors.New(reason)
	return func(context.Context) error { return err }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithTimeout bounds p so a slow dependency cannot hang the probe endpoint.
func WithTimeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// ShutdownGate fails once Set has been called.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}

// Latch fails with its reason until Open is called, then passes for good.
type Latch struct {
	open   atomic.Bool
	reason string
}

func NewLatch(reason string) *Latch {
	if reason == "" {
		reason = "starting"
	}
	return &Latch{reason: reason}
}

func (l *Latch) Open() { l.open.Store(true) }

func (l *Latch) Probe() CheckFunc {
	return func(context.Context) error {
		if l.open.Load() {
			return nil
		}
		return errors.New(l.reason)
	}
}
