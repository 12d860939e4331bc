package viewupdate

import (
	"context"
	"sync"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
)

type gateWaiter struct {
	units int
	ready chan struct{}
	err   error
}

// RegistrationGate is a counting permit gate. Unlike a plain semaphore the
// count may be driven negative with Consume, and the gate can be broken,
// failing every current and future waiter.
type RegistrationGate struct {
	mu      sync.Mutex
	count   int
	broken  bool
	waiters []*gateWaiter
}

// NewRegistrationGate creates a gate holding initial permits
func NewRegistrationGate(initial int) *RegistrationGate {
	return &RegistrationGate{count: initial}
}

// Available returns the current permit count, which may be negative
func (g *RegistrationGate) Available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Consume takes units without waiting
func (g *RegistrationGate) Consume(units int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count -= units
}

// Signal returns units to the gate and admits waiters in arrival order
func (g *RegistrationGate) Signal(units int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count += units
	g.admitLocked()
}

// Wait blocks until units are available, ctx is done, or the gate is broken
func (g *RegistrationGate) Wait(ctx context.Context, units int) error {
	g.mu.Lock()
	if g.broken {
		g.mu.Unlock()
		return storageerrors.ErrGateBroken
	}
	if len(g.waiters) == 0 && g.count >= units {
		g.count -= units
		g.mu.Unlock()
		return nil
	}
	w := &gateWaiter{units: units, ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-w.ready:
		// admitted or broken while we were giving up
		return w.err
	default:
	}
	for i, other := range g.waiters {
		if other == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			break
		}
	}
	g.admitLocked()
	return ctx.Err()
}

// Break fails all current and future waiters with ErrGateBroken
func (g *RegistrationGate) Break() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broken = true
	for _, w := range g.waiters {
		w.err = storageerrors.ErrGateBroken
		close(w.ready)
	}
	g.waiters = nil
}

func (g *RegistrationGate) admitLocked() {
	for len(g.waiters) > 0 && g.waiters[0].units <= g.count {
		w := g.waiters[0]
		g.waiters[0] = nil
		g.waiters = g.waiters[1:]
		g.count -= w.units
		close(w.ready)
	}
}

func (g *RegistrationGate) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
