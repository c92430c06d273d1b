package pipeline

import "sync/atomic"

// Guard is the single-flight gate for pipeline runs. The process owns
// exactly one; a run may only proceed while holding it.
type Guard struct {
	running atomic.Bool
}

// NewGuard creates a released guard
func NewGuard() *Guard {
	return &Guard{}
}

// TryStart atomically claims the guard. Returns false when a run is already
// in flight; the caller must not proceed and must not retry automatically.
func (g *Guard) TryStart() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release returns the guard to idle. Deferred on every exit path of a run,
// so a failed or panicked run can never lock training out permanently.
func (g *Guard) Release() {
	g.running.Store(false)
}

// Running reports whether a run currently holds the guard
func (g *Guard) Running() bool {
	return g.running.Load()
}
