package settlement

import "sync/atomic"

const (
	guardIdle int32 = iota
	guardBusy
)

// Guard is a non-blocking Idle -> Busy -> Idle lock. A second Enter while Busy
// fails instead of waiting, whether it comes from a nested call or another
// goroutine.
type Guard struct {
	state atomic.Int32
}

// Enter moves the guard to Busy. The returned release must be called exactly
// once, on every exit path.
func (g *Guard) Enter() (release func(), err error) {
	if !g.state.CompareAndSwap(guardIdle, guardBusy) {
		return nil, ErrReentrantCall
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.state.Store(guardIdle)
		}
	}, nil
}

// Busy reports whether a guarded call is in progress.
func (g *Guard) Busy() bool {
	return g.state.Load() == guardBusy
}
