package wsocket

import "sync"

// gate is the "halted gate" latch: a close-and-replace chan struct{} where
// a *closed* channel means traffic flows (open for traffic) and a fresh,
// never-closed channel means callers must block. The name describes the
// halted state, the representation is inverted from it.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch) // starts open-for-traffic
	return &gate{ch: ch}
}

// wait blocks until the gate is open for traffic or done fires first.
func (g *gate) wait(done <-chan struct{}) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-done:
		return false
	}
}

// halt closes traffic by swapping in a fresh, unclosed channel. Idempotent:
// halting an already-halted gate is a no-op.
func (g *gate) halt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already halted
	}
}

// resume reopens traffic by closing the current channel. Idempotent.
func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already open
	default:
		close(g.ch)
	}
}
