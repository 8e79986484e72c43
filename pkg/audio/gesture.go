package audio

import (
	"context"
	"sync"
)

// Gesture is a one-shot latch that opens when the user first interacts with
// the page. Hosts that forbid audio before a user gesture signal it from
// their input handler; everything that creates or resumes audio waits on it.
//
// The zero value is ready to use.
type Gesture struct {
	once sync.Once
	mu   sync.Mutex
	ch   chan struct{}
}

func (g *Gesture) done() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	return g.ch
}

// Signal opens the latch. Calls after the first are no-ops.
func (g *Gesture) Signal() {
	ch := g.done()
	g.once.Do(func() { close(ch) })
}

// Done returns a channel closed once the latch has opened.
func (g *Gesture) Done() <-chan struct{} { return g.done() }

// Signalled reports whether the latch has opened.
func (g *Gesture) Signalled() bool {
	select {
	case <-g.done():
		return true
	default:
		return false
	}
}

// Wait blocks until the latch opens or ctx is done.
func (g *Gesture) Wait(ctx context.Context) error {
	select {
	case <-g.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
