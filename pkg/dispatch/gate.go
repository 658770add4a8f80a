package dispatch

import (
	"context"
	"sync"

	"github.com/harun/agentgate/pkg/session"
)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Gate is a single-slot baton linking a mutating call to its predecessor.
// A nil Gate never blocks.
type Gate struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
	sess *session.Session
}

func newGate(prev <-chan struct{}, sess *session.Session) *Gate {
	if prev == nil {
		prev = closedChan
	}
	return &Gate{prev: prev, done: make(chan struct{}), sess: sess}
}

// Wait blocks until the predecessor has released. It fails with ErrCancelled
// when the session was cancelled in the meantime.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.prev:
	case <-ctx.Done():
		return ctx.Err()
	}
	if g.sess != nil && g.sess.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Release marks this call complete. Completion is transitive: the gate does not
// open before its predecessor has.
func (g *Gate) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		<-g.prev
		close(g.done)
	})
}

// Done is closed once the gate has been released.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
