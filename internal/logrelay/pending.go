package logrelay

import (
	"context"
	"sync"
)

// Pending tracks one asynchronous submission. It resolves exactly once:
// when the batch carrying the message has been handed to the server, or
// when delivery was abandoned. Callers that never wait get fire-and-forget
// semantics; the channel itself is at-least-once either way.
type Pending struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func resolvedPending(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the submission has been resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err reports the submission outcome. Valid only after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the submission resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
