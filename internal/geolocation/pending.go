package geolocation

import (
	"context"
	"sync"
)

// Pending is a Locator whose answer arrives later from another party, such
// as the page reporting the outcome of its own position query. The first
// Report or Deny wins; later calls are ignored.
type Pending struct {
	once  sync.Once
	ready chan struct{}
	pos   Position
	err   error
}

// NewPending creates a Pending locator with no answer yet.
func NewPending() *Pending {
	return &Pending{ready: make(chan struct{})}
}

// Report resolves the locator with pos. It reports whether this call set the answer.
func (p *Pending) Report(pos Position) bool {
	return p.settle(pos, nil)
}

// Deny resolves the locator with err, ErrPermissionDenied when err is nil.
func (p *Pending) Deny(err error) bool {
	if err == nil {
		err = ErrPermissionDenied
	}
	return p.settle(Position{}, err)
}

func (p *Pending) settle(pos Position, err error) bool {
	set := false
	p.once.Do(func() {
		p.pos, p.err = pos, err
		close(p.ready)
		set = true
	})
	return set
}

// CurrentPosition waits for the answer or for ctx to end.
func (p *Pending) CurrentPosition(ctx context.Context, _ PositionOptions) (Position, error) {
	select {
	case <-p.ready:
		return p.pos, p.err
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
}
