package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

// ChanObserver delivers events into a buffered channel. A full buffer is
// treated as a dead observer. The channel is closed by Close, which the
// Broadcaster calls on unsubscribe.
type ChanObserver struct {
	mx     sync.Mutex
	ch     chan model.Event
	closed bool
}

func NewChanObserver(buffer int) *ChanObserver {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanObserver{ch: make(chan model.Event, buffer)}
}

func (o *ChanObserver) Send(_ context.Context, e model.Event) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.closed {
		return model.ErrObserverGone
	}
	select {
	case o.ch <- e:
		return nil
	default:
		return fmt.Errorf("buffer of %d events full: %w", cap(o.ch), model.ErrObserverGone)
	}
}

// Events returns the receiving side. It is closed once the observer is
// unsubscribed.
func (o *ChanObserver) Events() <-chan model.Event {
	return o.ch
}

func (o *ChanObserver) Close() error {
	o.mx.Lock()
	defer o.mx.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	return nil
}

// FuncObserver adapts a function to Observer.
type FuncObserver func(ctx context.Context, e model.Event) error

func (f FuncObserver) Send(ctx context.Context, e model.Event) error {
	return f(ctx, e)
}
