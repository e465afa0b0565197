// Package broadcast pushes job state transitions to observers. There is at
// most one observer per job and delivery is best effort: an observer which
// fails to accept an event is dropped, the job never waits for it.
package broadcast

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

// Observer receives events of a single job. Send must not block, an error
// means the observer is gone.
type Observer interface {
	Send(ctx context.Context, e model.Event) error
}

type subscription struct {
	obs Observer
	seq uint64
}

type Broadcaster struct {
	mx   sync.Mutex
	subs map[string]subscription
	seq  uint64
}

func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]subscription),
	}
}

// Subscribe registers obs for jobID. An existing observer is replaced and
// closed.
func (b *Broadcaster) Subscribe(jobID string, obs Observer) {
	if obs == nil {
		return
	}
	b.mx.Lock()
	b.seq++
	old, had := b.subs[jobID]
	b.subs[jobID] = subscription{obs: obs, seq: b.seq}
	b.mx.Unlock()
	if had {
		closeObserver(old.obs)
	}
}

// Unsubscribe removes and closes the observer of jobID, if any.
func (b *Broadcaster) Unsubscribe(jobID string) {
	b.mx.Lock()
	old, had := b.subs[jobID]
	delete(b.subs, jobID)
	b.mx.Unlock()
	if had {
		closeObserver(old.obs)
	}
}

// UnsubscribeObserver removes and closes obs only if it is still the
// observer of jobID. A newer subscriber is left untouched.
func (b *Broadcaster) UnsubscribeObserver(jobID string, obs Observer) bool {
	b.mx.Lock()
	sub, ok := b.subs[jobID]
	if !ok || !sameObserver(sub.obs, obs) {
		b.mx.Unlock()
		return false
	}
	delete(b.subs, jobID)
	b.mx.Unlock()
	closeObserver(sub.obs)
	return true
}

// Publish delivers e to the observer of e.JobID. Failed delivery
// unsubscribes the observer. After a final event the observer is always
// removed.
func (b *Broadcaster) Publish(ctx context.Context, e model.Event) {
	b.mx.Lock()
	sub, ok := b.subs[e.JobID]
	b.mx.Unlock()
	if !ok {
		return
	}

	err := sub.obs.Send(ctx, e)
	if err != nil {
		slog.DebugContext(log.WithJob(ctx, e.JobID), "observer dropped", "error", err)
	}
	if err != nil || e.Final {
		b.drop(e.JobID, sub.seq)
	}
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs)
}

// drop removes the subscription only if it was not replaced in between.
func (b *Broadcaster) drop(jobID string, seq uint64) {
	b.mx.Lock()
	sub, ok := b.subs[jobID]
	if !ok || sub.seq != seq {
		b.mx.Unlock()
		return
	}
	delete(b.subs, jobID)
	b.mx.Unlock()
	closeObserver(sub.obs)
}

// sameObserver compares observers by identity, observers of uncomparable
// types like FuncObserver never match.
func sameObserver(a, b Observer) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func closeObserver(obs Observer) {
	if c, ok := obs.(io.Closer); ok {
		_ = c.Close()
	}
}
