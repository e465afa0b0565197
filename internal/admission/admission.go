package admission

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Controller bounds the number of concurrently running jobs.
type Controller struct {
	capacity int
	sem      *semaphore.Weighted
	running  atomic.Int64
}

func New(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	return &Controller{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// TryAdmit takes one slot if available. It never blocks. Every admitted
// caller must call Release exactly once.
func (c *Controller) TryAdmit() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.running.Add(1)
	return true
}

// Release returns a slot taken by TryAdmit. Releasing more slots than
// admitted panics.
func (c *Controller) Release() {
	c.running.Add(-1)
	c.sem.Release(1)
}

// Running returns the number of admitted jobs. The value is informative
// only, it may change right after the call.
func (c *Controller) Running() int {
	return int(c.running.Load())
}

func (c *Controller) Capacity() int {
	return c.capacity
}
