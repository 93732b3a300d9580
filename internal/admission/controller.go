// Package admission serializes all browser-bound work behind a single slot.
//
// Callers first Enqueue to be counted as waiting, then Admit to block until
// the slot is free. The returned Guard must be released when the work ends.
// Ordering between waiters is whatever the underlying semaphore gives; only
// mutual exclusion is guaranteed.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned by Admit after Close.
	ErrClosed = errors.New("admission controller closed")

	// ErrTicketUsed is returned when a ticket is admitted or cancelled twice.
	ErrTicketUsed = errors.New("admission ticket already used")
)

// Status is a point-in-time view of the counters.
type Status struct {
	Active  int `json:"active_jobs"`
	Waiting int `json:"queued_jobs"`
}

// Busy reports whether any job is running or queued.
func (s Status) Busy() bool {
	return s.Active > 0 || s.Waiting > 0
}

// Controller is the process-wide single-slot gate.
type Controller struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	active  int
	waiting int
	closed  bool

	done      chan struct{}
	closeOnce sync.Once

	// notifyMu orders observer calls; each call reports the counters read
	// under it, so the last delivered value is always current.
	notifyMu  sync.Mutex
	observers []func(Status)
}

// Ticket marks a caller as waiting for the slot.
type Ticket struct {
	c    *Controller
	mu   sync.Mutex
	used bool
}

// Guard holds the slot until Release.
type Guard struct {
	c    *Controller
	once sync.Once
}

// New creates a controller with one slot.
func New() *Controller {
	return &Controller{
		sem:  semaphore.NewWeighted(1),
		done: make(chan struct{}),
	}
}

// OnChange registers fn to be called with the new counters after every
// transition. Must be called before the controller is shared.
func (c *Controller) OnChange(fn func(Status)) {
	c.observers = append(c.observers, fn)
}

// Enqueue counts the caller as waiting and returns its ticket.
func (c *Controller) Enqueue() *Ticket {
	c.mu.Lock()
	c.waiting++
	c.mu.Unlock()

	c.notify()
	return &Ticket{c: c}
}

// Admit blocks until the slot is free, ctx ends, or the controller closes.
// On failure the ticket leaves the waiting count.
func (c *Controller) Admit(ctx context.Context, t *Ticket) (*Guard, error) {
	if err := t.use(); err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-acquireCtx.Done():
		}
	}()

	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		c.leaveQueue()
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("waiting for admission: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.waiting--
		c.mu.Unlock()
		c.sem.Release(1)
		c.notify()
		return nil, ErrClosed
	}
	c.waiting--
	c.active++
	c.mu.Unlock()

	c.notify()
	return &Guard{c: c}, nil
}

// Cancel withdraws a ticket that will never be admitted.
func (t *Ticket) Cancel() {
	if t.use() != nil {
		return
	}
	t.c.leaveQueue()
}

func (t *Ticket) use() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used {
		return ErrTicketUsed
	}
	t.used = true
	return nil
}

// Release frees the slot. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		c := g.c
		c.mu.Lock()
		c.active--
		c.mu.Unlock()

		c.sem.Release(1)
		c.notify()
	})
}

// Status returns the current counters without side effects.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Close rejects further admissions and wakes blocked waiters.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Controller) leaveQueue() {
	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) statusLocked() Status {
	return Status{Active: c.active, Waiting: c.waiting}
}

func (c *Controller) notify() {
	if len(c.observers) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	st := c.Status()
	for _, fn := range c.observers {
		fn(st)
	}
}
