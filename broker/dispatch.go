package broker

import (
	"context"
	"sync"

	"github.com/tinysqlapi/broker/storage"
	"github.com/tinysqlapi/broker/wire"
)

// queuedRequest is one FIFO entry awaiting serial SQL execution (spec §4.4).
type queuedRequest struct {
	req wire.Request
}

// dispatchResult is what the Dispatcher hands back to the broker core
// after executing one queued request.
type dispatchResult struct {
	job    queuedRequest
	cursor *storage.Cursor
	status wire.ErrorCode
	err    error
}

// Dispatcher is C4: a FIFO of pending SQL requests, drained one at a time
// by a dedicated goroutine so the broker's own event loop never blocks on
// SQL execution (spec §5: "concurrent request intake continues to enqueue
// frames during execution, which is why C4's queue is required").
type Dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedRequest
	executor *storage.Executor
	out      chan<- dispatchResult
	quit     bool
}

func newDispatcher(executor *storage.Executor, out chan<- dispatchResult) *Dispatcher {
	d := &Dispatcher{executor: executor, out: out}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.quit {
			d.cond.Wait()
		}
		if d.quit {
			d.mu.Unlock()
			return
		}
		// Peek, don't pop: the head stays in the queue while it executes
		// so Cancel (spec §4.4) can tell "may already be executing" apart
		// from "safe to remove" just by index.
		next := d.queue[0]
		d.mu.Unlock()

		cursor, status, err := d.executor.Execute(context.Background(), next.req)

		d.mu.Lock()
		d.queue = d.queue[1:]
		empty := len(d.queue) == 0
		d.mu.Unlock()
		if empty {
			d.cond.Broadcast()
		}

		d.out <- dispatchResult{job: next, cursor: cursor, status: status, err: err}
	}
}

// Enqueue appends a SQL request to the tail of the queue.
func (d *Dispatcher) Enqueue(req wire.Request) {
	d.mu.Lock()
	d.queue = append(d.queue, queuedRequest{req: req})
	d.mu.Unlock()
	d.cond.Signal()
}

// Cancel removes the most recent queued request from clientID, scanning
// from the tail toward the head but never touching index 0, which may
// already be executing (spec §4.4). Reports whether anything was removed.
func (d *Dispatcher) Cancel(clientID int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.queue) - 1; i >= 1; i-- {
		if d.queue[i].req.ClientID == clientID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return true
		}
	}
	return false
}

// WaitEmpty blocks until the queue is empty, including the head entry that
// may be executing — used by ChangeDB (spec §4.4) before rebinding the
// executor.
func (d *Dispatcher) WaitEmpty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) != 0 {
		d.cond.Wait()
	}
}

// Stop terminates the dispatcher's goroutine once it next wakes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.quit = true
	d.mu.Unlock()
	d.cond.Broadcast()
}
