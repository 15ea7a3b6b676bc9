package hellobus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool dispatches events to observers on background workers so slow
// observers never hold up a publish or a delivery. Events that do not fit in
// the buffer are dropped and counted.
type ObserverPool struct {
	queue   chan notification
	workers int
	stop    context.CancelFunc
	stopped <-chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// notification is one event bound to the observers registered when it fired.
type notification struct {
	event     Event
	observers []Observer
}

// NewObserverPool starts workers goroutines (default 4) reading from a buffer
// of bufferSize events (default 1000). Cancelling ctx has the same effect as
// Close without the wait.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		queue:   make(chan notification, bufferSize),
		workers: workers,
		stop:    cancel,
		stopped: poolCtx.Done(),
	}

	op.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go op.run()
	}
	return op
}

// Notify queues e for observers. It never blocks. observers is copied, so the
// caller may reuse the slice.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	n := notification{event: e, observers: append([]Observer(nil), observers...)}
	select {
	case op.queue <- n:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	defer op.wg.Done()
	for {
		select {
		case n := <-op.queue:
			op.dispatch(n)
		case <-op.stopped:
			op.drain()
			return
		}
	}
}

// drain delivers whatever was queued before the pool stopped.
func (op *ObserverPool) drain() {
	for {
		select {
		case n := <-op.queue:
			op.dispatch(n)
		default:
			return
		}
	}
}

func (op *ObserverPool) dispatch(n notification) {
	for _, obs := range n.observers {
		if obs != nil {
			op.call(obs, n.event)
		}
	}
	op.processed.Add(1)
}

// call isolates one observer; a panic is counted and does not reach the others.
func (op *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panics.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits at most timeout for the queue to drain.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.stop()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool counters.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
