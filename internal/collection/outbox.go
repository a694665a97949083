package collection

import (
	"context"
	"sync"
	"time"
)

// remoteOpTimeout bounds a single queued remote call.
const remoteOpTimeout = 30 * time.Second

// outbox runs queued remote calls one at a time in submission order.
// Callers never block on push; flush waits for the queue to drain.
type outbox struct {
	mu      sync.Mutex
	queue   []func(context.Context)
	pending int           // queued plus running
	idle    chan struct{} // closed whenever pending drops to zero

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newOutbox() *outbox {
	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	o := &outbox{
		idle:   idle,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run()

	return o
}

func (o *outbox) push(job func(context.Context)) {
	o.mu.Lock()
	if o.pending == 0 {
		o.idle = make(chan struct{})
	}

	o.pending++
	o.queue = append(o.queue, job)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// flush blocks until every job pushed so far has finished.
func (o *outbox) flush(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the worker.
func (o *outbox) close() {
	_ = o.flush(context.Background())
	o.cancel()
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}

			job := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			o.exec(job)

			o.mu.Lock()
			o.pending--
			if o.pending == 0 {
				close(o.idle)
			}
			o.mu.Unlock()
		}
	}
}

func (o *outbox) exec(job func(context.Context)) {
	ctx, cancel := context.WithTimeout(o.ctx, remoteOpTimeout)
	defer cancel()

	job(ctx)
}
