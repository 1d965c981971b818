package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config sizes the audit-trail queue.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull trades completeness of the trail for login latency: a full
	// queue loses the record instead of stalling the request.
	DropIfFull bool
}

// Dispatcher moves audit-trail records off the request path. One worker
// feeds the Sink, so sinks never see concurrent calls.
type Dispatcher struct {
	cfg   Config
	sink  Sink
	queue chan Event
	stop  chan struct{}
	now   func() time.Time

	worker    sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	lost      atomic.Uint64
	delivered atomic.Uint64
}

// NewDispatcher starts the worker. A disabled Config yields a nil
// *Dispatcher, and every method accepts a nil receiver.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	cfg.BufferSize = max(cfg.BufferSize, 1)
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	d.worker.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.worker.Done()
	for {
		select {
		case ev := <-d.queue:
			d.write(ev)
		case <-d.stop:
			d.flush()
			return
		}
	}
}

// flush writes whatever is still queued after Close.
func (d *Dispatcher) flush() {
	for {
		select {
		case ev := <-d.queue:
			d.write(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) write(ev Event) {
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

// Emit queues ev, stamping it with the decision time if the caller did not.
// A record that cannot be queued, because the queue is full under
// DropIfFull or ctx ends first, is counted as lost.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.lost.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-d.stop:
	case <-ctx.Done():
		d.lost.Add(1)
	}
}

// Close refuses new records, flushes the queue and waits for the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.worker.Wait()
	})
}

// Dropped reports records lost before reaching the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.lost.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
