package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher queues events and delivers them to a Sink on one goroutine.
// A nil *Dispatcher is valid and drops everything.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool
	queue      chan Event
	stop       chan struct{}
	finished   chan struct{}
	stopOnce   sync.Once
	dropped    atomic.Uint64
	delivered  atomic.Uint64

	// mu is held shared for every send so Close cannot close stop while an
	// event is on its way into queue.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher, or returns nil when cfg.Enabled is false.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Event, max(cfg.BufferSize, 1)),
		stop:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-d.stop:
			// Drain what was accepted before Close.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.sink.Emit(ctx, ev)
	d.delivered.Add(1)
}

// Emit queues ev. With DropIfFull a full queue drops ev immediately; otherwise
// Emit waits for room until ctx is done.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops accepting events, delivers the queued ones and waits for the
// delivery goroutine to exit. Every Emit either lands before Close or counts
// as dropped. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.stop)
		d.mu.Unlock()
	})
	<-d.finished
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered returns how many events reached the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
