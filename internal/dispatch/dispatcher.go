// Package dispatch runs inbound events through a handler with a hard cap on
// concurrently in-flight invocations.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"hearthbot/internal/eventbus"
	"hearthbot/pkg/logx"
)

// Handler processes one event. Its error is logged and otherwise ignored.
type Handler[E any] func(ctx context.Context, ev E) error

type Config struct {
	MaxConcurrent int
}

// Snapshot is a point-in-time view of dispatcher counters.
type Snapshot struct {
	InFlight int64  `json:"in_flight"`
	Peak     int64  `json:"peak"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
}

// Dispatcher admits events in arrival order. When every slot is taken it stops
// reading the queue until one frees; a received event is never discarded.
type Dispatcher[E any] struct {
	cfg     Config
	handler Handler[E]
	log     logx.Logger
	bus     eventbus.Bus

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}

	inFlight atomic.Int64
	peak     atomic.Int64
	handled  atomic.Uint64
	failed   atomic.Uint64
}

func New[E any](cfg Config, h Handler[E], log logx.Logger, bus eventbus.Bus) *Dispatcher[E] {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Dispatcher[E]{
		cfg:     cfg,
		handler: h,
		log:     log.With(logx.String("comp", "dispatch")),
		bus:     bus,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stopCh:  make(chan struct{}),
	}
}

// Run consumes events until the channel is closed, ctx is done or Shutdown is
// called, then waits for every admitted handler before returning.
func (d *Dispatcher[E]) Run(ctx context.Context, events <-chan E) error {
	defer d.wg.Wait()

	d.log.Info("dispatcher started", logx.Int("max_concurrent", d.cfg.MaxConcurrent))
	for {
		// Fast-exit check: a pending shutdown wins over a ready event.
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher draining", logx.Int64("in_flight", d.inFlight.Load()))
			return nil
		case <-d.stopCh:
			d.log.Info("dispatcher draining", logx.Int64("in_flight", d.inFlight.Load()))
			return nil
		default:
		}

		var (
			ev E
			ok bool
		)
		select {
		case <-ctx.Done():
			continue
		case <-d.stopCh:
			continue
		case ev, ok = <-events:
			if !ok {
				d.log.Info("event queue closed, draining", logx.Int64("in_flight", d.inFlight.Load()))
				return nil
			}
		}

		// Blocks while all slots are busy. Not tied to ctx: the event is already ours.
		if err := d.slots.Acquire(context.Background(), 1); err != nil {
			return fmt.Errorf("acquire slot: %w", err)
		}
		d.wg.Add(1)
		go d.handle(ctx, ev)
	}
}

func (d *Dispatcher[E]) handle(parent context.Context, ev E) {
	defer d.wg.Done()
	defer d.slots.Release(1)

	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}

	// shutdown must not cancel an admitted handler
	ctx := context.WithoutCancel(parent)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return d.handler(ctx, ev)
	}()

	d.handled.Add(1)
	if err != nil {
		d.failed.Add(1)
		d.log.Warn("handler failed", logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: err.Error()})
	}
}

// Shutdown stops admission. Run still waits for in-flight handlers.
func (d *Dispatcher[E]) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher[E]) Snapshot() Snapshot {
	return Snapshot{
		InFlight: d.inFlight.Load(),
		Peak:     d.peak.Load(),
		Handled:  d.handled.Load(),
		Failed:   d.failed.Load(),
	}
}
