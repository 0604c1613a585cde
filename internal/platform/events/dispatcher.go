package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink is a destination for dispatched messages.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// Dispatcher owns a bounded queue and one worker that fans each message out
// to the sinks in registration order.
type Dispatcher struct {
	queue   chan Message
	sinks   []Sink
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Uint64
}

// NewDispatcher builds a dispatcher with room for size pending messages.
// Call Start before the first Notify is expected to be delivered.
func NewDispatcher(size int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		queue:   make(chan Message, size),
		sinks:   sinks,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start launches the worker. It returns immediately.
func (d *Dispatcher) Start() {
	if d.started.CompareAndSwap(false, true) {
		go d.run()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		d.deliver(m)
	}
}

func (d *Dispatcher) deliver(m Message) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Deliver(ctx, m)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("event", m.Kind).
				Msg("event delivery failed")
		}
	}
}

// Notify enqueues m without blocking. It reports false when the message was
// dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Notify(m Message) bool {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- m:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("event", m.Kind).Msg("event queue full, dropping")
		return false
	}
}

// Close stops accepting messages and waits until the queued ones are
// delivered or ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
