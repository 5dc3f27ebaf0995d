package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// Sink receives outbound events. Write is called from a single goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev *command.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *command.Event) error

// Name implements Sink.
func (f SinkFunc) Name() string { return "func" }

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, ev *command.Event) error { return f(ctx, ev) }

// Emitter fans events out to its sinks from a bounded buffer. Emit never
// blocks: when the buffer is full the event is dropped and counted.
type Emitter struct {
	sinks   []Sink
	events  chan *command.Event
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewEmitter creates an emitter with the given buffer capacity.
func NewEmitter(buffer int, logger *slog.Logger, m *metric.Metrics, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEmitBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sinks:   sinks,
		events:  make(chan *command.Event, buffer),
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// AddSink registers another sink. It must be called before Start.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Start launches the delivery goroutine.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.ErrAlreadyStarted
	}
	e.started = true
	go e.run(context.WithoutCancel(ctx))
	return nil
}

// Emit queues ev for delivery.
func (e *Emitter) Emit(ev *command.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.ErrShuttingDown
	}

	select {
	case e.events <- ev:
		return nil
	default:
		if e.metrics != nil {
			e.metrics.RecordEventDropped()
		}
		e.logger.Warn("Dropping event, emitter buffer full", "event", ev.Event, "node_type", ev.NodeType, "name", ev.Name)
		return errors.ErrQueueFull
	}
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	return len(e.events)
}

// Close stops accepting events and waits up to timeout for buffered events
// to reach the sinks.
func (e *Emitter) Close(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(
			fmt.Errorf("%d events undelivered after %s", len(e.events), timeout),
			"Emitter", "Close", "flush events")
	}
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)
	for ev := range e.events {
		e.deliver(ctx, ev)
	}
}

func (e *Emitter) deliver(ctx context.Context, ev *command.Event) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, ev); err != nil {
			e.logger.Warn("Sink write failed", "sink", s.Name(), "event", ev.Event, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.RecordEventEmitted(string(ev.Event))
	}
}
