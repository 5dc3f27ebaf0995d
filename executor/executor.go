// Package executor dispatches bus callbacks. An Executor owns one
// CallbackGroup per endpoint and the timers that feed them; tasks within a
// group never run concurrently and keep submission order, while different
// groups run in parallel.
//
// Timers tick on a benbjohnson/clock Clock so tests can drive them with a
// mock clock.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// DefaultQueueSize is the per-group task queue capacity.
const DefaultQueueSize = 100

// Executor owns callback groups and timers.
type Executor struct {
	clock     clock.Clock
	queueSize int
	logger    *slog.Logger
	metrics   *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	groups  map[*CallbackGroup]struct{}
	timers  map[*Timer]struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock timers tick on.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithQueueSize sets the per-group queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithLogger sets the logger used for panics and dropped ticks.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records callback and group metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// New creates an executor. Call Start before creating groups.
func New(opts ...Option) *Executor {
	e := &Executor{
		clock:     clock.New(),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
		groups:    make(map[*CallbackGroup]struct{}),
		timers:    make(map[*Timer]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds the executor to ctx. Canceling ctx stops every group without
// draining.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	return nil
}

// Clock returns the executor clock.
func (e *Executor) Clock() clock.Clock {
	return e.clock
}

// NewGroup opens a callback group.
func (e *Executor) NewGroup(name string) (*CallbackGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return nil, errors.WrapInvalid(err, "Executor", "NewGroup", "open group "+name)
	}
	g := newGroup(e.ctx, e, name)
	e.groups[g] = struct{}{}
	e.recordCounts()
	return g, nil
}

// NewTimer submits task to g every period until the timer is stopped or g
// closes.
func (e *Executor) NewTimer(g *CallbackGroup, period time.Duration, task Task) (*Timer, error) {
	if period <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("period %s must be positive", period), "Executor", "NewTimer", "validate period")
	}
	if g == nil || task == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Executor", "NewTimer", "group and task")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return nil, errors.WrapInvalid(err, "Executor", "NewTimer", "start timer")
	}
	t := newTimer(e, g, period, task)
	e.timers[t] = struct{}{}
	e.recordCounts()
	return t, nil
}

// Stats reports the number of open groups and running timers.
func (e *Executor) Stats() (groups, timers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups), len(e.timers)
}

// GroupStats returns statistics for every open group.
func (e *Executor) GroupStats() []GroupStats {
	e.mu.Lock()
	groups := make([]*CallbackGroup, 0, len(e.groups))
	for g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Stats())
	}
	return out
}

// Shutdown stops every timer, drains every group within timeout and releases
// the executor context. It is safe to call more than once.
func (e *Executor) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	timers := make([]*Timer, 0, len(e.timers))
	for t := range e.timers {
		timers = append(timers, t)
	}
	groups := make([]*CallbackGroup, 0, len(e.groups))
	for g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	deadline := time.Now().Add(timeout)
	var err error
	for _, g := range groups {
		err = multierr.Append(err, g.Close(time.Until(deadline)))
	}
	e.cancel()
	return err
}

func (e *Executor) usable() error {
	if !e.started {
		return errors.ErrNotStarted
	}
	if e.stopped {
		return errors.ErrShuttingDown
	}
	return nil
}

func (e *Executor) forget(g *CallbackGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.groups, g)
	e.recordCounts()
}

func (e *Executor) forgetTimer(t *Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timers, t)
	e.recordCounts()
}

// recordCounts must be called with e.mu held.
func (e *Executor) recordCounts() {
	if e.metrics == nil {
		return
	}
	e.metrics.CallbackGroups.Set(float64(len(e.groups)))
	e.metrics.Timers.Set(float64(len(e.timers)))
}
