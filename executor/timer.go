package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/semstreams-robotics/errors"
)

// Timer feeds a task into a callback group on a fixed period.
type Timer struct {
	exec   *Executor
	group  *CallbackGroup
	period time.Duration
	task   Task

	ticker  *clock.Ticker
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func newTimer(e *Executor, g *CallbackGroup, period time.Duration, task Task) *Timer {
	t := &Timer{
		exec:   e,
		group:  g,
		period: period,
		task:   task,
		ticker: e.clock.Ticker(period),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.loop()
	return t
}

// Period returns the tick period.
func (t *Timer) Period() time.Duration {
	return t.period
}

// Stop halts the timer and waits for its goroutine. Ticks already queued on
// the group become no-ops; a tick that is running finishes.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
		<-t.done
		t.exec.forgetTimer(t)
	})
}

func (t *Timer) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.exec.ctx.Done():
			return
		case <-t.ticker.C:
			if err := t.group.Submit(t.fire); err != nil {
				if err == errors.ErrShuttingDown {
					return
				}
				t.exec.logger.Warn("Timer tick dropped", "group", t.group.Name(), "period", t.period, "error", err)
			}
		}
	}
}

func (t *Timer) fire(ctx context.Context) {
	if t.stopped.Load() {
		return
	}
	t.task(ctx)
}
