package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-robotics/errors"
)

// Task is a callback run on a callback group.
type Task func(ctx context.Context)

// CallbackGroup runs its tasks one at a time, in submission order, on a
// dedicated goroutine. Groups are independent: a slow task only delays the
// tasks queued behind it in the same group.
type CallbackGroup struct {
	name      string
	exec      *Executor
	queueSize int
	work      chan Task
	wg        sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64
}

// GroupStats represents callback group statistics
type GroupStats struct {
	Name       string `json:"name"`
	QueueSize  int    `json:"queue_size"`
	QueueDepth int    `json:"queue_depth"`
	Submitted  int64  `json:"submitted"`
	Processed  int64  `json:"processed"`
	Panicked   int64  `json:"panicked"`
	Dropped    int64  `json:"dropped"`
}

func newGroup(ctx context.Context, e *Executor, name string) *CallbackGroup {
	g := &CallbackGroup{
		name:      name,
		exec:      e,
		queueSize: e.queueSize,
		work:      make(chan Task, e.queueSize),
	}
	g.wg.Add(1)
	go g.loop(ctx)
	return g
}

// Name returns the group name.
func (g *CallbackGroup) Name() string {
	return g.name
}

// Submit queues task. It never blocks: a full queue drops the task and
// returns errors.ErrQueueFull.
func (g *CallbackGroup) Submit(task Task) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.stopped {
		return errors.ErrShuttingDown
	}

	select {
	case g.work <- task:
		g.submitted.Add(1)
		return nil
	default:
		g.dropped.Add(1)
		if m := g.exec.metrics; m != nil {
			m.RecordCallback("dropped", 0)
		}
		return errors.ErrQueueFull
	}
}

// Stats returns current group statistics
func (g *CallbackGroup) Stats() GroupStats {
	return GroupStats{
		Name:       g.name,
		QueueSize:  g.queueSize,
		QueueDepth: len(g.work),
		Submitted:  g.submitted.Load(),
		Processed:  g.processed.Load(),
		Panicked:   g.panicked.Load(),
		Dropped:    g.dropped.Load(),
	}
}

// Close stops accepting tasks, runs what is already queued and waits up to
// timeout for the group goroutine to exit.
func (g *CallbackGroup) Close(timeout time.Duration) error {
	if !g.stop() {
		return nil
	}
	g.exec.forget(g)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(
			fmt.Errorf("group %s still running after %s", g.name, timeout),
			"CallbackGroup", "Close", "drain queue")
	}
}

func (g *CallbackGroup) stop() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.stopped {
		return false
	}
	g.stopped = true
	// Close work channel to signal no more work
	close(g.work)
	return true
}

func (g *CallbackGroup) loop(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-g.work:
			if !ok {
				return
			}
			g.run(ctx, task)
		}
	}
}

func (g *CallbackGroup) run(ctx context.Context, task Task) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			g.panicked.Add(1)
			g.exec.logger.Error("Callback panicked", "group", g.name, "panic", r)
		}
		g.processed.Add(1)
		if m := g.exec.metrics; m != nil {
			m.RecordCallback(status, time.Since(start))
		}
	}()
	task(ctx)
}
