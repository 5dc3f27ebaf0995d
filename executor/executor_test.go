package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

func startExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	e := New(opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(time.Second) })
	return e
}

func TestExecutor_Lifecycle(t *testing.T) {
	e := New()

	_, err := e.NewGroup("early")
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), errors.ErrAlreadyStarted)

	g, err := e.NewGroup("chatter")
	require.NoError(t, err)
	assert.Equal(t, "chatter", g.Name())

	groups, timers := e.Stats()
	assert.Equal(t, 1, groups)
	assert.Equal(t, 0, timers)

	require.NoError(t, e.Shutdown(time.Second))
	require.NoError(t, e.Shutdown(time.Second))

	_, err = e.NewGroup("late")
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.ErrorIs(t, g.Submit(func(context.Context) {}), errors.ErrShuttingDown)
}

func TestCallbackGroup_SerialOrder(t *testing.T) {
	e := startExecutor(t)
	g, err := e.NewGroup("serial")
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, g.Submit(func(context.Context) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		}))
	}

	require.NoError(t, g.Close(time.Second))
	assert.False(t, overlap.Load(), "tasks in one group must not overlap")
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int64(20), g.Stats().Processed)
}

func TestCallbackGroup_Independent(t *testing.T) {
	e := startExecutor(t)
	slow, err := e.NewGroup("slow")
	require.NoError(t, err)
	fast, err := e.NewGroup("fast")
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, slow.Submit(func(context.Context) { <-release }))
	defer close(release)

	ran := make(chan struct{})
	require.NoError(t, fast.Submit(func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("a blocked group stalled another group")
	}
}

func TestCallbackGroup_QueueFull(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	e := startExecutor(t, WithQueueSize(2), WithMetrics(registry.CoreMetrics()))
	g, err := e.NewGroup("small")
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, g.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, g.Submit(func(context.Context) {}))
	require.NoError(t, g.Submit(func(context.Context) {}))
	assert.ErrorIs(t, g.Submit(func(context.Context) {}), errors.ErrQueueFull)
	close(release)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().CallbacksTotal.WithLabelValues("dropped")))
}

func TestCallbackGroup_PanicRecovered(t *testing.T) {
	e := startExecutor(t)
	g, err := e.NewGroup("fragile")
	require.NoError(t, err)

	after := make(chan struct{})
	require.NoError(t, g.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, g.Submit(func(context.Context) { close(after) }))

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("group stopped after a panic")
	}
	assert.Equal(t, int64(1), g.Stats().Panicked)
}

func TestCallbackGroup_CloseTimeout(t *testing.T) {
	e := startExecutor(t)
	g, err := e.NewGroup("stuck")
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, g.Submit(func(context.Context) { <-release }))

	err = g.Close(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.NoError(t, g.Close(time.Second), "second close is a no-op")
}

func TestTimer_TicksOnMockClock(t *testing.T) {
	mock := clock.NewMock()
	e := startExecutor(t, WithClock(mock))
	g, err := e.NewGroup("ticker")
	require.NoError(t, err)

	var ticks atomic.Int32
	timer, err := e.NewTimer(g, time.Second, func(context.Context) { ticks.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, time.Second, timer.Period())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return ticks.Load() == 2 }, time.Second, time.Millisecond)

	timer.Stop()
	timer.Stop()
	_, timers := e.Stats()
	assert.Equal(t, 0, timers)

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), ticks.Load())
}

func TestTimer_StopDiscardsQueuedTicks(t *testing.T) {
	mock := clock.NewMock()
	e := startExecutor(t, WithClock(mock))
	g, err := e.NewGroup("busy")
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, g.Submit(func(context.Context) { <-release }))

	var ticks atomic.Int32
	timer, err := e.NewTimer(g, time.Second, func(context.Context) { ticks.Add(1) })
	require.NoError(t, err)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return g.Stats().Submitted == 2 }, time.Second, time.Millisecond)

	timer.Stop()
	close(release)
	require.Eventually(t, func() bool { return g.Stats().Processed == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, ticks.Load(), "tick queued before Stop must not run")
}

func TestTimer_Validation(t *testing.T) {
	e := startExecutor(t)
	g, err := e.NewGroup("g")
	require.NoError(t, err)

	_, err = e.NewTimer(g, 0, func(context.Context) {})
	assert.True(t, errors.IsInvalid(err))
	_, err = e.NewTimer(nil, time.Second, func(context.Context) {})
	assert.True(t, errors.IsInvalid(err))
}

func TestExecutor_ShutdownDrains(t *testing.T) {
	mock := clock.NewMock()
	registry := metric.NewMetricsRegistry()
	e := New(WithClock(mock), WithMetrics(registry.CoreMetrics()))
	require.NoError(t, e.Start(context.Background()))

	g, err := e.NewGroup("drain")
	require.NoError(t, err)
	_, err = e.NewTimer(g, time.Second, func(context.Context) {})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().Timers))

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}

	require.NoError(t, e.Shutdown(time.Second))
	assert.Equal(t, int32(5), ran.Load())

	groups, timers := e.Stats()
	assert.Zero(t, groups)
	assert.Zero(t, timers)
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().CallbackGroups))
	assert.Len(t, e.GroupStats(), 0)
}
