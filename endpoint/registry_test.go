package endpoint

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/executor"
	"github.com/c360/semstreams-robotics/logging"
	"github.com/c360/semstreams-robotics/metric"
)

type fakeHandle struct {
	closed atomic.Int32
	err    error
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return h.err
}

type fixture struct {
	exec     *executor.Executor
	loggers  *logging.Factory
	registry *Registry
	metrics  *metric.MetricsRegistry
	logs     *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	exec := executor.New(executor.WithLogger(logger))
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { _ = exec.Shutdown(time.Second) })

	mr := metric.NewMetricsRegistry()
	loggers := logging.NewFactory(logger, nil, "ros")
	return &fixture{
		exec:     exec,
		loggers:  loggers,
		registry: NewRegistry(exec, loggers, WithLogger(logger), WithMetrics(mr.CoreMetrics()), WithCloseTimeout(time.Second)),
		metrics:  mr,
		logs:     logs,
	}
}

func handleOf(h io.Closer) Constructor {
	return func(context.Context, *Record) (io.Closer, error) { return h, nil }
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	spec := Spec{Kind: command.KindPublisher, Name: "chatter", Log: &command.LogSpec{Msg: "Publisher ready", Level: "warn"}}

	var calls atomic.Int32
	create := func(_ context.Context, rec *Record) (io.Closer, error) {
		calls.Add(1)
		assert.NotNil(t, rec.Logger, "logger exists before the handle")
		assert.NotNil(t, rec.Group, "group exists before the handle")
		return &fakeHandle{}, nil
	}

	first, created, err := f.registry.GetOrCreate(context.Background(), spec, create)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.registry.GetOrCreate(context.Background(), spec, create)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.registry.Len(command.KindPublisher))
	assert.Equal(t, "chatter_log", first.Logger.Name())
	assert.Contains(t, f.logs.String(), "Publisher ready")
	assert.Contains(t, f.logs.String(), "level=WARN")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CoreMetrics().Endpoints.WithLabelValues("publisher")))

	groups, _ := f.exec.Stats()
	assert.Equal(t, 1, groups)
}

func TestRegistry_KindsShareNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, kind := range command.Kinds {
		_, created, err := f.registry.GetOrCreate(ctx, Spec{Kind: kind, Name: "shared"}, handleOf(&fakeHandle{}))
		require.NoError(t, err)
		assert.True(t, created, kind)
	}

	list := f.registry.List()
	require.Len(t, list, 4)
	for i, kind := range command.Kinds {
		assert.Equal(t, kind, list[i].Kind)
		assert.Equal(t, "shared", list[i].Name)
	}
}

func TestRegistry_CreateFailureReleasesResources(t *testing.T) {
	f := newFixture(t)

	_, created, err := f.registry.GetOrCreate(context.Background(), Spec{Kind: command.KindServiceClient, Name: "add"},
		func(context.Context, *Record) (io.Closer, error) { return nil, assert.AnError })
	require.Error(t, err)
	assert.False(t, created)
	assert.ErrorIs(t, err, errors.ErrEndpointCreation)
	assert.ErrorIs(t, err, assert.AnError)

	_, ok := f.registry.Lookup(command.KindServiceClient, "add")
	assert.False(t, ok)
	assert.Zero(t, f.loggers.Len())
	groups, _ := f.exec.Stats()
	assert.Zero(t, groups)
	assert.Contains(t, f.logs.String(), "Failed to create service_client")
}

func TestRegistry_Destroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := &fakeHandle{}

	rec, _, err := f.registry.GetOrCreate(ctx, Spec{Kind: command.KindPublisher, Name: "chatter"}, handleOf(h))
	require.NoError(t, err)

	timer, err := f.exec.NewTimer(rec.Group, time.Hour, func(context.Context) {})
	require.NoError(t, err)
	f.registry.SetTimer(rec, timer)
	assert.Same(t, timer, rec.Timer())
	assert.Equal(t, "1h0m0s", f.registry.List()[0].TimerPeriod)

	ok, err := f.registry.Destroy(command.KindPublisher, "chatter")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := f.registry.Lookup(command.KindPublisher, "chatter")
	assert.False(t, found)
	assert.Equal(t, int32(1), h.closed.Load())
	assert.Nil(t, rec.Timer())
	assert.Zero(t, f.loggers.Len())
	groups, timers := f.exec.Stats()
	assert.Zero(t, groups)
	assert.Zero(t, timers)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CoreMetrics().Endpoints.WithLabelValues("publisher")))

	again, created, err := f.registry.GetOrCreate(ctx, Spec{Kind: command.KindPublisher, Name: "chatter"}, handleOf(&fakeHandle{}))
	require.NoError(t, err)
	assert.True(t, created, "create after destroy is fresh")
	assert.NotSame(t, rec, again)
}

func TestRegistry_DestroyMissing(t *testing.T) {
	f := newFixture(t)

	ok, err := f.registry.Destroy(command.KindSubscriber, "ghost")
	assert.False(t, ok)
	assert.ErrorIs(t, err, errors.ErrEndpointNotFound)
	assert.True(t, errors.IsNoop(err))

	_, err = f.registry.Destroy(command.Kind("bogus"), "ghost")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestRegistry_DestroyReportsCloseError(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.registry.GetOrCreate(context.Background(), Spec{Kind: command.KindSubscriber, Name: "chatter"},
		handleOf(&fakeHandle{err: assert.AnError}))
	require.NoError(t, err)

	ok, err := f.registry.Destroy(command.KindSubscriber, "chatter")
	assert.True(t, ok)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, f.registry.Len(command.KindSubscriber))
}

func TestRegistry_TimerReplacement(t *testing.T) {
	f := newFixture(t)
	rec, _, err := f.registry.GetOrCreate(context.Background(), Spec{Kind: command.KindPublisher, Name: "chatter"}, handleOf(&fakeHandle{}))
	require.NoError(t, err)

	assert.False(t, f.registry.ClearTimer(rec))

	t1, err := f.exec.NewTimer(rec.Group, time.Hour, func(context.Context) {})
	require.NoError(t, err)
	f.registry.SetTimer(rec, t1)
	t2, err := f.exec.NewTimer(rec.Group, 2*time.Hour, func(context.Context) {})
	require.NoError(t, err)
	f.registry.SetTimer(rec, t2)

	_, timers := f.exec.Stats()
	assert.Equal(t, 1, timers, "previous timer stopped")

	assert.True(t, f.registry.ClearTimer(rec))
	_, timers = f.exec.Stats()
	assert.Zero(t, timers)
}

func TestRegistry_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handles := []*fakeHandle{{}, {}, {}}
	names := []string{"a", "b", "c"}
	for i, name := range names {
		_, _, err := f.registry.GetOrCreate(ctx, Spec{Kind: command.KindActionClient, Name: name}, handleOf(handles[i]))
		require.NoError(t, err)
	}

	require.NoError(t, f.registry.Close())
	assert.Zero(t, f.registry.Len(command.KindActionClient))
	for _, h := range handles {
		assert.Equal(t, int32(1), h.closed.Load())
	}
	assert.Empty(t, f.registry.List())
}
