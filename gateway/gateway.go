package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/action"
	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/endpoint"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/executor"
	"github.com/c360/semstreams-robotics/health"
	"github.com/c360/semstreams-robotics/logging"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Dependencies are the collaborators a Gateway needs.
type Dependencies struct {
	Node     *bus.Node
	Resolver *msgtype.Resolver
	Metrics  *metric.Metrics // optional
	Logger   *slog.Logger    // optional
	Executor *executor.Executor
	Sinks    []Sink
}

// Gateway turns JSON commands into bus operations and bus traffic into
// events.
type Gateway struct {
	cfg      Config
	node     *bus.Node
	resolver *msgtype.Resolver
	exec     *executor.Executor
	loggers  *logging.Factory
	registry *endpoint.Registry
	tracker  *action.Tracker
	emitter  *Emitter
	metrics  *metric.Metrics
	logger   *slog.Logger

	queue chan []byte
	stop  chan struct{}
	done  chan struct{}

	// lifeCtx outlives the loop; endpoints created by commands use it.
	lifeCtx  context.Context
	loopStop context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool
	stopOnce sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a gateway. Call Start to begin processing.
func New(cfg Config, deps Dependencies) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Node == nil || deps.Resolver == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "bus node and type resolver are required")
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	exec := deps.Executor
	if exec == nil {
		exec = executor.New(
			executor.WithLogger(logger),
			executor.WithMetrics(deps.Metrics),
			executor.WithQueueSize(cfg.GroupQueueSize),
		)
	}

	var rosout logging.Publisher
	if cfg.Rosout {
		rosout = deps.Node.Transport()
	}
	loggers := logging.NewFactory(logger, rosout, deps.Node.Prefix())

	return &Gateway{
		cfg:      cfg,
		node:     deps.Node,
		resolver: deps.Resolver,
		exec:     exec,
		loggers:  loggers,
		registry: endpoint.NewRegistry(exec, loggers,
			endpoint.WithLogger(logger),
			endpoint.WithMetrics(deps.Metrics),
			endpoint.WithCloseTimeout(cfg.CloseTimeout)),
		tracker: action.NewTracker(deps.Metrics),
		emitter: NewEmitter(cfg.EmitBuffer, logger, deps.Metrics, deps.Sinks...),
		metrics: deps.Metrics,
		logger:  logger,
		queue:   make(chan []byte, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Emitter returns the event emitter so sinks can be added before Start.
func (g *Gateway) Emitter() *Emitter { return g.emitter }

// Registry returns the endpoint registry.
func (g *Gateway) Registry() *endpoint.Registry { return g.registry }

// Resolver returns the type resolver.
func (g *Gateway) Resolver() *msgtype.Resolver { return g.resolver }

// Tracker returns the goal tracker.
func (g *Gateway) Tracker() *action.Tracker { return g.tracker }

// Start launches the executor, the emitter and the dispatch loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "start dispatch loop")
	}

	if err := g.exec.Start(ctx); err != nil && err != errors.ErrAlreadyStarted {
		return errors.WrapFatal(err, "Gateway", "Start", "start executor")
	}
	if err := g.emitter.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "start emitter")
	}

	g.lifeCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	g.loopStop = cancel
	g.started = true

	go g.loop(loopCtx)
	g.logger.Info("Gateway started", "prefix", g.node.Prefix(), "poll_timeout", g.cfg.PollTimeout)
	return nil
}

// Submit queues one raw JSON command. It blocks while the queue is full
// until ctx is done and fails once shutdown has begun.
func (g *Gateway) Submit(ctx context.Context, data []byte) error {
	if g.stopping.Load() {
		return errors.WrapTransient(errors.ErrShuttingDown, "Gateway", "Submit", "queue command")
	}
	select {
	case g.queue <- data:
		return nil
	case <-g.stop:
		return errors.WrapTransient(errors.ErrShuttingDown, "Gateway", "Submit", "queue command")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Gateway", "Submit", "queue command")
	}
}

// Done is closed when the dispatch loop has exited.
func (g *Gateway) Done() <-chan struct{} { return g.done }

func (g *Gateway) loop(ctx context.Context) {
	defer close(g.done)

	poll := time.NewTimer(g.cfg.PollTimeout)
	defer poll.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		case data := <-g.queue:
			g.process(ctx, data)
		case <-poll.C:
		}
		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(g.cfg.PollTimeout)
	}
}

// Shutdown stops intake and the loop, then drains the executor, releases
// every endpoint and flushes the emitter, all within timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	var err error
	g.stopOnce.Do(func() {
		err = g.shutdown(timeout)
	})
	return err
}

func (g *Gateway) shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	g.stopping.Store(true)

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	close(g.stop)
	if !started {
		close(g.done)
		return g.emitter.Close(0)
	}
	g.loopStop()

	var err error
	select {
	case <-g.done:
	case <-time.After(time.Until(deadline)):
		err = multierr.Append(err, errors.WrapTransient(errors.ErrConnectionTimeout, "Gateway", "Shutdown", "stop dispatch loop"))
	}
	if n := len(g.queue); n > 0 {
		g.logger.Warn("Discarding queued commands", "count", n)
	}

	err = multierr.Append(err, g.exec.Shutdown(time.Until(deadline)))
	err = multierr.Append(err, g.registry.Close())
	err = multierr.Append(err, g.emitter.Close(time.Until(deadline)))

	g.logger.Info("Gateway stopped",
		"processed", g.processed.Load(),
		"failed", g.failed.Load(),
		"outstanding_goals", g.tracker.Len())
	return err
}

// Status is a health snapshot.
type Status struct {
	Running       bool  `json:"running"`
	QueueDepth    int   `json:"queue_depth"`
	PendingEvents int   `json:"pending_events"`
	Endpoints     int   `json:"endpoints"`
	Goals         int   `json:"outstanding_goals"`
	Types         int   `json:"types"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
}

// Status reports the gateway state.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	running := g.started && !g.stopping.Load()
	g.mu.Unlock()

	return Status{
		Running:       running,
		QueueDepth:    len(g.queue),
		PendingEvents: g.emitter.Pending(),
		Endpoints:     len(g.registry.List()),
		Goals:         g.tracker.Len(),
		Types:         g.resolver.Registry().Len(),
		Processed:     g.processed.Load(),
		Failed:        g.failed.Load(),
	}
}

// Health reports the gateway as unhealthy when it is not running and as
// degraded when the command queue or the event buffer is at least 90% full.
func (g *Gateway) Health() health.Status {
	st := g.Status()
	var h health.Status
	switch {
	case !st.Running:
		h = health.NewUnhealthy("gateway", "gateway is not running")
	case st.QueueDepth*10 >= cap(g.queue)*9:
		h = health.NewDegraded("gateway", fmt.Sprintf("command queue at %d of %d", st.QueueDepth, cap(g.queue)))
	case st.PendingEvents*10 >= g.cfg.EmitBuffer*9:
		h = health.NewDegraded("gateway", fmt.Sprintf("event buffer at %d of %d", st.PendingEvents, g.cfg.EmitBuffer))
	default:
		h = health.NewHealthy("gateway", fmt.Sprintf("%d endpoints, %d goals outstanding", st.Endpoints, st.Goals))
	}
	return h.WithMetrics(&health.Metrics{
		ErrorCount:        st.Failed,
		MessagesProcessed: st.Processed,
	})
}
