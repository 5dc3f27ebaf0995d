// Package main implements rosbridge, a gateway that turns JSON commands into
// publisher, subscriber, service and action endpoints on a NATS-carried
// robotics message bus and streams the resulting traffic back as JSON events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/config"
	"github.com/c360/semstreams-robotics/gateway"
	gwhttp "github.com/c360/semstreams-robotics/gateway/http"
	"github.com/c360/semstreams-robotics/gateway/websocket"
	"github.com/c360/semstreams-robotics/health"
	innats "github.com/c360/semstreams-robotics/input/nats"
	"github.com/c360/semstreams-robotics/input/stdio"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/msgtype"
	"github.com/c360/semstreams-robotics/natsclient"
	"github.com/c360/semstreams-robotics/output/file"
	outnats "github.com/c360/semstreams-robotics/output/nats"
	"github.com/c360/semstreams-robotics/pkg/retry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rosbridge"
)

// rttInterval is how often the bus round trip time is sampled for metrics.
const rttInterval = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cli, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp(stderr, fs)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config_path", cli.ConfigPath)
		_, _ = fmt.Fprintln(stdout, cfg.String())
		return nil
	}

	logger.Info("Starting rosbridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cli.ConfigPath,
		"nats_url", cfg.NATS.URL,
		"prefix", cfg.Bus.Prefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, stdin, stdout, cli.ShutdownTimeout)
}

// loadConfig loads the optional config file, applies environment overrides
// and lets CLI log flags win over both.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds everything serve starts so it can be torn down in order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	nats       *natsclient.Client
	gateway    *gateway.Gateway
	hub        *websocket.Hub
	fileOut    *file.Output
	natsIn     *innats.Input
	httpServer *gwhttp.Server
	metricsSrv *metric.Server
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	stdin io.Reader,
	stdout io.Writer,
	shutdownTimeout time.Duration,
) error {
	a := &app{cfg: cfg, logger: logger, metrics: metric.NewMetricsRegistry()}

	resolver, err := loadTypes(cfg.Types, logger)
	if err != nil {
		return err
	}

	if err := a.connectToNATS(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.nats.Close(closeCtx); err != nil {
			logger.Warn("Failed to close NATS connection", "error", err)
		}
	}()

	transport := bus.NewNATSTransport(a.nats)
	node := bus.NewNode(transport, cfg.Bus.Prefix,
		bus.WithCallTimeout(cfg.Bus.CallTimeout),
		bus.WithLogger(logger))

	sinks, err := a.createSinks(transport, stdout)
	if err != nil {
		return err
	}

	a.gateway, err = gateway.New(cfg.Gateway, gateway.Dependencies{
		Node:     node,
		Resolver: resolver,
		Metrics:  a.metrics.CoreMetrics(),
		Logger:   logger,
		Sinks:    sinks,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if cfg.WebSocket.Enabled {
		a.hub, err = websocket.NewHub(a.gateway, cfg.WebSocket.Config, a.metrics, logger)
		if err != nil {
			return fmt.Errorf("create websocket hub: %w", err)
		}
		a.gateway.Emitter().AddSink(a.hub)
	}

	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startSurfaces(gctx, g, transport); err != nil {
		return multierr.Append(err, a.shutdown(shutdownTimeout))
	}

	if cfg.Inputs.Stdin {
		in, err := stdio.New(stdin, a.gateway, 0, logger)
		if err != nil {
			return multierr.Append(err, a.shutdown(shutdownTimeout))
		}
		g.Go(func() error {
			if err := in.Run(gctx); err != nil {
				return fmt.Errorf("stdin input: %w", err)
			}
			lines, rejected := in.Stats()
			logger.Info("Stdin closed; gateway keeps running until shutdown",
				"lines", lines, "rejected", rejected)
			return nil
		})
	}

	g.Go(func() error {
		monitorNATS(gctx, a.nats, a.metrics.CoreMetrics(), rttInterval)
		return nil
	})

	logger.Info("rosbridge started",
		"http", cfg.HTTP.Enabled,
		"websocket", cfg.WebSocket.Enabled,
		"stdin", cfg.Inputs.Stdin,
		"nats_input", cfg.Inputs.NATS.Enabled,
		"metrics", cfg.Metrics.Enabled)

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}

	shutdownErr := a.shutdown(shutdownTimeout)
	runErr := g.Wait()
	if err := multierr.Append(runErr, shutdownErr); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("rosbridge shutdown complete")
	return nil
}

// loadTypes builds the resolver from the builtin definitions plus any files
// named in the config.
func loadTypes(cfg config.TypesConfig, logger *slog.Logger) (*msgtype.Resolver, error) {
	registry, err := msgtype.NewBuiltinRegistry()
	if err != nil {
		return nil, fmt.Errorf("load builtin types: %w", err)
	}
	for _, path := range cfg.Files {
		if err := registry.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load types from %s: %w", path, err)
		}
		logger.Info("Loaded type definitions", "file", path)
	}
	logger.Debug("Type registry ready", "types", registry.Len())

	resolver, err := msgtype.NewResolver(registry, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create type resolver: %w", err)
	}
	return resolver, nil
}

// connectToNATS creates the client and connects with backoff.
func (a *app) connectToNATS(ctx context.Context) error {
	core := a.metrics.CoreMetrics()
	opts := []natsclient.ClientOption{
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait),
		natsclient.WithLogger(natsclient.NewSlogLogger(a.logger)),
		natsclient.WithHealthChangeCallback(core.RecordNATSStatus),
		natsclient.WithReconnectCallback(core.RecordNATSReconnect),
	}
	if a.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}
	if a.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(a.cfg.NATS.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
	connCtx, cancel := context.WithTimeout(ctx, a.cfg.NATS.ConnectTimeout)
	defer cancel()

	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = 10
	err = retry.Do(connCtx, backoff, func() error {
		if err := client.Connect(connCtx); err != nil {
			a.logger.Warn("NATS connect attempt failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	core.RecordNATSStatus(true)
	return nil
}

// createSinks builds the configured event outputs.
func (a *app) createSinks(transport bus.Transport, stdout io.Writer) ([]gateway.Sink, error) {
	var sinks []gateway.Sink

	if a.cfg.Outputs.File.Enabled {
		var err error
		if a.cfg.Outputs.File.Path == file.Stdout {
			a.fileOut, err = file.NewWriter(a.cfg.Outputs.File.Config, stdout, a.logger)
		} else {
			a.fileOut, err = file.New(a.cfg.Outputs.File.Config, a.logger)
		}
		if err != nil {
			return nil, fmt.Errorf("create file output: %w", err)
		}
		sinks = append(sinks, a.fileOut)
	}

	if a.cfg.Outputs.NATS.Enabled {
		out, err := outnats.New(transport, a.cfg.Bus.Prefix, a.cfg.Outputs.NATS.Subject, a.cfg.Outputs.NATS.PerEvent)
		if err != nil {
			return nil, fmt.Errorf("create nats output: %w", err)
		}
		a.logger.Info("Publishing events on the bus", "subject", out.Subject())
		sinks = append(sinks, out)
	}
	return sinks, nil
}

// startSurfaces starts the NATS input, the HTTP server and the metrics server
// when enabled. Listener failures cancel the group.
func (a *app) startSurfaces(ctx context.Context, g *errgroup.Group, transport bus.Transport) error {
	if a.cfg.Inputs.NATS.Enabled {
		in, err := innats.New(transport, a.gateway, a.cfg.Bus.Prefix, a.cfg.Inputs.NATS.Subject, a.logger)
		if err != nil {
			return fmt.Errorf("create nats input: %w", err)
		}
		if err := in.Start(ctx); err != nil {
			return fmt.Errorf("start nats input: %w", err)
		}
		a.natsIn = in
		a.logger.Info("Accepting commands from the bus",
			"subject", in.Subject(), "request_subject", in.RequestSubject())
	}

	if a.cfg.HTTP.Enabled {
		srv, err := gwhttp.NewServer(a.gateway, a.cfg.HTTP.Config, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("create http server: %w", err)
		}
		srv.AddHealthCheck("nats", a.natsHealth)
		if a.hub != nil {
			srv.Handle(a.cfg.WebSocket.Path, a.hub)
			srv.AddHealthCheck("websocket", func() health.Status {
				return health.NewHealthy("websocket", fmt.Sprintf("%d clients", a.hub.Clients()))
			})
		}
		errCh, err := srv.Start()
		if err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		a.httpServer = srv
		a.logger.Info("HTTP server listening", "addr", srv.Addr())
		g.Go(func() error { return waitServe(ctx, "http", errCh) })
	}

	if a.cfg.Metrics.Enabled {
		srv := metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.metrics)
		errCh, err := srv.Start()
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.metricsSrv = srv
		a.logger.Info("Metrics server listening", "addr", srv.Address(), "path", a.cfg.Metrics.Path)
		g.Go(func() error { return waitServe(ctx, "metrics", errCh) })
	}
	return nil
}

// natsHealth maps the bus connection state onto a health status.
func (a *app) natsHealth() health.Status {
	switch st := a.nats.Status(); st {
	case natsclient.StatusConnected:
		return health.NewHealthy("nats", "connected")
	case natsclient.StatusReconnecting, natsclient.StatusConnecting:
		return health.NewDegraded("nats", st.String())
	default:
		return health.NewUnhealthy("nats", st.String())
	}
}

// waitServe turns a serve error into a group error.
func waitServe(ctx context.Context, name string, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if !ok || err == nil {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

// shutdown stops intake first, then drains the gateway and its sinks.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	if a.natsIn != nil {
		errs = multierr.Append(errs, a.natsIn.Stop())
	}
	if a.httpServer != nil {
		errs = multierr.Append(errs, a.httpServer.Stop(ctx))
	}
	if a.gateway != nil {
		errs = multierr.Append(errs, a.gateway.Shutdown(timeout))
	}
	if a.hub != nil {
		errs = multierr.Append(errs, a.hub.Close(timeout))
	}
	if a.fileOut != nil {
		errs = multierr.Append(errs, a.fileOut.Close())
	}
	if a.metricsSrv != nil {
		errs = multierr.Append(errs, a.metricsSrv.Stop(ctx))
	}
	return errs
}

// monitorNATS samples the bus round trip time until ctx is done.
func monitorNATS(ctx context.Context, client *natsclient.Client, m *metric.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := client.GetStatus()
			m.RecordNATSStatus(status.Status == natsclient.StatusConnected)
			m.RecordCircuitBreakerState(circuitState(status.Status))
			if status.RTT > 0 {
				m.RecordNATSRTT(status.RTT)
			}
		}
	}
}

// circuitState maps the connection status onto the breaker gauge:
// 0 closed, 1 half open, 2 open.
func circuitState(s natsclient.ConnectionStatus) int {
	switch s {
	case natsclient.StatusCircuitOpen:
		return 2
	case natsclient.StatusReconnecting:
		return 1
	default:
		return 0
	}
}
