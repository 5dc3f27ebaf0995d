// Package metric provides Prometheus metrics for the gateway and an HTTP
// server that exposes them.
//
// MetricsRegistry owns a private Prometheus registry holding the core gateway
// metrics (Metrics), Go runtime collectors and any component metrics
// registered through MetricsRegistrar. Registration is keyed by
// "<service>.<metric>" so a component cannot register the same metric twice.
//
// Basic usage:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCommand("publisher", "ok", elapsed)
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	errCh, err := srv.Start()
//	...
//	_ = srv.Stop(ctx)
//
// Handler returns the exposition handler alone so the gateway HTTP API can
// mount /metrics next to its own routes.
package metric
