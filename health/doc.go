// Package health reports whether the gateway and the connections it depends
// on are usable.
//
// A Status is healthy, degraded or unhealthy. A Monitor holds named checks,
// runs them on demand and aggregates the results: any unhealthy check makes
// the aggregate unhealthy, otherwise any degraded check makes it degraded.
//
//	m := health.NewMonitor()
//	m.Register("gateway", gw.Health)
//	m.Register("nats", func() health.Status { ... })
//	st := m.Check("rosbridge")
package health
