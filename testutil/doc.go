// Package testutil provides helpers for gateway tests.
//
// Env wires an in-memory bus (bus.MemoryTransport), a node and a resolver
// over the builtin type definitions, so tests exercise real endpoints without
// a NATS server. ServeAddTwoInts and ServeFibonacci stand up the classic demo
// service and action servers; Collector is an event sink that records what
// the gateway emits and lets a test wait for it.
//
//	env := testutil.NewEnv(t)
//	testutil.ServeFibonacci(t, env, "fibonacci", 0)
//	sink := testutil.NewCollector()
//	// ... start a gateway with sink ...
//	events := sink.WaitFor(t, 4, 2*time.Second)
package testutil
