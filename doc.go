// Package robotics is a JSON command gateway for a ROS-style robotics message
// bus carried over NATS.
//
// A client describes what it wants as small JSON commands: publish a message
// once or on a timer, subscribe to a topic, call a service, send an action
// goal, cancel it, or destroy an endpoint. The gateway resolves the message
// type, creates the endpoint on first use, and streams everything the bus
// sends back (topic messages, service responses, goal acceptance, feedback and
// results) as JSON events.
//
// # Architecture
//
// Commands arrive from stdin, HTTP, websocket clients or a NATS subject and
// are queued for a single dispatch loop:
//
//	inputs ──► gateway.Submit ──► dispatch loop ──► endpoint.Registry
//	                                  │                   │
//	                                  │            bus.Node (publisher, subscriber,
//	                                  │            service client, action client)
//	                                  │                   │
//	                                  │            executor callback groups
//	                                  ▼                   │
//	                            gateway.Emitter ◄─────────┘
//	                                  │
//	             file output, NATS output, websocket hub
//
// # Packages
//
//   - command: command and event JSON, schema validation
//   - msgtype: message type definitions, registry and resolver
//   - codec: typed encoding of JSON payloads against a message description
//   - bus: subject mapping and endpoints over a Transport (NATS or memory)
//   - executor: per-endpoint callback groups and timers
//   - endpoint: registry of live endpoints keyed by kind and name
//   - action: goal lifecycle tracking
//   - logging: per-endpoint loggers, optionally published on <prefix>.rosout
//   - gateway: dispatch loop, emitter, HTTP and websocket surfaces
//   - input, output: command sources and event sinks
//   - config, metric, health, natsclient, errors: ambient infrastructure
//
// The rosbridge binary in cmd/rosbridge wires these together.
package robotics
