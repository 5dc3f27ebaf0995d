// Package gateway bridges JSON commands onto the robotics bus.
//
// A Gateway owns a single dispatch loop draining a bounded command queue.
// Every command is validated, its msg_type resolved, and routed by node_type:
//
//	publisher       create, then publish once or (re)start the publish timer
//	subscriber      create; later commands for the same topic are no-ops
//	service_client  create after the service answers its readiness probe, then call
//	action_client   create after the server is ready, then send a goal
//
// The "destroy" sentinel tears an endpoint down for every kind; "cancel"
// cancels the outstanding goal of an action client.
//
// Bus traffic never runs on the loop. Subscriber messages, service replies and
// goal feedback are queued on the endpoint's callback group and converted to
// command.Event values that an Emitter fans out to its sinks without blocking.
//
// Shutdown happens in two phases: intake and the loop stop first, then the
// executor drains, endpoints are released and the emitter flushes.
package gateway
