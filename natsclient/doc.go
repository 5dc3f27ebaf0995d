// Package natsclient wraps the NATS Go client with the connection handling the
// gateway relies on.
//
// The client moves through Disconnected, Connecting, Connected and
// Reconnecting. After a threshold of consecutive connect failures (default 5)
// the circuit opens and Connect fails fast with ErrCircuitOpen until the
// backoff elapses; backoff doubles per round up to the configured maximum.
//
// Besides Publish and Subscribe the client offers Request and Respond for
// request/reply traffic, which the bus package uses for services and action
// goals:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "ros.srv.add_two_ints", body)
//
// Subscriptions returned by Subscribe and Respond are tracked; Close
// unsubscribes whatever is still open and drains the connection.
//
// NewTestClient starts a throwaway server with testcontainers for integration
// tests.
package natsclient
