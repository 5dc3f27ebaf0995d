// Package retry runs operations until they succeed.
//
// Do retries a failing function with exponential backoff; the gateway uses it
// to establish its bus connection. Poll repeats a readiness probe that does
// its own waiting, invoking a callback after every miss; the gateway uses it
// to wait for service and action servers.
//
//	err := retry.Poll(ctx, 0, func(ctx context.Context, attempt int) bool {
//	    return client.WaitForService(ctx, time.Second)
//	}, func(attempt int) {
//	    logger.Info("service add not available, waiting again...")
//	})
//
// Both stop as soon as ctx is done.
package retry
