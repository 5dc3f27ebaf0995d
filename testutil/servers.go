package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Type ids served by the demo servers.
const (
	AddTwoIntsType = "example_interfaces/srv/AddTwoInts"
	FibonacciType  = "example_interfaces/action/Fibonacci"
)

// ServeAddTwoInts serves AddTwoInts on name until the test ends.
func ServeAddTwoInts(t *testing.T, env *Env, name string) *bus.ServiceServer {
	t.Helper()
	d := env.Resolve(t, AddTwoIntsType)

	srv, err := env.Node.NewServiceServer(env.Ctx, name, d, func(_ context.Context, req *codec.Message) (*codec.Message, error) {
		a, _ := req.Get("a")
		b, _ := req.Get("b")
		return codec.Encode(map[string]any{"sum": a.(int64) + b.(int64)}, d.Response)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// Fibonacci returns an executor computing the sequence up to the goal order,
// publishing the partial sequence as feedback every step. step delays each
// iteration.
func Fibonacci(d *msgtype.Descriptor, step time.Duration) bus.GoalExecutor {
	return func(ctx context.Context, goal *codec.Message, feedback func(*codec.Message) error) (bus.GoalStatus, *codec.Message, error) {
		v, _ := goal.Get("order")
		order := int(v.(int64))
		seq := []any{int64(0), int64(1)}
		for i := 1; i < order; i++ {
			if step > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(step):
				}
			}
			if ctx.Err() != nil {
				return bus.StatusCanceled, nil, nil
			}
			seq = append(seq, seq[i].(int64)+seq[i-1].(int64))
			fb, err := codec.Encode(map[string]any{"sequence": seq}, d.Feedback)
			if err != nil {
				return bus.StatusAborted, nil, err
			}
			if err := feedback(fb); err != nil {
				return bus.StatusAborted, nil, err
			}
		}
		res, err := codec.Encode(map[string]any{"sequence": seq}, d.Result)
		return bus.StatusSucceeded, res, err
	}
}

// FibonacciServer counts the goals it received.
type FibonacciServer struct {
	*bus.ActionServer
	Goals atomic.Int32
}

// ServeFibonacci serves the Fibonacci action on name until the test ends.
// Goals with a negative order are rejected.
func ServeFibonacci(t *testing.T, env *Env, name string, step time.Duration) *FibonacciServer {
	t.Helper()
	d := env.Resolve(t, FibonacciType)

	fs := &FibonacciServer{}
	accept := bus.WithGoalAcceptor(func(goal *codec.Message) bool {
		fs.Goals.Add(1)
		v, _ := goal.Get("order")
		return v.(int64) >= 0
	})
	srv, err := env.Node.NewActionServer(env.Ctx, name, d, Fibonacci(d, step), accept)
	require.NoError(t, err)
	fs.ActionServer = srv
	t.Cleanup(func() { _ = srv.Close() })
	return fs
}
