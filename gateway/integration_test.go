//go:build integration

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/command"
	innats "github.com/c360/semstreams-robotics/input/nats"
	"github.com/c360/semstreams-robotics/msgtype"
	"github.com/c360/semstreams-robotics/natsclient"
	outnats "github.com/c360/semstreams-robotics/output/nats"
	"github.com/c360/semstreams-robotics/testutil"
)

type eventLog struct {
	mu     sync.Mutex
	events map[string][]command.Event
}

func (l *eventLog) add(subject string, data []byte) {
	var ev command.Event
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[subject] = append(l.events[subject], ev)
}

func (l *eventLog) count(subject string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events[subject])
}

func (l *eventLog) get(subject string) []command.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]command.Event(nil), l.events[subject]...)
}

func TestIntegration_GatewayOverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	robot := tc.NewConnectedClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := msgtype.NewBuiltinRegistry()
	require.NoError(t, err)
	resolver, err := msgtype.NewResolver(reg, 0)
	require.NoError(t, err)

	// Robot side: a service, an action server and a topic listener.
	robotNode := bus.NewNode(bus.NewNATSTransport(robot), "it")
	add, err := resolver.Resolve(testutil.AddTwoIntsType)
	require.NoError(t, err)
	srv, err := robotNode.NewServiceServer(ctx, "add_two_ints", add, func(_ context.Context, req *codec.Message) (*codec.Message, error) {
		a, _ := req.Get("a")
		b, _ := req.Get("b")
		return codec.Encode(map[string]any{"sum": a.(int64) + b.(int64)}, add.Response)
	})
	require.NoError(t, err)
	defer srv.Close()

	fib, err := resolver.Resolve(testutil.FibonacciType)
	require.NoError(t, err)
	actionSrv, err := robotNode.NewActionServer(ctx, "fibonacci", fib, testutil.Fibonacci(fib, 0))
	require.NoError(t, err)
	defer actionSrv.Close()

	events := &eventLog{events: make(map[string][]command.Event)}
	for _, name := range []string{"response", "feedback", "result", "accepted"} {
		subject := "it.gateway.events." + name
		s, err := robot.Subscribe(ctx, subject, func(_ context.Context, data []byte) { events.add(subject, data) })
		require.NoError(t, err)
		defer func() { _ = s.Unsubscribe() }()
	}
	require.NoError(t, robot.Flush(ctx))

	// Gateway side.
	transport := bus.NewNATSTransport(tc.Client)
	out, err := outnats.New(transport, "it", "", true)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.MaxWaitAttempts = 10
	gw, err := New(cfg, Dependencies{
		Node:     bus.NewNode(transport, "it", bus.WithCallTimeout(2*time.Second)),
		Resolver: resolver,
		Sinks:    []Sink{out},
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(ctx))
	defer func() { _ = gw.Shutdown(2 * time.Second) }()

	in, err := innats.New(transport, gw, "it", "", nil)
	require.NoError(t, err)
	require.NoError(t, in.Start(ctx))
	defer func() { _ = in.Stop() }()
	require.NoError(t, tc.Client.Flush(ctx))

	t.Run("service call via request", func(t *testing.T) {
		cmd := `{"node_type":"service_client","msg_type":"example_interfaces/srv/AddTwoInts","name":"add_two_ints","msg":{"a":40,"b":2}}`
		data, err := robot.Request(ctx, in.RequestSubject(), []byte(cmd))
		require.NoError(t, err)
		var reply innats.Reply
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.True(t, reply.Accepted)

		require.Eventually(t, func() bool { return events.count("it.gateway.events.response") == 1 },
			5*time.Second, 10*time.Millisecond)
		ev := events.get("it.gateway.events.response")[0]
		assert.Equal(t, "add_two_ints", ev.Name)
		assert.Equal(t, map[string]any{"sum": float64(42)}, ev.Msg)
	})

	t.Run("action goal via publish", func(t *testing.T) {
		cmd := `{"node_type":"action_client","msg_type":"example_interfaces/action/Fibonacci","name":"fibonacci","msg":{"order":4}}`
		require.NoError(t, robot.Publish(ctx, in.Subject(), []byte(cmd)))

		require.Eventually(t, func() bool { return events.count("it.gateway.events.result") == 1 },
			5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, events.count("it.gateway.events.accepted"))
		assert.Equal(t, 3, events.count("it.gateway.events.feedback"))

		result := events.get("it.gateway.events.result")[0]
		assert.Equal(t, "SUCCEEDED", result.Status)
		assert.Equal(t, events.get("it.gateway.events.accepted")[0].GoalID, result.GoalID)
	})

	t.Run("invalid command rejected on request", func(t *testing.T) {
		data, err := robot.Request(ctx, in.RequestSubject(), []byte(`{"node_type":"publisher"}`))
		require.NoError(t, err)
		var reply innats.Reply
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.False(t, reply.Accepted)
		assert.NotEmpty(t, reply.Error)
	})
}
