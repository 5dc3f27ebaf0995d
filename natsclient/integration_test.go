//go:build integration

package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())

	assert.True(t, tc.IsReady())
	assert.NotNil(t, tc.GetNativeConnection())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, StatusConnected, tc.Client.GetStatus().Status)
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := tc.Client.Subscribe(ctx, "ros.topic.chatter", func(_ context.Context, data []byte) {
		received <- string(data)
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "ros.topic.chatter", []byte(`{"data":"hello"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, `{"data":"hello"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestIntegration_RequestRespond(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	server := tc.NewConnectedClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := server.Respond(ctx, "ros.srv.echo", func(_ context.Context, data []byte) ([]byte, error) {
		calls.Add(1)
		return append([]byte("echo:"), data...), nil
	})
	require.NoError(t, err)
	require.NoError(t, server.Flush(ctx))

	reply, err := tc.Client.Request(ctx, "ros.srv.echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(reply))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIntegration_RequestNoResponders(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tc.Client.Request(ctx, "ros.srv.missing", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoResponders)
}

func TestIntegration_CloseReleasesSubscriptions(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	client := tc.NewConnectedClient(t)
	ctx := context.Background()

	_, err := client.Subscribe(ctx, "ros.topic.a", func(context.Context, []byte) {})
	require.NoError(t, err)
	_, err = client.Subscribe(ctx, "ros.topic.b", func(context.Context, []byte) {})
	require.NoError(t, err)

	require.NoError(t, client.Close(ctx))
	assert.Empty(t, client.subs)
	assert.False(t, client.IsHealthy())
}
