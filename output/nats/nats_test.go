package nats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
)

func TestNew(t *testing.T) {
	mt := bus.NewMemoryTransport()
	defer mt.Close()

	out, err := New(mt, "ros", "", false)
	require.NoError(t, err)
	assert.Equal(t, "ros.gateway.events", out.Subject())
	assert.Equal(t, "nats", out.Name())

	out, err = New(mt, "lab.", "", false)
	require.NoError(t, err)
	assert.Equal(t, "lab.gateway.events", out.Subject())

	_, err = New(mt, "ros", "events.>", false)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = New(nil, "ros", "", false)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestOutput_Write(t *testing.T) {
	mt := bus.NewMemoryTransport()
	defer mt.Close()

	cmd, err := command.Parse([]byte(`{"node_type":"service_client","msg_type":"example_interfaces/srv/AddTwoInts","name":"add_two_ints","msg":{"a":1,"b":2}}`))
	require.NoError(t, err)
	ev := command.NewEvent(cmd, command.EventResponse, map[string]any{"sum": 3})

	out, err := New(mt, "ros", "", false)
	require.NoError(t, err)
	require.NoError(t, out.Write(context.Background(), ev))

	msgs := mt.Messages("ros.gateway.events")
	require.Len(t, msgs, 1)
	var got command.Event
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, command.EventResponse, got.Event)
	assert.Equal(t, "add_two_ints", got.Name)

	perEvent, err := New(mt, "ros", "", true)
	require.NoError(t, err)
	require.NoError(t, perEvent.Write(context.Background(), ev))
	assert.Equal(t, 1, mt.MessageCount("ros.gateway.events.response"))
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func TestOutput_WriteFailure(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, "ros.gateway.events.message", mock.AnythingOfType("[]uint8")).
		Return(errors.ErrNoConnection).Once()

	out, err := New(pub, "ros", "", true)
	require.NoError(t, err)
	err = out.Write(context.Background(), &command.Event{Event: command.EventMessage})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
	pub.AssertExpectations(t)
}
