package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Env is an in-memory bus with a node and a builtin type resolver.
type Env struct {
	Transport *bus.MemoryTransport
	Node      *bus.Node
	Resolver  *msgtype.Resolver
	Ctx       context.Context
}

// NewEnv creates an Env torn down with the test.
func NewEnv(t *testing.T, opts ...bus.NodeOption) *Env {
	t.Helper()

	reg, err := msgtype.NewBuiltinRegistry()
	require.NoError(t, err)
	resolver, err := msgtype.NewResolver(reg, 0)
	require.NoError(t, err)

	mt := bus.NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = mt.Close()
	})

	opts = append([]bus.NodeOption{bus.WithCallTimeout(2 * time.Second)}, opts...)
	return &Env{
		Transport: mt,
		Node:      bus.NewNode(mt, "", opts...),
		Resolver:  resolver,
		Ctx:       ctx,
	}
}

// Resolve resolves typeID or fails the test.
func (e *Env) Resolve(t *testing.T, typeID string) *msgtype.Descriptor {
	t.Helper()
	d, err := e.Resolver.Resolve(typeID)
	require.NoError(t, err)
	return d
}

// Encode builds a message of type m from payload or fails the test.
func Encode(t *testing.T, payload map[string]any, m *msgtype.Message) *codec.Message {
	t.Helper()
	msg, err := codec.Encode(payload, m)
	require.NoError(t, err)
	return msg
}

// WaitForMessageCount waits until at least count messages were published on
// subject and returns them.
func WaitForMessageCount(t *testing.T, mt *bus.MemoryTransport, subject string, count int, timeout time.Duration) [][]byte {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if msgs := mt.Messages(subject); len(msgs) >= count {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, mt.MessageCount(subject))
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// AssertNoMessages checks that nothing was published on subject.
func AssertNoMessages(t *testing.T, mt *bus.MemoryTransport, subject string) {
	t.Helper()
	if n := mt.MessageCount(subject); n > 0 {
		t.Fatalf("expected no messages on subject %s, got %d", subject, n)
	}
}
