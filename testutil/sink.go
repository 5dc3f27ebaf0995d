package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/semstreams-robotics/command"
)

// Collector is an event sink recording every event it receives.
type Collector struct {
	mu     sync.Mutex
	events []*command.Event
	err    error
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Name implements the gateway Sink interface.
func (c *Collector) Name() string { return "collector" }

// Write implements the gateway Sink interface.
func (c *Collector) Write(_ context.Context, ev *command.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

// FailWith makes later writes return err after recording the event.
func (c *Collector) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []*command.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*command.Event(nil), c.events...)
}

// Len returns the number of recorded events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Types returns the event type of every recorded event in order.
func (c *Collector) Types() []command.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]command.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Event
	}
	return out
}

// WaitFor waits until at least n events were recorded and returns them.
func (c *Collector) WaitFor(t *testing.T, n int, timeout time.Duration) []*command.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if events := c.Events(); len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d events (got %d: %v)", n, c.Len(), c.Types())
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}
