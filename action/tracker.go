package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// Goal is the outstanding goal of one action client.
type Goal struct {
	Action string

	tracker *Tracker

	mu     sync.Mutex
	state  State
	handle *bus.GoalHandle
}

// State returns the current state.
func (g *Goal) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ID returns the goal id, empty until the handle is attached.
func (g *Goal) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle == nil {
		return ""
	}
	return g.handle.ID
}

// Handle returns the bus handle, if attached.
func (g *Goal) Handle() *bus.GoalHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handle
}

// Attach sets the bus handle returned by SendGoal. It reports whether the
// goal was canceled while the send was in flight, in which case the caller
// owns asking the server to cancel h.
func (g *Goal) Attach(h *bus.GoalHandle) (canceled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handle = h
	return g.state == Canceled
}

// cancelUnsent moves a goal without a handle to Canceled. It returns the
// handle instead when one is already attached.
func (g *Goal) cancelUnsent() (*bus.GoalHandle, State, Output) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle != nil {
		return g.handle, g.state, OutputNone
	}
	next, out := Transition(g.state, EventCancel)
	g.state = next
	return nil, next, out
}

// Apply runs ev through Transition. Reaching a terminal state removes the
// goal from its tracker.
func (g *Goal) Apply(ev Event) (State, Output) {
	g.mu.Lock()
	next, out := Transition(g.state, ev)
	g.state = next
	g.mu.Unlock()

	if out != OutputIgnored && next.Terminal() {
		g.tracker.finish(g, next)
	}
	return next, out
}

// Tracker holds at most one outstanding goal per action client.
type Tracker struct {
	metrics *metric.Metrics

	mu    sync.Mutex
	goals map[string]*Goal
}

// NewTracker creates an empty tracker. m may be nil.
func NewTracker(m *metric.Metrics) *Tracker {
	return &Tracker{metrics: m, goals: make(map[string]*Goal)}
}

// Begin starts a goal for the action and moves it to GoalSent. It fails with
// errors.ErrGoalInFlight while an earlier goal is still outstanding.
func (t *Tracker) Begin(actionName string) (*Goal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g, ok := t.goals[actionName]; ok {
		return nil, errors.Wrap(
			errors.Tag(errors.ErrGoalInFlight, fmt.Errorf("goal %s is %s", g.ID(), g.State())),
			"Tracker", "Begin", "send goal to "+actionName)
	}
	g := &Goal{Action: actionName, tracker: t}
	g.state, _ = Transition(Idle, EventSend)
	t.goals[actionName] = g
	return g, nil
}

// Get returns the outstanding goal of the action.
func (t *Tracker) Get(actionName string) (*Goal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.goals[actionName]
	return g, ok
}

// Drop forgets the goal of the action without changing its state.
func (t *Tracker) Drop(actionName string) (*Goal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.goals[actionName]
	delete(t.goals, actionName)
	return g, ok
}

// Len returns the number of outstanding goals.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.goals)
}

// Cancel asks the server to cancel the outstanding goal of the action. An
// accepted request moves the goal to Canceled. A goal still waiting for the
// send_goal reply is canceled locally and reported as CancelAccepted; the
// sender forwards the cancel once the handle arrives (see Goal.Attach).
// Without an outstanding goal it returns an error wrapping errors.ErrNoGoal.
func (t *Tracker) Cancel(ctx context.Context, actionName string) (bus.CancelCode, error) {
	g, ok := t.Get(actionName)
	if !ok {
		return bus.CancelUnknownGoal, errors.Wrap(errors.ErrNoGoal, "Tracker", "Cancel", "cancel goal of "+actionName)
	}

	h, state, out := g.cancelUnsent()
	if h == nil {
		if out == OutputIgnored {
			return bus.CancelGoalTerminated, errors.Wrap(errors.ErrNoGoal, "Tracker", "Cancel", "cancel goal of "+actionName)
		}
		t.finish(g, state)
		return bus.CancelAccepted, nil
	}

	code, err := h.Cancel(ctx)
	if err != nil {
		return code, err
	}
	switch code {
	case bus.CancelAccepted:
		g.Apply(EventCancel)
	case bus.CancelUnknownGoal, bus.CancelGoalTerminated:
		t.remove(g)
	}
	return code, nil
}

func (t *Tracker) finish(g *Goal, state State) {
	if t.remove(g) && t.metrics != nil {
		t.metrics.RecordGoal(state.String())
	}
}

func (t *Tracker) remove(g *Goal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.goals[g.Action] != g {
		return false
	}
	delete(t.goals, g.Action)
	return true
}
