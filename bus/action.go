package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
)

// GoalStatus is the status of a goal as reported by the action server.
type GoalStatus int8

// Goal statuses, numbered as action_msgs/GoalStatus.
const (
	StatusUnknown GoalStatus = iota
	StatusAccepted
	StatusExecuting
	StatusCanceling
	StatusSucceeded
	StatusCanceled
	StatusAborted
)

func (s GoalStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusExecuting:
		return "executing"
	case StatusCanceling:
		return "canceling"
	case StatusSucceeded:
		return "succeeded"
	case StatusCanceled:
		return "canceled"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further goal events follow s.
func (s GoalStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled || s == StatusAborted
}

// CancelCode is the return code of a cancel request.
type CancelCode int8

// Cancel return codes, numbered as action_msgs/CancelGoal.
const (
	CancelAccepted CancelCode = iota
	CancelRejected
	CancelUnknownGoal
	CancelGoalTerminated
)

func (c CancelCode) String() string {
	switch c {
	case CancelAccepted:
		return "accepted"
	case CancelRejected:
		return "rejected"
	case CancelUnknownGoal:
		return "unknown_goal"
	case CancelGoalTerminated:
		return "goal_terminated"
	default:
		return "unknown"
	}
}

const (
	sendGoalSuffix   = ".send_goal"
	cancelGoalSuffix = ".cancel_goal"
	goalStreamInfix  = ".goal."

	eventFeedback = "feedback"
	eventResult   = "result"
)

type sendGoalRequest struct {
	GoalID string          `json:"goal_id"`
	Goal   json.RawMessage `json:"goal"`
}

type sendGoalReply struct {
	Accepted bool `json:"accepted"`
}

type cancelGoalRequest struct {
	GoalID string `json:"goal_id"`
}

type cancelGoalReply struct {
	ReturnCode CancelCode `json:"return_code"`
}

type goalEvent struct {
	Type     string          `json:"type"`
	Status   GoalStatus      `json:"status,omitempty"`
	Feedback json.RawMessage `json:"feedback,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// GoalCallbacks receive the goal stream. Result is called once, after which
// the stream is closed.
type GoalCallbacks struct {
	Feedback func(feedback *codec.Message)
	Result   func(status GoalStatus, result *codec.Message)
}

// ActionClient sends goals to an action server.
type ActionClient struct {
	node *Node
	name string
	base string
	desc *msgtype.Descriptor

	mu     sync.Mutex
	goals  map[string]*GoalHandle
	closed bool
}

// NewActionClient creates a client for the action name of type desc.
func (n *Node) NewActionClient(name string, desc *msgtype.Descriptor) (*ActionClient, error) {
	if desc == nil || desc.ID.Category != msgtype.CategoryAction {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not an action type", descName(desc)), "ActionClient", "NewActionClient", "type check")
	}
	base, err := n.ActionSubject(name)
	if err != nil {
		return nil, err
	}
	return &ActionClient{
		node:  n,
		name:  name,
		base:  base,
		desc:  desc,
		goals: make(map[string]*GoalHandle),
	}, nil
}

// Name returns the action name.
func (c *ActionClient) Name() string { return c.name }

// Subject returns the base subject of the action.
func (c *ActionClient) Subject() string { return c.base }

// WaitForServer probes the action server once, waiting at most timeout.
func (c *ActionClient) WaitForServer(ctx context.Context, timeout time.Duration) bool {
	return probe(ctx, c.node.transport, c.base+readySuffix, timeout)
}

// SendGoal sends goal and returns once the server accepted or rejected it.
// The goal stream is subscribed before the request goes out so no feedback
// is missed; callbacks may therefore run before SendGoal returns.
func (c *ActionClient) SendGoal(ctx context.Context, goal *codec.Message, cb GoalCallbacks) (*GoalHandle, error) {
	if goal == nil || !goal.Type.SameType(c.desc.Goal) {
		return nil, errors.WrapInvalid(fmt.Errorf("goal type mismatch on %s", c.name), "ActionClient", "SendGoal", "type check")
	}
	body, err := codec.Marshal(goal)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "ActionClient", "SendGoal", "send goal to "+c.name)
	}
	c.mu.Unlock()

	h := &GoalHandle{ID: uuid.NewString(), client: c, done: make(chan struct{})}
	sub, err := c.node.transport.Subscribe(context.WithoutCancel(ctx), c.base+goalStreamInfix+h.ID, func(_ context.Context, data []byte) {
		c.handleGoalEvent(h, data, cb)
	})
	if err != nil {
		return nil, errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "ActionClient", "SendGoal", "subscribe goal stream")
	}
	h.sub = sub

	req, err := json.Marshal(sendGoalRequest{GoalID: h.ID, Goal: body})
	if err != nil {
		_ = h.release()
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "ActionClient", "SendGoal", "encode request")
	}

	rctx, cancel := context.WithTimeout(ctx, c.node.callTimeout)
	defer cancel()
	raw, err := c.node.transport.Request(rctx, c.base+sendGoalSuffix, req)
	if err != nil {
		_ = h.release()
		return nil, errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "ActionClient", "SendGoal", "send goal to "+c.name)
	}

	var reply sendGoalReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		_ = h.release()
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "ActionClient", "SendGoal", "decode reply")
	}
	h.Accepted = reply.Accepted
	if !reply.Accepted {
		_ = h.release()
		return h, nil
	}

	c.mu.Lock()
	if !h.isDone() {
		c.goals[h.ID] = h
	}
	c.mu.Unlock()
	return h, nil
}

func (c *ActionClient) handleGoalEvent(h *GoalHandle, data []byte, cb GoalCallbacks) {
	var ev goalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.node.logger.Warn("Dropping malformed goal event", "action", c.name, "goal_id", h.ID, "error", err)
		return
	}

	switch ev.Type {
	case eventFeedback:
		fb, err := codec.Unmarshal(ev.Feedback, c.desc.Feedback)
		if err != nil {
			c.node.logger.Warn("Dropping undecodable feedback", "action", c.name, "goal_id", h.ID, "error", err)
			return
		}
		if cb.Feedback != nil {
			cb.Feedback(fb)
		}
	case eventResult:
		res, err := codec.Unmarshal(ev.Result, c.desc.Result)
		if err != nil {
			c.node.logger.Warn("Undecodable result, reporting default", "action", c.name, "goal_id", h.ID, "error", err)
			res = codec.New(c.desc.Result)
		}
		h.finish(ev.Status)
		if cb.Result != nil {
			cb.Result(ev.Status, res)
		}
		_ = h.release()
	default:
		c.node.logger.Warn("Unknown goal event type", "action", c.name, "goal_id", h.ID, "type", ev.Type)
	}
}

// Outstanding returns the number of goals awaiting a result.
func (c *ActionClient) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.goals)
}

// Close drops every goal stream. Goals keep running on the server.
func (c *ActionClient) Close() error {
	c.mu.Lock()
	c.closed = true
	goals := make([]*GoalHandle, 0, len(c.goals))
	for _, h := range c.goals {
		goals = append(goals, h)
	}
	c.mu.Unlock()

	var err error
	for _, h := range goals {
		err = multierr.Append(err, h.release())
	}
	return err
}

// GoalHandle tracks one goal sent by an ActionClient.
type GoalHandle struct {
	ID       string
	Accepted bool

	client *ActionClient
	sub    Subscription

	mu          sync.Mutex
	status      GoalStatus
	done        chan struct{}
	doneOnce    sync.Once
	releaseOnce sync.Once
}

// Status returns the last status reported for the goal.
func (h *GoalHandle) Status() GoalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the result arrived.
func (h *GoalHandle) Done() <-chan struct{} {
	return h.done
}

// Cancel asks the server to cancel the goal.
func (h *GoalHandle) Cancel(ctx context.Context) (CancelCode, error) {
	c := h.client
	req, err := json.Marshal(cancelGoalRequest{GoalID: h.ID})
	if err != nil {
		return CancelRejected, errors.WrapInvalid(err, "GoalHandle", "Cancel", "encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.node.callTimeout)
	defer cancel()
	raw, err := c.node.transport.Request(ctx, c.base+cancelGoalSuffix, req)
	if err != nil {
		return CancelRejected, errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "GoalHandle", "Cancel", "cancel goal "+h.ID)
	}
	var reply cancelGoalReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return CancelRejected, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "GoalHandle", "Cancel", "decode reply")
	}
	return reply.ReturnCode, nil
}

func (h *GoalHandle) finish(status GoalStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *GoalHandle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// release unsubscribes the goal stream and forgets the goal.
func (h *GoalHandle) release() error {
	var err error
	h.releaseOnce.Do(func() {
		c := h.client
		c.mu.Lock()
		delete(c.goals, h.ID)
		c.mu.Unlock()
		if h.sub != nil {
			err = h.sub.Unsubscribe()
		}
	})
	return err
}

// GoalExecutor runs an accepted goal. ctx is canceled when a client cancels
// the goal. An error aborts the goal.
type GoalExecutor func(ctx context.Context, goal *codec.Message, feedback func(*codec.Message) error) (GoalStatus, *codec.Message, error)

// ActionServerOption configures an ActionServer.
type ActionServerOption func(*ActionServer)

// WithGoalAcceptor decides whether an incoming goal is accepted.
func WithGoalAcceptor(accept func(goal *codec.Message) bool) ActionServerOption {
	return func(s *ActionServer) {
		if accept != nil {
			s.accept = accept
		}
	}
}

// ActionServer serves an action. Each accepted goal executes on its own
// goroutine.
type ActionServer struct {
	node    *Node
	name    string
	base    string
	desc    *msgtype.Descriptor
	execute GoalExecutor
	accept  func(*codec.Message) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	finished map[string]GoalStatus
	subs     []Subscription
	once     sync.Once
}

// NewActionServer serves name until ctx is done or Close.
func (n *Node) NewActionServer(ctx context.Context, name string, desc *msgtype.Descriptor, execute GoalExecutor, opts ...ActionServerOption) (*ActionServer, error) {
	if desc == nil || desc.ID.Category != msgtype.CategoryAction {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not an action type", descName(desc)), "ActionServer", "NewActionServer", "type check")
	}
	if execute == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ActionServer", "NewActionServer", "executor")
	}
	base, err := n.ActionSubject(name)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &ActionServer{
		node:     n,
		name:     name,
		base:     base,
		desc:     desc,
		execute:  execute,
		accept:   func(*codec.Message) bool { return true },
		ctx:      sctx,
		cancel:   cancel,
		active:   make(map[string]context.CancelFunc),
		finished: make(map[string]GoalStatus),
	}
	for _, opt := range opts {
		opt(s)
	}

	routes := []struct {
		subject   string
		responder Responder
	}{
		{base + sendGoalSuffix, s.handleSendGoal},
		{base + cancelGoalSuffix, s.handleCancelGoal},
		{base + readySuffix, readyResponder},
	}
	for _, r := range routes {
		sub, err := n.transport.Respond(sctx, r.subject, r.responder)
		if err != nil {
			_ = s.Close()
			return nil, errors.WrapTransient(err, "ActionServer", "NewActionServer", "respond on "+r.subject)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

func (s *ActionServer) handleSendGoal(_ context.Context, data []byte) ([]byte, error) {
	var req sendGoalRequest
	if err := json.Unmarshal(data, &req); err != nil || req.GoalID == "" {
		return json.Marshal(sendGoalReply{Accepted: false})
	}
	goal, err := codec.Unmarshal(req.Goal, s.desc.Goal)
	if err != nil || !s.accept(goal) {
		return json.Marshal(sendGoalReply{Accepted: false})
	}

	gctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if _, dup := s.active[req.GoalID]; dup {
		s.mu.Unlock()
		cancel()
		return json.Marshal(sendGoalReply{Accepted: false})
	}
	s.active[req.GoalID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(gctx, req.GoalID, goal)
	return json.Marshal(sendGoalReply{Accepted: true})
}

func (s *ActionServer) run(ctx context.Context, goalID string, goal *codec.Message) {
	defer s.wg.Done()
	subject := s.base + goalStreamInfix + goalID
	// stream publishes outlive goal cancellation
	pctx := context.WithoutCancel(ctx)

	feedback := func(fb *codec.Message) error {
		body, err := codec.Marshal(fb)
		if err != nil {
			return err
		}
		data, err := json.Marshal(goalEvent{Type: eventFeedback, Feedback: body})
		if err != nil {
			return err
		}
		return s.node.transport.Publish(pctx, subject, data)
	}

	status, result, err := s.execute(ctx, goal, feedback)
	if err != nil {
		s.node.logger.Warn("Goal aborted", "action", s.name, "goal_id", goalID, "error", err)
		status = StatusAborted
	}
	if !status.Terminal() {
		status = StatusSucceeded
		if ctx.Err() != nil {
			status = StatusCanceled
		}
	}
	if result == nil || result.Type != s.desc.Result {
		result = codec.New(s.desc.Result)
	}

	s.mu.Lock()
	if cancel, ok := s.active[goalID]; ok {
		cancel()
		delete(s.active, goalID)
	}
	s.finished[goalID] = status
	s.mu.Unlock()

	body, err := codec.Marshal(result)
	if err != nil {
		s.node.logger.Error("Cannot encode goal result", "action", s.name, "goal_id", goalID, "error", err)
		body = json.RawMessage("{}")
	}
	data, err := json.Marshal(goalEvent{Type: eventResult, Status: status, Result: body})
	if err != nil {
		s.node.logger.Error("Cannot encode goal event", "action", s.name, "goal_id", goalID, "error", err)
		return
	}
	if err := s.node.transport.Publish(pctx, subject, data); err != nil {
		s.node.logger.Warn("Cannot publish goal result", "action", s.name, "goal_id", goalID, "error", err)
	}
}

func (s *ActionServer) handleCancelGoal(_ context.Context, data []byte) ([]byte, error) {
	var req cancelGoalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return json.Marshal(cancelGoalReply{ReturnCode: CancelRejected})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[req.GoalID]; ok {
		cancel()
		return json.Marshal(cancelGoalReply{ReturnCode: CancelAccepted})
	}
	if _, ok := s.finished[req.GoalID]; ok {
		return json.Marshal(cancelGoalReply{ReturnCode: CancelGoalTerminated})
	}
	return json.Marshal(cancelGoalReply{ReturnCode: CancelUnknownGoal})
}

// Active returns the number of executing goals.
func (s *ActionServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close cancels running goals, waits for them and stops serving.
func (s *ActionServer) Close() error {
	var err error
	s.once.Do(func() {
		for _, sub := range s.subs {
			err = multierr.Append(err, sub.Unsubscribe())
		}
		s.cancel()
		s.wg.Wait()
	})
	return err
}
