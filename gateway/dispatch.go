package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/c360/semstreams-robotics/action"
	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/endpoint"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
	"github.com/c360/semstreams-robotics/pkg/retry"
)

var kindCategory = map[command.Kind]msgtype.Category{
	command.KindPublisher:     msgtype.CategoryMsg,
	command.KindSubscriber:    msgtype.CategoryMsg,
	command.KindServiceClient: msgtype.CategorySrv,
	command.KindActionClient:  msgtype.CategoryAction,
}

// process runs one command through validate, resolve and route. Failures are
// logged and counted; they never stop the loop.
func (g *Gateway) process(ctx context.Context, data []byte) {
	start := time.Now()
	kind := "unknown"

	err := func() error {
		cmd, err := command.Parse(data)
		if err != nil {
			return err
		}
		kind = string(cmd.NodeType)

		desc, err := g.resolve(cmd)
		if err != nil {
			return err
		}
		return g.route(ctx, cmd, desc)
	}()

	g.processed.Add(1)
	if g.metrics != nil {
		g.metrics.RecordCommand(kind, errors.Kind(err), time.Since(start))
	}
	switch {
	case err == nil:
	case errors.IsNoop(err):
		g.logger.Warn("Command skipped", "node_type", kind, "error", err)
	default:
		g.failed.Add(1)
		g.logger.Error("Command failed", "node_type", kind, "kind", errors.Kind(err), "error", err)
	}
}

func (g *Gateway) resolve(cmd *command.Command) (*msgtype.Descriptor, error) {
	desc, err := g.resolver.Resolve(cmd.MsgType)
	if err != nil {
		return nil, err
	}
	if want := kindCategory[cmd.NodeType]; desc.ID.Category != want {
		return nil, errors.WrapInvalid(
			errors.Tag(errors.ErrResolution, fmt.Errorf("%s needs a %s type, got %s", cmd.NodeType, want, desc.ID)),
			"Gateway", "resolve", "match type category")
	}
	return desc, nil
}

// route is a closed switch over the endpoint kinds.
func (g *Gateway) route(ctx context.Context, cmd *command.Command, desc *msgtype.Descriptor) error {
	if cmd.IsDestroy() {
		return g.destroy(cmd)
	}
	switch cmd.NodeType {
	case command.KindPublisher:
		return g.publish(ctx, cmd, desc)
	case command.KindSubscriber:
		return g.subscribe(ctx, cmd, desc)
	case command.KindServiceClient:
		return g.callService(ctx, cmd, desc)
	case command.KindActionClient:
		if cmd.IsCancel() {
			return g.cancelGoal(ctx, cmd)
		}
		return g.sendGoal(ctx, cmd, desc)
	default:
		return errors.WrapInvalid(errors.Tag(errors.ErrValidation, fmt.Errorf("unknown node_type %q", cmd.NodeType)), "Gateway", "route", "route command")
	}
}

func (g *Gateway) spec(cmd *command.Command, desc *msgtype.Descriptor) endpoint.Spec {
	return endpoint.Spec{
		Kind:       cmd.NodeType,
		Name:       cmd.Name,
		Type:       desc,
		LoggerName: cmd.LoggerName(),
		Log:        cmd.RosLog,
	}
}

// boundType returns the descriptor an existing endpoint was created with,
// or desc when the endpoint does not exist yet. A command naming a different
// type than the existing endpoint is a validation error.
func (g *Gateway) boundType(cmd *command.Command, desc *msgtype.Descriptor) (*msgtype.Descriptor, error) {
	rec, ok := g.registry.Lookup(cmd.NodeType, cmd.Name)
	if !ok || rec.Type == nil {
		return desc, nil
	}
	if rec.Type.ID != desc.ID {
		return nil, errors.WrapInvalid(
			errors.Tag(errors.ErrValidation, fmt.Errorf("%s %s has type %s, command names %s", cmd.NodeType, cmd.Name, rec.Type.ID, desc.ID)),
			"Gateway", "boundType", "match endpoint type")
	}
	return rec.Type, nil
}

func (g *Gateway) encode(cmd *command.Command, t *msgtype.Message) (*codec.Message, error) {
	msg, err := codec.Encode(cmd.Payload, t)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "encode", "encode "+cmd.MsgType+" payload for "+cmd.Name)
	}
	return msg, nil
}

func (g *Gateway) destroy(cmd *command.Command) error {
	if cmd.NodeType == command.KindActionClient {
		if goal, ok := g.tracker.Drop(cmd.Name); ok {
			g.logger.Debug("Dropped goal handle", "action", cmd.Name, "goal_id", goal.ID(), "state", goal.State())
		}
	}
	ok, err := g.registry.Destroy(cmd.NodeType, cmd.Name)
	if ok {
		g.logger.Info("Destroyed "+string(cmd.NodeType), "name", cmd.Name)
	}
	return err
}

func (g *Gateway) emit(cmd *command.Command, ev *command.Event) {
	if err := g.emitter.Emit(ev); err != nil && !stderrors.Is(err, errors.ErrQueueFull) {
		g.logger.Debug("Event not emitted", "node_type", cmd.NodeType, "name", cmd.Name, "event", ev.Event, "error", err)
	}
}

// publisher

func (g *Gateway) publish(ctx context.Context, cmd *command.Command, desc *msgtype.Descriptor) error {
	desc, err := g.boundType(cmd, desc)
	if err != nil {
		return err
	}
	msg, err := g.encode(cmd, desc.Message)
	if err != nil {
		return err
	}

	rec, _, err := g.registry.GetOrCreate(ctx, g.spec(cmd, desc), func(_ context.Context, rec *endpoint.Record) (io.Closer, error) {
		pub, err := g.node.NewPublisher(cmd.Name, desc.Message)
		if err != nil {
			return nil, err
		}
		rec.Logger.Debug("Created publisher", "topic", cmd.Name, "subject", pub.Subject(), "depth", pub.Depth())
		return pub, nil
	})
	if err != nil {
		return err
	}
	pub := rec.Handle().(*bus.Publisher)

	period := cmd.Period()
	if period == 0 {
		if g.registry.ClearTimer(rec) {
			rec.Logger.Info("Stopped publish timer", "topic", cmd.Name)
		}
		if err := pub.Publish(ctx, msg); err != nil {
			rec.Logger.Error("Failed to publish message", err, "topic", cmd.Name)
			return errors.Wrap(err, "Gateway", "publish", "publish to "+cmd.Name)
		}
		rec.Logger.Info("Published message to topic", "topic", cmd.Name)
		return nil
	}

	timer, err := g.exec.NewTimer(rec.Group, period, func(ctx context.Context) {
		if err := pub.Publish(ctx, msg); err != nil {
			rec.Logger.Error("Failed to publish message", err, "topic", cmd.Name)
			return
		}
		rec.Logger.Debug("Published message to topic", "topic", cmd.Name)
	})
	if err != nil {
		return errors.Wrap(errors.Tag(errors.ErrDispatch, err), "Gateway", "publish", "start timer for "+cmd.Name)
	}
	g.registry.SetTimer(rec, timer)
	rec.Logger.Info("Publishing on timer", "topic", cmd.Name, "period", period)
	return nil
}

// subscriber

func (g *Gateway) subscribe(ctx context.Context, cmd *command.Command, desc *msgtype.Descriptor) error {
	desc, err := g.boundType(cmd, desc)
	if err != nil {
		return err
	}
	_, created, err := g.registry.GetOrCreate(ctx, g.spec(cmd, desc), func(_ context.Context, rec *endpoint.Record) (io.Closer, error) {
		return g.node.NewSubscriber(g.lifeCtx, cmd.Name, desc.Message, func(msg *codec.Message) {
			payload := codec.Decode(msg)
			g.submit(rec, "message", func(context.Context) {
				rec.Logger.Debug("Received message on topic", "topic", cmd.Name)
				g.emit(cmd, command.NewEvent(cmd, command.EventMessage, payload))
			})
		})
	})
	if err != nil {
		return err
	}
	if !created {
		g.logger.Debug("Already subscribed", "topic", cmd.Name)
		return nil
	}
	g.logger.Info("Subscribed to topic", "topic", cmd.Name, "type", desc.ID)
	return nil
}

// submit queues task on the record's callback group, logging drops.
func (g *Gateway) submit(rec *endpoint.Record, what string, task func(context.Context)) {
	if err := rec.Group.Submit(task); err != nil && !stderrors.Is(err, errors.ErrShuttingDown) {
		rec.Logger.Warn("Dropping "+what, "name", rec.Name, "error", err)
	}
}

// readiness

func (g *Gateway) waitReady(ctx context.Context, rec *endpoint.Record, label string, probe func(ctx context.Context, timeout time.Duration) bool) error {
	err := retry.Poll(ctx, g.cfg.MaxWaitAttempts,
		func(ctx context.Context, _ int) bool { return probe(ctx, g.cfg.WaitTimeout) },
		func(int) { rec.Logger.Info(fmt.Sprintf("%s %s not available, waiting again...", label, rec.Name)) })
	if err != nil {
		return errors.WrapTransient(err, "Gateway", "waitReady", "wait for "+label+" "+rec.Name)
	}
	return nil
}

// service client

func (g *Gateway) callService(ctx context.Context, cmd *command.Command, desc *msgtype.Descriptor) error {
	desc, err := g.boundType(cmd, desc)
	if err != nil {
		return err
	}
	req, err := g.encode(cmd, desc.Request)
	if err != nil {
		return err
	}

	rec, _, err := g.registry.GetOrCreate(ctx, g.spec(cmd, desc), func(ctx context.Context, rec *endpoint.Record) (io.Closer, error) {
		client, err := g.node.NewServiceClient(cmd.Name, desc)
		if err != nil {
			return nil, err
		}
		if err := g.waitReady(ctx, rec, "service", client.WaitForService); err != nil {
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return err
	}
	client := rec.Handle().(*bus.ServiceClient)

	if err := rec.Group.Submit(func(ctx context.Context) {
		rec.Logger.Info("Sending request to service", "service", cmd.Name)
		resp, err := client.Call(ctx, req)
		if err != nil {
			rec.Logger.Error("Service call failed", err, "service", cmd.Name)
			return
		}
		rec.Logger.Info("Received response from service", "service", cmd.Name)
		g.emit(cmd, command.NewEvent(cmd, command.EventResponse, codec.Decode(resp)))
	}); err != nil {
		return errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "Gateway", "callService", "queue request for "+cmd.Name)
	}
	return nil
}

// action client

func (g *Gateway) sendGoal(ctx context.Context, cmd *command.Command, desc *msgtype.Descriptor) error {
	desc, err := g.boundType(cmd, desc)
	if err != nil {
		return err
	}
	goalMsg, err := g.encode(cmd, desc.Goal)
	if err != nil {
		return err
	}

	rec, _, err := g.registry.GetOrCreate(ctx, g.spec(cmd, desc), func(ctx context.Context, rec *endpoint.Record) (io.Closer, error) {
		client, err := g.node.NewActionClient(cmd.Name, desc)
		if err != nil {
			return nil, err
		}
		if err := g.waitReady(ctx, rec, "action server", client.WaitForServer); err != nil {
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return err
	}
	client := rec.Handle().(*bus.ActionClient)

	goal, err := g.tracker.Begin(cmd.Name)
	if err != nil {
		rec.Logger.Warn("Goal already in flight, ignoring new goal", "action", cmd.Name)
		return err
	}

	if err := rec.Group.Submit(func(ctx context.Context) {
		g.runGoal(ctx, rec, client, goal, cmd, goalMsg)
	}); err != nil {
		g.tracker.Drop(cmd.Name)
		return errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "Gateway", "sendGoal", "queue goal for "+cmd.Name)
	}
	return nil
}

// runGoal executes on the action client's callback group. Stream callbacks
// queue behind it on the same group, so the accept transition always comes
// first.
func (g *Gateway) runGoal(ctx context.Context, rec *endpoint.Record, client *bus.ActionClient, goal *action.Goal, cmd *command.Command, goalMsg *codec.Message) {
	rec.Logger.Info("Sending goal to action server", "action", cmd.Name)

	h, err := client.SendGoal(ctx, goalMsg, bus.GoalCallbacks{
		Feedback: func(fb *codec.Message) {
			payload := codec.Decode(fb)
			g.submit(rec, "feedback", func(context.Context) {
				if _, out := goal.Apply(action.EventFeedback); out.Emits() {
					rec.Logger.Debug("Received feedback", "action", cmd.Name, "goal_id", goal.ID())
					g.emit(cmd, command.NewEvent(cmd, command.EventFeedback, payload).WithGoal(goal.ID(), ""))
				}
			})
		},
		Result: func(status bus.GoalStatus, res *codec.Message) {
			payload := codec.Decode(res)
			task := func(context.Context) { g.finishGoal(rec, goal, cmd, status, payload) }
			if err := rec.Group.Submit(task); stderrors.Is(err, errors.ErrQueueFull) {
				rec.Logger.Warn("Callback queue full, applying result inline", "action", cmd.Name)
				task(ctx)
			}
		},
	})
	if err != nil {
		goal.Apply(action.EventError)
		rec.Logger.Error("Failed to send goal", err, "action", cmd.Name)
		return
	}

	if goal.Attach(h) {
		if !h.Accepted {
			return
		}
		code, err := h.Cancel(ctx)
		if err != nil {
			rec.Logger.Error("Failed to cancel goal", err, "action", cmd.Name, "goal_id", h.ID)
			return
		}
		rec.Logger.Info("Canceled goal before acceptance", "action", cmd.Name, "goal_id", h.ID, "return_code", code)
		return
	}
	if !h.Accepted {
		goal.Apply(action.EventReject)
		rec.Logger.Warn("Goal rejected by action server", "action", cmd.Name, "goal_id", h.ID,
			"error", errors.ErrActionRejected)
		return
	}
	if _, out := goal.Apply(action.EventAccept); out.Emits() {
		rec.Logger.Info("Goal accepted by action server", "action", cmd.Name, "goal_id", h.ID)
		g.emit(cmd, command.NewEvent(cmd, command.EventAccepted, map[string]any{}).WithGoal(h.ID, ""))
	}
}

func (g *Gateway) finishGoal(rec *endpoint.Record, goal *action.Goal, cmd *command.Command, status bus.GoalStatus, payload map[string]any) {
	state, out := goal.Apply(action.ResultEvent(status))
	attrs := []any{"action", cmd.Name, "goal_id", goal.ID(), "status", status}
	switch out {
	case action.OutputEmitResult:
		rec.Logger.Info("Goal succeeded", attrs...)
		g.emit(cmd, command.NewEvent(cmd, command.EventResult, payload).WithGoal(goal.ID(), state.String()))
	case action.OutputLogFailed:
		rec.Logger.Error("Goal failed", errors.ErrActionFailed, attrs...)
	case action.OutputLogCanceled:
		rec.Logger.Warn("Goal canceled", attrs...)
	default:
		rec.Logger.Debug("Ignoring result of finished goal", attrs...)
	}
}

func (g *Gateway) cancelGoal(ctx context.Context, cmd *command.Command) error {
	rec, ok := g.registry.Lookup(command.KindActionClient, cmd.Name)
	if !ok {
		return errors.Wrap(errors.ErrEndpointNotFound, "Gateway", "cancelGoal", "cancel goal of "+cmd.Name)
	}

	code, err := g.tracker.Cancel(ctx, cmd.Name)
	if err != nil {
		if errors.IsNoop(err) {
			rec.Logger.Warn("No goal to cancel", "action", cmd.Name)
		}
		return err
	}
	if code == bus.CancelAccepted {
		rec.Logger.Info("Goal canceled", "action", cmd.Name)
	} else {
		rec.Logger.Warn("Cancel request not accepted", "action", cmd.Name, "return_code", code)
	}
	return nil
}
