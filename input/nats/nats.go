// Package nats feeds gateway commands from the bus.
//
// Commands published on "<prefix>.gateway.commands" are queued fire and
// forget. Commands sent as requests to "<prefix>.gateway.commands.request"
// are validated first and answered with {"accepted":true} or
// {"accepted":false,"error":"..."}.
package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/bus"
	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
)

// DefaultSubject is appended to the bus prefix when no subject is configured.
const DefaultSubject = "gateway.commands"

// Submitter accepts raw commands.
type Submitter interface {
	Submit(ctx context.Context, data []byte) error
}

// Reply answers a command request.
type Reply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Input subscribes to the command subjects and submits what arrives.
type Input struct {
	transport bus.Transport
	submitter Submitter
	subject   string
	logger    *slog.Logger

	mu   sync.Mutex
	subs []bus.Subscription

	received atomic.Int64
	rejected atomic.Int64
}

// New creates an input reading "<prefix>.gateway.commands" unless subject is
// set.
func New(t bus.Transport, sub Submitter, prefix, subject string, logger *slog.Logger) (*Input, error) {
	if t == nil || sub == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Input", "New", "transport and submitter are required")
	}
	if subject == "" {
		subject = strings.TrimSuffix(prefix, ".") + "." + DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{
		transport: t,
		submitter: sub,
		subject:   subject,
		logger:    logger.With("component", "nats-input", "subject", subject),
	}, nil
}

// Subject returns the fire-and-forget subject.
func (in *Input) Subject() string { return in.subject }

// RequestSubject returns the request/reply subject.
func (in *Input) RequestSubject() string { return in.subject + ".request" }

// Start subscribes to both subjects. Deliveries stop when ctx is done or
// Stop is called.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.subs) > 0 {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Input", "Start", "subscribe to commands")
	}

	sub, err := in.transport.Subscribe(ctx, in.subject, in.handle)
	if err != nil {
		return errors.WrapTransient(err, "Input", "Start", "subscribe to "+in.subject)
	}
	req, err := in.transport.Respond(ctx, in.RequestSubject(), in.respond)
	if err != nil {
		_ = sub.Unsubscribe()
		return errors.WrapTransient(err, "Input", "Start", "respond on "+in.RequestSubject())
	}
	in.subs = []bus.Subscription{sub, req}
	in.logger.Info("Listening for commands", "request_subject", in.RequestSubject())
	return nil
}

func (in *Input) handle(ctx context.Context, data []byte) {
	in.received.Add(1)
	if err := in.submitter.Submit(ctx, data); err != nil {
		in.rejected.Add(1)
		in.logger.Warn("Failed to queue command", "error", err)
	}
}

func (in *Input) respond(ctx context.Context, data []byte) ([]byte, error) {
	in.received.Add(1)
	reply := Reply{Accepted: true}
	if _, err := command.Parse(data); err != nil {
		reply = Reply{Error: err.Error()}
	} else if err := in.submitter.Submit(ctx, data); err != nil {
		reply = Reply{Error: "gateway unavailable"}
		in.logger.Warn("Failed to queue command", "error", err)
	}
	if !reply.Accepted {
		in.rejected.Add(1)
	}
	return json.Marshal(reply)
}

// Stats returns commands received and rejected.
func (in *Input) Stats() (received, rejected int64) {
	return in.received.Load(), in.rejected.Load()
}

// Stop unsubscribes.
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	var err error
	for _, s := range in.subs {
		err = multierr.Append(err, s.Unsubscribe())
	}
	in.subs = nil
	return err
}
