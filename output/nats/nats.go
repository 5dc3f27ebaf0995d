// Package nats publishes gateway events on the bus so remote consumers can
// follow endpoint traffic.
package nats

import (
	"context"
	"strings"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
)

// DefaultSubject is appended to the bus prefix when no subject is configured.
const DefaultSubject = "gateway.events"

// Publisher publishes raw payloads on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Output publishes every event as JSON on Subject. With PerEvent set the event
// type is appended as a final token, e.g. "ros.gateway.events.feedback".
type Output struct {
	pub      Publisher
	subject  string
	perEvent bool
}

// New creates an output publishing under prefix. An empty subject selects
// "<prefix>.gateway.events".
func New(pub Publisher, prefix, subject string, perEvent bool) (*Output, error) {
	if pub == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Output", "New", "publisher is required")
	}
	if subject == "" {
		subject = strings.TrimSuffix(prefix, ".") + "." + DefaultSubject
	}
	if strings.ContainsAny(subject, "*> \t") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "New", "subject "+subject+" is not a literal subject")
	}
	return &Output{pub: pub, subject: subject, perEvent: perEvent}, nil
}

// Name implements the gateway Sink interface.
func (o *Output) Name() string { return "nats" }

// Subject returns the base subject.
func (o *Output) Subject() string { return o.subject }

// Write implements the gateway Sink interface.
func (o *Output) Write(ctx context.Context, ev *command.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "Output", "Write", "marshal event")
	}
	subject := o.subject
	if o.perEvent {
		subject += "." + string(ev.Event)
	}
	if err := o.pub.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Output", "Write", "publish to "+subject)
	}
	return nil
}
