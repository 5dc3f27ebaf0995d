package bus

import (
	"context"

	"github.com/c360/semstreams-robotics/natsclient"
)

// Handler receives a message delivered on a subscription. Deliveries for one
// subscription are sequential and in publish order.
type Handler func(ctx context.Context, data []byte)

// Responder answers a request with the bytes to send back.
type Responder func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is an active subscription or responder registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport moves raw bytes between endpoints. Request fails with
// errors.ErrNoResponders when nobody serves the subject.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Respond(ctx context.Context, subject string, responder Responder) (Subscription, error)
}

// NATSTransport carries bus traffic over a NATS connection.
type NATSTransport struct {
	client *natsclient.Client
}

// NewNATSTransport wraps a connected client.
func NewNATSTransport(client *natsclient.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.client.Publish(ctx, subject, data)
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	sub, err := t.client.Subscribe(ctx, subject, natsclient.Handler(handler))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Request implements Transport.
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	return t.client.Request(ctx, subject, data)
}

// Respond implements Transport.
func (t *NATSTransport) Respond(ctx context.Context, subject string, responder Responder) (Subscription, error) {
	sub, err := t.client.Respond(ctx, subject, natsclient.Responder(responder))
	if err != nil {
		return nil, err
	}
	return sub, nil
}
