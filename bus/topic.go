package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Publisher publishes typed messages on a topic.
type Publisher struct {
	node    *Node
	topic   string
	subject string
	msgType *msgtype.Message
	depth   int

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher for topic carrying messages of type t.
func (n *Node) NewPublisher(topic string, t *msgtype.Message) (*Publisher, error) {
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "message type")
	}
	subject, err := n.TopicSubject(topic)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		node:    n,
		topic:   topic,
		subject: subject,
		msgType: t,
		depth:   DefaultQueueDepth,
	}, nil
}

// Topic returns the topic name.
func (p *Publisher) Topic() string { return p.topic }

// Subject returns the bus subject.
func (p *Publisher) Subject() string { return p.subject }

// Depth returns the publisher history depth.
func (p *Publisher) Depth() int { return p.depth }

// Publish sends msg on the topic.
func (p *Publisher) Publish(ctx context.Context, msg *codec.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Publisher", "Publish", "publish on "+p.topic)
	}
	if msg == nil || !msg.Type.SameType(p.msgType) {
		return errors.WrapInvalid(fmt.Errorf("message type mismatch on %s", p.topic), "Publisher", "Publish", "type check")
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.node.transport.Publish(ctx, p.subject, data); err != nil {
		return errors.WrapTransient(err, "Publisher", "Publish", "publish on "+p.topic)
	}
	return nil
}

// Close releases the publisher. Later Publish calls fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Subscriber delivers typed messages received on a topic.
type Subscriber struct {
	topic   string
	subject string
	msgType *msgtype.Message
	sub     Subscription
	once    sync.Once
}

// NewSubscriber subscribes to topic. Messages that do not decode as t are
// logged and dropped.
func (n *Node) NewSubscriber(ctx context.Context, topic string, t *msgtype.Message, cb func(*codec.Message)) (*Subscriber, error) {
	if t == nil || cb == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Subscriber", "NewSubscriber", "type and callback")
	}
	subject, err := n.TopicSubject(topic)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{topic: topic, subject: subject, msgType: t}
	sub, err := n.transport.Subscribe(ctx, subject, func(_ context.Context, data []byte) {
		msg, err := codec.Unmarshal(data, t)
		if err != nil {
			n.logger.Warn("Dropping undecodable message", "topic", topic, "type", t.Name, "error", err)
			return
		}
		cb(msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Subscriber", "NewSubscriber", "subscribe to "+topic)
	}
	s.sub = sub
	return s, nil
}

// Topic returns the topic name.
func (s *Subscriber) Topic() string { return s.topic }

// Subject returns the bus subject.
func (s *Subscriber) Subject() string { return s.subject }

// Close stops delivery.
func (s *Subscriber) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
	})
	return err
}
