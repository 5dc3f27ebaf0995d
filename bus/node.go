// Package bus implements the robotics bus endpoints the gateway drives:
// topic publishers and subscribers, service clients and servers, and action
// clients and servers. Endpoints exchange codec wire messages over a
// Transport; NATSTransport carries them over NATS and MemoryTransport keeps
// everything in process.
//
// Subjects are derived from endpoint names. "/turtle1/cmd_vel" becomes the
// token path "turtle1.cmd_vel" and a topic of that name lives on
// "<prefix>.topic.turtle1.cmd_vel".
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/semstreams-robotics/errors"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "ros"

// DefaultQueueDepth is the publisher history depth recorded on topics.
const DefaultQueueDepth = 10

// DefaultCallTimeout bounds service calls and goal requests.
const DefaultCallTimeout = 10 * time.Second

// Node creates endpoints sharing one transport and subject prefix.
type Node struct {
	transport   Transport
	prefix      string
	callTimeout time.Duration
	logger      *slog.Logger
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithCallTimeout bounds each service call and goal request.
func WithCallTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		if d > 0 {
			n.callTimeout = d
		}
	}
}

// WithLogger sets the logger endpoints report through.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNode creates a node. An empty prefix selects DefaultPrefix.
func NewNode(t Transport, prefix string, opts ...NodeOption) *Node {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	n := &Node{
		transport:   t,
		prefix:      strings.TrimSuffix(prefix, "."),
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Prefix returns the subject prefix.
func (n *Node) Prefix() string {
	return n.prefix
}

// Transport returns the transport endpoints use.
func (n *Node) Transport() Transport {
	return n.transport
}

// TopicSubject returns the subject a topic is carried on.
func (n *Node) TopicSubject(name string) (string, error) {
	return n.subject("topic", name)
}

// ServiceSubject returns the request subject of a service.
func (n *Node) ServiceSubject(name string) (string, error) {
	return n.subject("srv", name)
}

// ActionSubject returns the base subject of an action.
func (n *Node) ActionSubject(name string) (string, error) {
	return n.subject("action", name)
}

func (n *Node) subject(category, name string) (string, error) {
	tokens, err := SubjectTokens(name)
	if err != nil {
		return "", err
	}
	return n.prefix + "." + category + "." + tokens, nil
}

// SubjectTokens maps an endpoint name to a dotted subject path. Leading and
// trailing slashes are ignored; empty segments, wildcards, dots and
// whitespace are rejected.
func SubjectTokens(name string) (string, error) {
	trimmed := strings.Trim(name, "/")
	if trimmed == "" {
		return "", errors.WrapInvalid(fmt.Errorf("empty endpoint name %q", name), "bus", "SubjectTokens", "name validation")
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return "", errors.WrapInvalid(fmt.Errorf("empty segment in %q", name), "bus", "SubjectTokens", "name validation")
		}
		if strings.ContainsAny(p, ".*> \t\r\n") {
			return "", errors.WrapInvalid(fmt.Errorf("invalid character in %q", name), "bus", "SubjectTokens", "name validation")
		}
	}
	return strings.Join(parts, "."), nil
}
