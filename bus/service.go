package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
)

const readySuffix = ".ready"

type serviceReply struct {
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ServiceClient calls a service.
type ServiceClient struct {
	node    *Node
	name    string
	subject string
	desc    *msgtype.Descriptor
}

// NewServiceClient creates a client for the service name of type desc.
func (n *Node) NewServiceClient(name string, desc *msgtype.Descriptor) (*ServiceClient, error) {
	if desc == nil || desc.ID.Category != msgtype.CategorySrv {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not a service type", descName(desc)), "ServiceClient", "NewServiceClient", "type check")
	}
	subject, err := n.ServiceSubject(name)
	if err != nil {
		return nil, err
	}
	return &ServiceClient{node: n, name: name, subject: subject, desc: desc}, nil
}

// Name returns the service name.
func (c *ServiceClient) Name() string { return c.name }

// Subject returns the request subject.
func (c *ServiceClient) Subject() string { return c.subject }

// WaitForService probes the service once, waiting at most timeout.
func (c *ServiceClient) WaitForService(ctx context.Context, timeout time.Duration) bool {
	return probe(ctx, c.node.transport, c.subject+readySuffix, timeout)
}

// Call sends req and waits for the response.
func (c *ServiceClient) Call(ctx context.Context, req *codec.Message) (*codec.Message, error) {
	if req == nil || !req.Type.SameType(c.desc.Request) {
		return nil, errors.WrapInvalid(fmt.Errorf("request type mismatch on %s", c.name), "ServiceClient", "Call", "type check")
	}
	data, err := codec.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.node.callTimeout)
	defer cancel()
	raw, err := c.node.transport.Request(ctx, c.subject, data)
	if err != nil {
		return nil, errors.WrapTransient(errors.Tag(errors.ErrDispatch, err), "ServiceClient", "Call", "call "+c.name)
	}

	var reply serviceReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "ServiceClient", "Call", "decode reply")
	}
	if reply.Error != "" {
		return nil, errors.Wrap(errors.Tag(errors.ErrDispatch, stderrors.New(reply.Error)), "ServiceClient", "Call", "service "+c.name)
	}
	return codec.Unmarshal(reply.Response, c.desc.Response)
}

// Close releases the client.
func (c *ServiceClient) Close() error { return nil }

// ServiceHandler answers one service request.
type ServiceHandler func(ctx context.Context, req *codec.Message) (*codec.Message, error)

// ServiceServer serves a service.
type ServiceServer struct {
	name  string
	subs  []Subscription
	once  sync.Once
	calls int64
	mu    sync.Mutex
}

// NewServiceServer serves name with handler until ctx is done or Close.
// Handler errors are returned to the caller in the reply envelope.
func (n *Node) NewServiceServer(ctx context.Context, name string, desc *msgtype.Descriptor, handler ServiceHandler) (*ServiceServer, error) {
	if desc == nil || desc.ID.Category != msgtype.CategorySrv {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not a service type", descName(desc)), "ServiceServer", "NewServiceServer", "type check")
	}
	subject, err := n.ServiceSubject(name)
	if err != nil {
		return nil, err
	}

	s := &ServiceServer{name: name}
	sub, err := n.transport.Respond(ctx, subject, func(ctx context.Context, data []byte) ([]byte, error) {
		s.mu.Lock()
		s.calls++
		s.mu.Unlock()

		req, err := codec.Unmarshal(data, desc.Request)
		if err != nil {
			return json.Marshal(serviceReply{Error: err.Error()})
		}
		resp, err := handler(ctx, req)
		if err != nil {
			return json.Marshal(serviceReply{Error: err.Error()})
		}
		if resp == nil {
			resp = codec.New(desc.Response)
		}
		body, err := codec.Marshal(resp)
		if err != nil {
			return json.Marshal(serviceReply{Error: err.Error()})
		}
		return json.Marshal(serviceReply{Response: body})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ServiceServer", "NewServiceServer", "respond on "+subject)
	}
	s.subs = append(s.subs, sub)

	ready, err := n.transport.Respond(ctx, subject+readySuffix, readyResponder)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WrapTransient(err, "ServiceServer", "NewServiceServer", "respond on "+subject+readySuffix)
	}
	s.subs = append(s.subs, ready)
	return s, nil
}

// Calls returns the number of requests served.
func (s *ServiceServer) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Close stops serving.
func (s *ServiceServer) Close() error {
	var err error
	s.once.Do(func() {
		for _, sub := range s.subs {
			err = multierr.Append(err, sub.Unsubscribe())
		}
	})
	return err
}

func readyResponder(context.Context, []byte) ([]byte, error) {
	return []byte(`{"ready":true}`), nil
}

// probe issues one readiness request bounded by timeout.
func probe(ctx context.Context, t Transport, subject string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := t.Request(ctx, subject, []byte("{}")); err != nil {
		if stderrors.Is(err, errors.ErrNoResponders) {
			// nobody is serving yet; hold the attempt for its full timeout
			<-ctx.Done()
		}
		return false
	}
	return true
}

func descName(d *msgtype.Descriptor) string {
	if d == nil {
		return "<nil>"
	}
	return d.ID.String()
}
