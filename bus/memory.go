package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semstreams-robotics/errors"
)

// MemoryTransport is an in-process Transport. Each subscription has its own
// delivery goroutine so handlers never run under the transport lock and see
// messages in publish order. It also records published payloads per subject,
// which tests use for assertions.
type MemoryTransport struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySub
	responders map[string][]*memoryResponder
	messages   map[string][][]byte
	closed     bool

	handlerTimeout time.Duration
	logger         *slog.Logger
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		logger:         slog.Default(),
		subs:           make(map[string][]*memorySub),
		responders:     make(map[string][]*memoryResponder),
		messages:       make(map[string][][]byte),
		handlerTimeout: 30 * time.Second,
	}
}

type memorySub struct {
	transport *MemoryTransport
	subject   string
	ctx       context.Context
	handler   Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	stopped bool
	once    sync.Once
}

type memoryResponder struct {
	transport *MemoryTransport
	subject   string
	ctx       context.Context
	responder Responder
	once      sync.Once
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(_ context.Context, subject string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrShuttingDown
	}
	payload := append([]byte(nil), data...)
	t.messages[subject] = append(t.messages[subject], payload)

	subs := make([]*memorySub, len(t.subs[subject]))
	copy(subs, t.subs[subject])
	t.mu.Unlock()

	for _, s := range subs {
		s.enqueue(payload)
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s := &memorySub{transport: t, subject: subject, ctx: ctx, handler: handler}
	s.cond = sync.NewCond(&s.mu)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.ErrShuttingDown
	}
	t.subs[subject] = append(t.subs[subject], s)

	go s.run()
	return s, nil
}

// Request implements Transport. The first registered responder answers.
func (t *MemoryTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	t.mu.RLock()
	closed := t.closed
	var r *memoryResponder
	if rs := t.responders[subject]; len(rs) > 0 {
		r = rs[0]
	}
	t.mu.RUnlock()

	if closed {
		return nil, errors.ErrShuttingDown
	}
	if r == nil {
		return nil, errors.ErrNoResponders
	}

	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	payload := append([]byte(nil), data...)
	go func() {
		hctx, cancel := context.WithTimeout(r.ctx, t.handlerTimeout)
		defer cancel()
		out, err := r.responder(hctx, payload)
		done <- reply{out, err}
	}()

	select {
	case rep := <-done:
		if rep.err != nil {
			return nil, errors.WrapTransient(rep.err, "MemoryTransport", "Request", "await reply on "+subject)
		}
		return rep.data, nil
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "MemoryTransport", "Request", "await reply on "+subject)
	}
}

// Respond implements Transport.
func (t *MemoryTransport) Respond(ctx context.Context, subject string, responder Responder) (Subscription, error) {
	r := &memoryResponder{transport: t, subject: subject, ctx: ctx, responder: responder}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.ErrShuttingDown
	}
	t.responders[subject] = append(t.responders[subject], r)
	return r, nil
}

// SetLogger replaces the logger used to report handler panics.
func (t *MemoryTransport) SetLogger(logger *slog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if logger != nil {
		t.logger = logger
	}
}

// Messages returns a copy of every payload published on subject.
func (t *MemoryTransport) Messages(subject string) [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := t.messages[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// MessageCount returns the number of payloads published on subject.
func (t *MemoryTransport) MessageCount(subject string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages[subject])
}

// SubscriberCount returns the number of live subscriptions on subject.
func (t *MemoryTransport) SubscriberCount(subject string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[subject])
}

// ResponderCount returns the number of responders serving subject.
func (t *MemoryTransport) ResponderCount(subject string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.responders[subject])
}

// Close stops every subscription; later operations fail.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var subs []*memorySub
	for _, list := range t.subs {
		subs = append(subs, list...)
	}
	t.subs = make(map[string][]*memorySub)
	t.responders = make(map[string][]*memoryResponder)
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (s *memorySub) enqueue(data []byte) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, data)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memorySub) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		data := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(data)
	}
}

func (s *memorySub) deliver(data []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.transport.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.transport.mu.RLock()
			logger := s.transport.logger
			s.transport.mu.RUnlock()
			logger.Error("Subscription handler panicked", "subject", s.subject, "panic", r)
		}
	}()
	s.handler(ctx, data)
}

func (s *memorySub) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		list := t.subs[s.subject]
		for i, other := range list {
			if other == s {
				t.subs[s.subject] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.subs[s.subject]) == 0 {
			delete(t.subs, s.subject)
		}
		t.mu.Unlock()
		s.stop()
	})
	return nil
}

// Unsubscribe implements Subscription.
func (r *memoryResponder) Unsubscribe() error {
	r.once.Do(func() {
		t := r.transport
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.responders[r.subject]
		for i, other := range list {
			if other == r {
				t.responders[r.subject] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.responders[r.subject]) == 0 {
			delete(t.responders, r.subject)
		}
	})
	return nil
}
