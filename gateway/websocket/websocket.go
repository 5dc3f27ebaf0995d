// Package websocket serves the gateway over WebSocket: clients send commands
// as text frames and receive every emitted event.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// Envelope types.
const (
	TypeCommand = "command"
	TypeEvent   = "event"
	TypeAck     = "ack"
	TypeError   = "error"
)

// Envelope wraps every frame exchanged with a client.
//
// Clients send {"type":"command","id":"...","payload":{...}} or a bare
// command object. The server answers each command with an "ack" or "error"
// envelope carrying the same id and pushes "event" envelopes as the gateway
// emits them.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Submitter accepts raw commands.
type Submitter interface {
	Submit(ctx context.Context, data []byte) error
}

// Config configures the WebSocket hub.
type Config struct {
	// SendBuffer is the per-client outbound frame buffer.
	SendBuffer int `json:"send_buffer"`
	// RateLimit caps commands per second per client; 0 disables limiting.
	RateLimit     float64       `json:"rate_limit" env:"RATE_LIMIT"`
	Burst         int           `json:"burst"`
	PingInterval  time.Duration `json:"ping_interval"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	SubmitTimeout time.Duration `json:"submit_timeout"`
	MaxFrameSize  int64         `json:"max_frame_size"`
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:    256,
		PingInterval:  30 * time.Second,
		ReadTimeout:   60 * time.Second,
		WriteTimeout:  10 * time.Second,
		SubmitTimeout: 5 * time.Second,
		MaxFrameSize:  1 << 20,
	}
}

// Validate checks the configuration. Zero values select defaults.
func (c Config) Validate() error {
	if c.RateLimit < 0 || c.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "rate limit cannot be negative")
	}
	if c.SendBuffer < 0 || c.MaxFrameSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "buffer sizes cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Metrics holds Prometheus metrics for the hub
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	framesSent         *prometheus.CounterVec
	framesDropped      prometheus.Counter
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers hub metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "frames_received_total",
			Help:      "Frames received from clients by outcome",
		}, []string{"outcome"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "frames_sent_total",
			Help:      "Frames queued to clients by envelope type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a client send buffer was full",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosbridge",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket server errors",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.clientsConnected,
		m.connectionTotal,
		m.disconnectionTotal,
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.errorsTotal,
	)
	return m
}

// clientInfo holds information about a connected WebSocket client
type clientInfo struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	send        chan []byte
	limiter     *rate.Limiter
	closed      atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
}

// Hub accepts WebSocket clients, forwards their commands to a Submitter and
// broadcasts events to all of them. It implements the gateway event Sink.
type Hub struct {
	config    Config
	submitter Submitter
	upgrader  websocket.Upgrader
	metrics   *Metrics
	logger    *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub submitting commands to submitter.
func NewHub(submitter Submitter, config Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Hub, error) {
	if submitter == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Hub", "NewHub", "command submitter is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config:    config.withDefaults(),
		submitter: submitter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:  newMetrics(registry),
		logger:   logger.With("component", "websocket"),
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
	}, nil
}

// Name implements the gateway Sink interface.
func (h *Hub) Name() string { return "websocket" }

// Write broadcasts ev to every connected client. Slow clients lose frames
// rather than delaying the others.
func (h *Hub) Write(_ context.Context, ev *command.Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		h.countError("event_marshal")
		return errors.Wrap(err, "Hub", "Write", "marshal event")
	}
	frame, err := newEnvelope(TypeEvent, uuid.NewString(), payload, "")
	if err != nil {
		h.countError("envelope_marshal")
		return errors.Wrap(err, "Hub", "Write", "marshal envelope")
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, info := range h.clients {
		h.enqueue(info, TypeEvent, frame)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.countError("connection_upgrade")
		return
	}
	conn.SetReadLimit(h.config.MaxFrameSize)

	info := &clientInfo{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		send:        make(chan []byte, h.config.SendBuffer),
		done:        make(chan struct{}),
	}
	if h.config.RateLimit > 0 {
		burst := h.config.Burst
		if burst == 0 {
			burst = int(h.config.RateLimit) + 1
		}
		info.limiter = rate.NewLimiter(rate.Limit(h.config.RateLimit), burst)
	}

	h.clientsMu.Lock()
	h.clients[conn] = info
	count := len(h.clients)
	h.clientsMu.Unlock()
	if h.metrics != nil {
		h.metrics.connectionTotal.Inc()
		h.metrics.clientsConnected.Set(float64(count))
	}
	h.logger.Info("WebSocket client connected", "client", info.id, "remote", r.RemoteAddr)

	h.wg.Add(2)
	go h.writePump(info)
	go h.readPump(info)
}

// readPump reads command frames until the client disconnects.
func (h *Hub) readPump(info *clientInfo) {
	defer h.wg.Done()
	defer h.removeClient(info, "normal")

	conn := info.conn
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read failed", "client", info.id, "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		h.handleFrame(info, data)
	}
}

// handleFrame validates one inbound frame and submits it.
func (h *Hub) handleFrame(info *clientInfo, data []byte) {
	id, raw, err := unwrap(data)
	if err == nil {
		_, err = command.Parse(raw)
	}
	if err != nil {
		h.countFrame("invalid")
		h.reply(info, TypeError, id, fmt.Sprintf("invalid command: %v", err))
		return
	}

	if info.limiter != nil && !info.limiter.Allow() {
		h.countFrame("rate_limited")
		h.reply(info, TypeError, id, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.SubmitTimeout)
	defer cancel()
	if err := h.submitter.Submit(ctx, raw); err != nil {
		h.countFrame("rejected")
		h.logger.Warn("Failed to queue command", "client", info.id, "error", err)
		h.reply(info, TypeError, id, "gateway unavailable")
		return
	}
	h.countFrame("accepted")
	h.reply(info, TypeAck, id, "")
}

// unwrap returns the correlation id and raw command of a frame, which is
// either a command envelope or a bare command object.
func unwrap(data []byte) (string, []byte, error) {
	trimmed := bytes.TrimSpace(data)
	var probe struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return "", nil, err
	}
	if probe.Type == "" {
		return "", trimmed, nil
	}
	if probe.Type != TypeCommand {
		return probe.ID, nil, fmt.Errorf("unsupported envelope type %q", probe.Type)
	}
	if len(probe.Payload) == 0 {
		return probe.ID, nil, fmt.Errorf("command envelope without payload")
	}
	return probe.ID, probe.Payload, nil
}

func (h *Hub) reply(info *clientInfo, typ, id, message string) {
	frame, err := newEnvelope(typ, id, nil, message)
	if err != nil {
		h.countError("envelope_marshal")
		return
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	h.enqueue(info, typ, frame)
}

// enqueue must be called with clientsMu held so send is not closed
// concurrently.
func (h *Hub) enqueue(info *clientInfo, typ string, frame []byte) {
	if info.closed.Load() {
		return
	}
	select {
	case info.send <- frame:
		if h.metrics != nil {
			h.metrics.framesSent.WithLabelValues(typ).Inc()
		}
	default:
		if h.metrics != nil {
			h.metrics.framesDropped.Inc()
		}
		h.logger.Warn("Dropping frame, client send buffer full", "client", info.id, "type", typ)
	}
}

// writePump drains the client's send buffer and keeps the connection alive.
func (h *Hub) writePump(info *clientInfo) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	conn := info.conn
	for {
		select {
		case frame := <-info.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.countError("write")
				h.removeClient(info, "write_error")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.removeClient(info, "ping_failed")
				return
			}
		case <-info.done:
			return
		}
	}
}

// removeClient safely removes a client connection with atomic cleanup
func (h *Hub) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		h.clientsMu.Lock()
		delete(h.clients, info.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		close(info.done)
		if reason == "shutdown" {
			_ = info.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
		}
		_ = info.conn.Close()

		if h.metrics != nil {
			h.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			h.metrics.clientsConnected.Set(float64(count))
		}
		h.logger.Info("WebSocket client disconnected", "client", info.id, "reason", reason,
			"connected_for", time.Since(info.connectedAt).Round(time.Millisecond))
	})
}

// Close disconnects every client and waits up to timeout for their pumps to
// exit.
func (h *Hub) Close(timeout time.Duration) error {
	h.stopOnce.Do(func() { close(h.shutdown) })

	h.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		infos = append(infos, info)
	}
	h.clientsMu.RUnlock()
	for _, info := range infos {
		h.removeClient(info, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Hub", "Close", "wait for client pumps")
	}
}

func (h *Hub) countFrame(outcome string) {
	if h.metrics != nil {
		h.metrics.framesReceived.WithLabelValues(outcome).Inc()
	}
}

func (h *Hub) countError(kind string) {
	if h.metrics != nil {
		h.metrics.errorsTotal.WithLabelValues(kind).Inc()
	}
}

func newEnvelope(typ, id string, payload []byte, message string) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Error:     message,
	})
}
