// Package http exposes the gateway over HTTP: command intake plus endpoint,
// type, health and metrics introspection.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/gateway"
	"github.com/c360/semstreams-robotics/health"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Defaults for Config.
const (
	DefaultMaxRequestSize = 1 << 20
	DefaultSubmitTimeout  = 5 * time.Second
)

// Config configures the HTTP surface.
type Config struct {
	Addr           string        `json:"addr" env:"ADDR"`
	MaxRequestSize int64         `json:"max_request_size"`
	SubmitTimeout  time.Duration `json:"submit_timeout"`
	// RateLimit caps accepted commands per second; 0 disables limiting.
	RateLimit   float64  `json:"rate_limit" env:"RATE_LIMIT"`
	Burst       int      `json:"burst"`
	EnableCORS  bool     `json:"enable_cors" env:"ENABLE_CORS"`
	CORSOrigins []string `json:"cors_origins" env:"CORS_ORIGINS"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRequestSize < 0 || c.SubmitTimeout < 0 || c.RateLimit < 0 || c.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "http limits cannot be negative")
	}
	return nil
}

// getOrGenerateRequestID extracts the request ID from headers or generates a
// new one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Server serves the gateway HTTP API.
type Server struct {
	gw       *gateway.Gateway
	config   Config
	metrics  *metric.MetricsRegistry
	limiter  *rate.Limiter
	health   *health.Monitor
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	commands       atomic.Uint64
}

// NewServer creates the HTTP API for gw. metrics may be nil, in which case
// /metrics is not served.
func NewServer(gw *gateway.Gateway, config Config, metrics *metric.MetricsRegistry, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "gateway is required")
	}
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}
	if config.SubmitTimeout == 0 {
		config.SubmitTimeout = DefaultSubmitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		gw:      gw,
		config:  config,
		metrics: metrics,
		health:  health.NewMonitor(),
		logger:  logger.With("component", "http"),
		mux:     http.NewServeMux(),
	}
	s.health.Register("gateway", gw.Health)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst == 0 {
			burst = int(config.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	s.RegisterHTTPHandlers("/", s.mux)
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// AddHealthCheck adds a named check to the /health aggregate.
func (s *Server) AddHealthCheck(name string, check health.Check) {
	s.health.Register(name, check)
}

// Handle mounts an additional handler, such as the websocket hub, on the
// server mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// RegisterHTTPHandlers registers the API routes under prefix.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	mux.HandleFunc(prefix+"commands", s.route(http.MethodPost, s.handleCommands))
	mux.HandleFunc(prefix+"endpoints", s.route(http.MethodGet, s.handleEndpoints))
	mux.HandleFunc(prefix+"types", s.route(http.MethodGet, s.handleTypes))
	mux.HandleFunc(prefix+"types/", s.route(http.MethodGet, s.handleType(prefix+"types/")))
	mux.HandleFunc(prefix+"health", s.route(http.MethodGet, s.handleHealth))
	if s.metrics != nil {
		mux.Handle(prefix+"metrics", metric.Handler(s.metrics))
	}
}

// route wraps h with request ids, method filtering and CORS.
func (s *Server) route(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		s.requestsTotal.Add(1)

		if s.config.EnableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		if r.Method != method {
			s.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}
		h(w, r)
	}
}

// handleCommands accepts one command object or an array of them. Commands
// are validated before queueing so malformed input is rejected with 400;
// execution happens asynchronously on the dispatch loop.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))
		return
	}

	batch, err := splitCommands(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, raw := range batch {
		if _, err := command.Parse(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("command %d: %v", i, err))
			return
		}
	}

	if s.limiter != nil && !s.limiter.AllowN(time.Now(), len(batch)) {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SubmitTimeout)
	defer cancel()
	for i, raw := range batch {
		if err := s.gw.Submit(ctx, raw); err != nil {
			s.logger.Warn("Failed to queue command", "request_id", w.Header().Get("X-Request-ID"), "index", i, "error", err)
			s.writeError(w, s.mapErrorToHTTPStatus(err), s.sanitizeError(err))
			return
		}
		s.commands.Add(1)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   len(batch),
		"request_id": w.Header().Get("X-Request-ID"),
	})
}

// splitCommands returns the raw commands in body, which is either one JSON
// object or an array of objects.
func splitCommands(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	if trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("invalid command array: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty command array")
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out, nil
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Registry().List())
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Resolver().Registry().List())
}

// handleType describes one type, e.g. GET /types/std_msgs/msg/String.
func (s *Server) handleType(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, prefix)
		desc, err := s.gw.Resolver().Resolve(id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown type %q", id))
			return
		}
		sections := map[string]string{}
		for name, m := range map[string]*msgtype.Message{
			"message":  desc.Message,
			"request":  desc.Request,
			"response": desc.Response,
			"goal":     desc.Goal,
			"result":   desc.Result,
			"feedback": desc.Feedback,
		} {
			if m != nil {
				sections[name] = msgtype.Describe(m)
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"type": desc.ID.String(), "sections": sections})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	overall := s.health.Check("rosbridge")
	code := http.StatusOK
	if overall.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":  overall,
		"gateway": s.gw.Status(),
		"http": map[string]uint64{
			"requests": s.requestsTotal.Load(),
			"failed":   s.requestsFailed.Load(),
			"commands": s.commands.Load(),
		},
	})
}

// applyCORS applies CORS headers to the response
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range s.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// mapErrorToHTTPStatus maps gateway errors to HTTP status codes
func (s *Server) mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	if errors.IsInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	if errors.IsFatal(err) {
		return http.StatusInternalServerError
	}
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a safe error message for external clients
func (s *Server) sanitizeError(err error) string {
	if err == nil {
		return "internal server error"
	}

	if errors.IsInvalid(err) {
		return "invalid request"
	}
	if errors.IsTransient(err) {
		if s.mapErrorToHTTPStatus(err) == http.StatusGatewayTimeout {
			return "request timeout"
		}
		return "service temporarily unavailable"
	}
	if strings.Contains(err.Error(), "not found") {
		return "resource not found"
	}
	return "internal server error"
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.requestsFailed.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}

// Start binds config.Addr and serves until Stop. Serve errors are reported
// on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start http server")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("failed to listen on %s", s.config.Addr))
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.WrapTransient(err, "Server", "Start", "serve http")
		}
		close(errCh)
	}()
	s.logger.Info("HTTP API listening", "addr", ln.Addr().String())
	return errCh, nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "failed to stop HTTP server")
	}
	return nil
}
