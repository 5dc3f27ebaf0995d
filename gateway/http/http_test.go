package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/command"
	pkgerrors "github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/gateway"
	"github.com/c360/semstreams-robotics/health"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/testutil"
)

const chatterCmd = `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","msg":{"data":"hi"}}`

type fixture struct {
	gw     *gateway.Gateway
	env    *testutil.Env
	server *Server
	sink   *testutil.Collector
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	mr := metric.NewMetricsRegistry()
	sink := testutil.NewCollector()

	gw, err := gateway.New(gateway.DefaultConfig(), gateway.Dependencies{
		Node:     env.Node,
		Resolver: env.Resolver,
		Metrics:  mr.CoreMetrics(),
		Sinks:    []gateway.Sink{sink},
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(env.Ctx))
	t.Cleanup(func() { _ = gw.Shutdown(time.Second) })

	s, err := NewServer(gw, cfg, mr, nil)
	require.NoError(t, err)
	return &fixture{gw: gw, env: env, server: s, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "existing-request-id-12345")
	assert.Equal(t, "existing-request-id-12345", getOrGenerateRequestID(req))

	req = httptest.NewRequest("GET", "/health", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		require.NotEmpty(t, id)
		assert.False(t, ids[id], "duplicate request id %s", id)
		ids[id] = true
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Config{}, nil, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrMissingConfig)

	_, err = NewServer(nil, Config{RateLimit: -1}, nil, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
}

func TestPostCommands(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/commands", chatterCmd)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1.0, resp["accepted"])

	testutil.WaitForMessageCount(t, f.env.Transport, "ros.topic.chatter", 1, time.Second)
	assert.Equal(t, 1, f.gw.Registry().Len(command.KindPublisher))
}

func TestPostCommands_Batch(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/commands", "["+chatterCmd+","+chatterCmd+"]")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	testutil.WaitForMessageCount(t, f.env.Transport, "ros.topic.chatter", 2, time.Second)
}

func TestPostCommands_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		cfg    Config
		status int
	}{
		{"wrong method", http.MethodGet, "", Config{}, http.StatusMethodNotAllowed},
		{"empty body", http.MethodPost, "  ", Config{}, http.StatusBadRequest},
		{"not json", http.MethodPost, "hello", Config{}, http.StatusBadRequest},
		{"schema violation", http.MethodPost, `{"node_type":"publisher"}`, Config{}, http.StatusBadRequest},
		{"bad array", http.MethodPost, `[{"node_type":`, Config{}, http.StatusBadRequest},
		{"empty array", http.MethodPost, `[]`, Config{}, http.StatusBadRequest},
		{"too large", http.MethodPost, chatterCmd, Config{MaxRequestSize: 10}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg)
			w := f.do(t, tt.method, "/commands", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
			assert.Zero(t, f.gw.Status().QueueDepth)
		})
	}
}

func TestPostCommands_RateLimited(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, Burst: 1})

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/commands", chatterCmd).Code)
	w := f.do(t, http.MethodPost, "/commands", chatterCmd)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestPostCommands_AfterShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gw.Shutdown(time.Second))

	w := f.do(t, http.MethodPost, "/commands", chatterCmd)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service temporarily unavailable")

	w = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/commands", chatterCmd).Code)
	require.Eventually(t, func() bool { return f.gw.Status().Processed == 1 }, time.Second, time.Millisecond)

	t.Run("endpoints", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/endpoints", "")
		require.Equal(t, http.StatusOK, w.Code)
		var infos []map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
		require.Len(t, infos, 1)
		assert.Equal(t, "publisher", infos[0]["kind"])
		assert.Equal(t, "chatter", infos[0]["name"])
		assert.Equal(t, "std_msgs/msg/String", infos[0]["type"])
	})

	t.Run("types", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/types", "")
		require.Equal(t, http.StatusOK, w.Code)
		var ids []string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))
		assert.Contains(t, ids, "std_msgs/msg/String")
		assert.Contains(t, ids, testutil.FibonacciType)
	})

	t.Run("describe type", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/types/"+testutil.AddTwoIntsType, "")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Type     string            `json:"type"`
			Sections map[string]string `json:"sections"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, testutil.AddTwoIntsType, body.Type)
		assert.Equal(t, "int64 a\nint64 b\n", body.Sections["request"])
		assert.Equal(t, "int64 sum\n", body.Sections["response"])

		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/types/nope/msg/Nope", "").Code)
	})

	t.Run("health", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Status  health.Status  `json:"status"`
			Gateway gateway.Status `json:"gateway"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Status.IsHealthy())
		require.Len(t, body.Status.SubStatuses, 1)
		assert.Equal(t, "gateway", body.Status.SubStatuses[0].Component)
		assert.True(t, body.Gateway.Running)
		assert.Equal(t, 1, body.Gateway.Endpoints)
	})

	t.Run("metrics", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "rosbridge_commands_total")
	})
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})

	errCh, err := f.server.Start()
	require.NoError(t, err)
	_, err = f.server.Start()
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyStarted)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", f.server.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Stop(ctx))
	for err := range errCh {
		t.Fatalf("unexpected serve error: %v", err)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedMsg    string
	}{
		{
			name:           "invalid error maps to 400",
			err:            pkgerrors.WrapInvalid(pkgerrors.ErrValidation, "test", "test", "invalid input"),
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request",
		},
		{
			name:           "deadline maps to 504",
			err:            pkgerrors.WrapTransient(context.DeadlineExceeded, "Gateway", "Submit", "queue command"),
			expectedStatus: http.StatusGatewayTimeout,
			expectedMsg:    "request timeout",
		},
		{
			name:           "shutting down maps to 503",
			err:            pkgerrors.WrapTransient(pkgerrors.ErrShuttingDown, "Gateway", "Submit", "queue command"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedMsg:    "service temporarily unavailable",
		},
		{
			name:           "fatal error maps to 500",
			err:            pkgerrors.WrapFatal(pkgerrors.ErrMissingConfig, "test", "test", "fatal error"),
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "internal server error",
		},
		{
			name:           "not found maps to 404",
			err:            fmt.Errorf("endpoint not found"),
			expectedStatus: http.StatusNotFound,
			expectedMsg:    "resource not found",
		},
		{
			name:           "nil maps to 500",
			err:            nil,
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, s.mapErrorToHTTPStatus(tt.err))
			assert.Equal(t, tt.expectedMsg, s.sanitizeError(tt.err))
		})
	}
}

func TestApplyCORS(t *testing.T) {
	tests := []struct {
		name                 string
		allowedOrigins       []string
		requestOrigin        string
		expectedOriginHeader string
	}{
		{"exact origin match", []string{"https://example.com"}, "https://example.com", "https://example.com"},
		{"wildcard allows any origin", []string{"*"}, "https://example.com", "https://example.com"},
		{"wildcard without origin header", []string{"*"}, "", "*"},
		{"origin not in allowed list", []string{"https://allowed.com"}, "https://notallowed.com", ""},
		{"second allowed origin", []string{"https://app1.com", "https://app2.com"}, "https://app2.com", "https://app2.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{EnableCORS: true, CORSOrigins: tt.allowedOrigins}}

			req := httptest.NewRequest("GET", "/health", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			w := httptest.NewRecorder()
			s.applyCORS(w, req)

			assert.Equal(t, tt.expectedOriginHeader, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectedOriginHeader != "" {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, Config{EnableCORS: true, CORSOrigins: []string{"*"}})
	req := httptest.NewRequest(http.MethodOptions, "/commands", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ui.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth_ExtraChecks(t *testing.T) {
	f := newFixture(t, Config{})

	f.server.AddHealthCheck("nats", func() health.Status { return health.NewDegraded("", "reconnecting") })
	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "degraded still serves")
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)

	f.server.AddHealthCheck("nats", func() health.Status { return health.NewUnhealthy("", "disconnected") })
	w = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disconnected")
}

func TestServer_Handle(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	assert.Equal(t, http.StatusTeapot, f.do(t, http.MethodGet, "/ws", "").Code)
}
