package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(environ map[string]string) *Loader {
	l := NewLoader()
	if environ == nil {
		environ = map[string]string{}
	}
	l.SetEnvironment(environ)
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ros", cfg.Bus.Prefix)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.True(t, cfg.Inputs.Stdin)
	assert.True(t, cfg.Outputs.File.Enabled)
	assert.Equal(t, "-", cfg.Outputs.File.Path)
}

func TestLoader_LoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rosbridge.json", `{
		"log": {"level": "debug", "format": "text"},
		"nats": {"url": "nats://bus:4222", "reconnect_wait": "5s"},
		"bus": {"prefix": "Robot1", "call_timeout": "750ms"},
		"types": {"files": ["/etc/rosbridge/types.yaml"]},
		"gateway": {"poll_timeout": "100ms", "max_wait_attempts": 3, "close_timeout": "1d"},
		"http": {"enabled": true, "addr": "127.0.0.1:8081", "rate_limit": 50, "burst": 10},
		"websocket": {"enabled": true, "ping_interval": "15s"},
		"outputs": {"nats": {"enabled": true, "subject": "robot1.events", "per_event": true}}
	}`)

	l := newTestLoader(nil)
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects, "defaults survive a partial section")
	assert.Equal(t, "robot1", cfg.Bus.Prefix, "prefix is normalized by Validate")
	assert.Equal(t, 750*time.Millisecond, cfg.Bus.CallTimeout)
	assert.Equal(t, []string{"/etc/rosbridge/types.yaml"}, cfg.Types.Files)

	assert.Equal(t, 100*time.Millisecond, cfg.Gateway.PollTimeout)
	assert.Equal(t, time.Second, cfg.Gateway.WaitTimeout)
	assert.Equal(t, 3, cfg.Gateway.MaxWaitAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Gateway.CloseTimeout)

	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:8081", cfg.HTTP.Addr)
	assert.Equal(t, 50.0, cfg.HTTP.RateLimit)
	assert.Equal(t, 10, cfg.HTTP.Burst)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxRequestSize)

	assert.True(t, cfg.WebSocket.Enabled)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, 15*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 256, cfg.WebSocket.SendBuffer)

	assert.True(t, cfg.Outputs.NATS.Enabled)
	assert.Equal(t, "robot1.events", cfg.Outputs.NATS.Subject)
	assert.True(t, cfg.Outputs.NATS.PerEvent)
	assert.True(t, cfg.Outputs.File.Enabled)
}

func TestLoader_ExampleConfig(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "configs", "rosbridge.json"))
	require.NoError(t, err)

	l := newTestLoader(nil)
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.HTTP.Enabled)
	assert.True(t, cfg.WebSocket.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.PollTimeout)
	assert.Equal(t, []string{"configs/types.yaml"}, cfg.Types.Files)
}

func TestLoader_Layers(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "base.json", `{
		"nats": {"url": "nats://base:4222"},
		"gateway": {"max_wait_attempts": 5, "queue_size": 64}
	}`)
	override := writeConfig(t, dir, "override.json", `{
		"gateway": {"max_wait_attempts": 1},
		"outputs": {"file": {"path": "/tmp/events.jsonl", "format": "json"}}
	}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://base:4222", cfg.NATS.URL)
	assert.Equal(t, 1, cfg.Gateway.MaxWaitAttempts)
	assert.Equal(t, 64, cfg.Gateway.QueueSize)
	assert.Equal(t, "/tmp/events.jsonl", cfg.Outputs.File.Path)
	assert.Equal(t, "json", cfg.Outputs.File.Format)
	assert.True(t, cfg.Outputs.File.Append)
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rosbridge.json", `{"nats": {"url": "nats://file:4222"}}`)

	l := newTestLoader(map[string]string{
		"ROSBRIDGE_NATS_URL":                  "nats://env:4222",
		"ROSBRIDGE_BUS_PREFIX":                "robot2",
		"ROSBRIDGE_GATEWAY_MAX_WAIT_ATTEMPTS": "7",
		"ROSBRIDGE_GATEWAY_WAIT_TIMEOUT":      "3s",
		"ROSBRIDGE_HTTP_ENABLED":              "true",
		"ROSBRIDGE_HTTP_CORS_ORIGINS":         "http://a,http://b",
		"ROSBRIDGE_WEBSOCKET_RATE_LIMIT":      "2.5",
		"ROSBRIDGE_OUTPUTS_FILE_PATH":         "/var/log/events.jsonl",
		"ROSBRIDGE_INPUTS_NATS_ENABLED":       "true",
		"ROSBRIDGE_TYPES_FILES":               "a.yaml,b.yaml",
		"ROSBRIDGE_METRICS_ENABLED":           "true",
		"UNRELATED_NATS_URL":                  "nats://ignored:4222",
	})
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "robot2", cfg.Bus.Prefix)
	assert.Equal(t, 7, cfg.Gateway.MaxWaitAttempts)
	assert.Equal(t, 3*time.Second, cfg.Gateway.WaitTimeout)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 2.5, cfg.WebSocket.RateLimit)
	assert.Equal(t, "/var/log/events.jsonl", cfg.Outputs.File.Path)
	assert.True(t, cfg.Inputs.NATS.Enabled)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Types.Files)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr, "unset variables keep file and default values")
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    func() string
		environ map[string]string
		want    string
	}{
		{
			name: "missing file",
			path: func() string { return filepath.Join(dir, "absent.json") },
			want: "cannot stat",
		},
		{
			name: "not json extension",
			path: func() string { return writeConfig(t, dir, "config.yaml", `{}`) },
			want: "only JSON config files",
		},
		{
			name: "malformed json",
			path: func() string { return writeConfig(t, dir, "broken.json", `{"nats": {`) },
			want: "unclosed brackets",
		},
		{
			name: "too deep",
			path: func() string {
				return writeConfig(t, dir, "deep.json", strings.Repeat("[", 101)+strings.Repeat("]", 101))
			},
			want: "nesting too deep",
		},
		{
			name: "bad duration",
			path: func() string {
				return writeConfig(t, dir, "duration.json", `{"gateway": {"wait_timeout": "soon"}}`)
			},
			want: "invalid duration",
		},
		{
			name:    "bad env value",
			path:    func() string { return writeConfig(t, dir, "ok.json", `{}`) },
			environ: map[string]string{"ROSBRIDGE_GATEWAY_QUEUE_SIZE": "many"},
			want:    "environment overrides",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(tt.environ).LoadFile(tt.path())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, []string{"log.level"}},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, []string{"log.format"}},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, []string{"nats.url"}},
		{"bad prefix", func(c *Config) { c.Bus.Prefix = "ros*" }, []string{"bus.prefix"}},
		{"empty type file", func(c *Config) { c.Types.Files = []string{" "} }, []string{"types.files"}},
		{"gateway", func(c *Config) { c.Gateway.MaxWaitAttempts = -1 }, []string{"max_wait_attempts"}},
		{"websocket without http", func(c *Config) { c.WebSocket.Enabled = true }, []string{"http.enabled"}},
		{"wildcard input subject", func(c *Config) {
			c.Inputs.NATS.Enabled = true
			c.Inputs.NATS.Subject = "gateway.>"
		}, []string{"inputs.nats.subject"}},
		{"bad file format", func(c *Config) { c.Outputs.File.Format = "csv" }, []string{"format must be one of"}},
		{"disabled file output is not checked", func(c *Config) {
			c.Outputs.File.Enabled = false
			c.Outputs.File.Format = "csv"
		}, nil},
		{"metrics path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "metrics"
		}, []string{"metrics.path"}},
		{"several at once", func(c *Config) {
			c.NATS.URL = ""
			c.Log.Format = "xml"
		}, []string{"nats.url", "log.format"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "s3cret"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "s3cret")
	assert.Contains(t, s, `"url": "nats://localhost:4222"`)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath(strings.Repeat("a", maxPathLen+1)+".json"))
	assert.Error(t, validateConfigPath("../outside.json"))
	assert.NoError(t, validateConfigPath("configs/rosbridge.json"))
	assert.NoError(t, validateConfigPath("/etc/rosbridge/rosbridge.json"))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[{{{", "b": [1, {"c": "\"}"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [`)))
}
