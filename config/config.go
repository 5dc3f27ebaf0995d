package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/gateway"
	gwhttp "github.com/c360/semstreams-robotics/gateway/http"
	"github.com/c360/semstreams-robotics/gateway/websocket"
	"github.com/c360/semstreams-robotics/output/file"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROSBRIDGE_"

// Config is the complete process configuration.
type Config struct {
	Version   string          `json:"version,omitempty"`
	Log       LogConfig       `json:"log" envPrefix:"LOG_"`
	NATS      NATSConfig      `json:"nats" envPrefix:"NATS_"`
	Bus       BusConfig       `json:"bus" envPrefix:"BUS_"`
	Types     TypesConfig     `json:"types" envPrefix:"TYPES_"`
	Gateway   gateway.Config  `json:"gateway" envPrefix:"GATEWAY_"`
	HTTP      HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Inputs    InputsConfig    `json:"inputs" envPrefix:"INPUTS_"`
	Outputs   OutputsConfig   `json:"outputs" envPrefix:"OUTPUTS_"`
	Metrics   MetricsConfig   `json:"metrics" envPrefix:"METRICS_"`
}

// LogConfig selects the process log handler.
type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `json:"url" env:"URL"`
	Name          string        `json:"name,omitempty" env:"NAME"`
	MaxReconnects int           `json:"max_reconnects,omitempty" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" env:"RECONNECT_WAIT"`
	// ConnectTimeout bounds the startup connection retries.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" env:"CONNECT_TIMEOUT"`
	Username       string        `json:"username,omitempty" env:"USERNAME"`
	Password       string        `json:"password,omitempty" env:"PASSWORD"`
	Token          string        `json:"token,omitempty" env:"TOKEN"`
}

// BusConfig shapes the subjects endpoints use.
type BusConfig struct {
	Prefix      string        `json:"prefix" env:"PREFIX"`
	CallTimeout time.Duration `json:"call_timeout" env:"CALL_TIMEOUT"`
}

// TypesConfig lists extra message type definition files.
type TypesConfig struct {
	Files     []string `json:"files,omitempty" env:"FILES"`
	CacheSize int      `json:"cache_size" env:"CACHE_SIZE"`
}

// HTTPConfig enables the HTTP command surface.
type HTTPConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
	gwhttp.Config
}

// WebSocketConfig mounts the websocket hub on the HTTP server.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
	websocket.Config
}

// InputsConfig selects command sources.
type InputsConfig struct {
	Stdin bool            `json:"stdin" env:"STDIN"`
	NATS  NATSInputConfig `json:"nats" envPrefix:"NATS_"`
}

// NATSInputConfig subscribes to commands on the bus. An empty subject
// selects "<bus prefix>.gateway.commands".
type NATSInputConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Subject string `json:"subject" env:"SUBJECT"`
}

// OutputsConfig selects event sinks.
type OutputsConfig struct {
	File FileOutputConfig `json:"file" envPrefix:"FILE_"`
	NATS NATSOutputConfig `json:"nats" envPrefix:"NATS_"`
}

// FileOutputConfig writes events to a file or stdout.
type FileOutputConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
	file.Config
}

// NATSOutputConfig publishes events on the bus. An empty subject selects
// "<bus prefix>.gateway.events".
type NATSOutputConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Subject  string `json:"subject" env:"SUBJECT"`
	PerEvent bool   `json:"per_event" env:"PER_EVENT"`
}

// MetricsConfig serves Prometheus metrics on a dedicated listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Addr    string `json:"addr" env:"ADDR"`
	Path    string `json:"path" env:"PATH"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "rosbridge",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Bus:     BusConfig{Prefix: "ros", CallTimeout: 5 * time.Second},
		Types:   TypesConfig{CacheSize: 256},
		Gateway: gateway.DefaultConfig(),
		HTTP: HTTPConfig{
			Config: gwhttp.Config{
				Addr:           ":8080",
				MaxRequestSize: gwhttp.DefaultMaxRequestSize,
				SubmitTimeout:  gwhttp.DefaultSubmitTimeout,
			},
		},
		WebSocket: WebSocketConfig{Path: "/ws", Config: websocket.DefaultConfig()},
		Inputs: InputsConfig{
			Stdin: true,
		},
		Outputs: OutputsConfig{
			File: FileOutputConfig{Enabled: true, Config: file.DefaultConfig()},
		},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs error
	invalid := func(msg string) {
		errs = multierr.Append(errs, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid(fmt.Sprintf("log.level %q must be one of: debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		invalid(fmt.Sprintf("log.format %q must be one of: json, text", c.Log.Format))
	}

	if c.NATS.URL == "" {
		invalid("nats.url is required")
	}
	if c.NATS.ReconnectWait < 0 || c.NATS.ConnectTimeout < 0 {
		invalid("nats timeouts cannot be negative")
	}

	// Normalize prefix to lowercase
	c.Bus.Prefix = strings.ToLower(c.Bus.Prefix)
	if c.Bus.Prefix != "" && !isValidNATSSubjectPart(c.Bus.Prefix) {
		invalid(fmt.Sprintf(
			"bus.prefix '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Bus.Prefix))
	}
	if c.Bus.CallTimeout < 0 {
		invalid("bus.call_timeout cannot be negative")
	}

	for _, f := range c.Types.Files {
		if strings.TrimSpace(f) == "" {
			invalid("types.files cannot contain empty paths")
		}
	}
	if c.Types.CacheSize < 0 {
		invalid("types.cache_size cannot be negative")
	}

	errs = multierr.Append(errs, c.Gateway.Validate())
	if c.HTTP.Enabled {
		errs = multierr.Append(errs, c.HTTP.Config.Validate())
	}
	if c.WebSocket.Enabled {
		if !c.HTTP.Enabled {
			invalid("websocket requires http.enabled")
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			invalid(fmt.Sprintf("websocket.path %q must start with '/'", c.WebSocket.Path))
		}
		errs = multierr.Append(errs, c.WebSocket.Config.Validate())
	}

	if c.Inputs.NATS.Enabled && c.Inputs.NATS.Subject != "" && !isValidSubject(c.Inputs.NATS.Subject) {
		invalid(fmt.Sprintf("inputs.nats.subject %q is not a valid publish subject", c.Inputs.NATS.Subject))
	}
	if c.Outputs.File.Enabled {
		errs = multierr.Append(errs, c.Outputs.File.Config.Validate())
	}
	if c.Outputs.NATS.Enabled && c.Outputs.NATS.Subject != "" && !isValidSubject(c.Outputs.NATS.Subject) {
		invalid(fmt.Sprintf("outputs.nats.subject %q is not a valid publish subject", c.Outputs.NATS.Subject))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			invalid("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			invalid(fmt.Sprintf("metrics.path %q must start with '/'", c.Metrics.Path))
		}
	}
	return errs
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.Contains(s, "..")
}

// isValidSubject accepts subjects without wildcards or empty tokens.
func isValidSubject(s string) bool {
	if s == "" || strings.ContainsAny(s, "*> \t") {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	environ    map[string]string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvironment replaces the process environment as the override source.
func (l *Loader) SetEnvironment(environ map[string]string) {
	l.environ = environ
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	opts := env.Options{Prefix: l.envPrefix}
	if l.environ != nil {
		opts.Environment = l.environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// isDurationKey reports whether a config key holds a time.Duration.
func isDurationKey(key string) bool {
	return key == "timeout" ||
		strings.HasSuffix(key, "_timeout") ||
		strings.HasSuffix(key, "_interval") ||
		strings.HasSuffix(key, "_wait")
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", k, val, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
