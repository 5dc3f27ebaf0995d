package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config", getEnv("ROSBRIDGE_CONFIG", ""),
		"Path to a JSON configuration file; defaults apply when empty (env: ROSBRIDGE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("ROSBRIDGE_CONFIG", ""),
		"Shorthand for -config")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("ROSBRIDGE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config file (env: ROSBRIDGE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("ROSBRIDGE_LOG_FORMAT", ""),
		"Log format: json, text; overrides the config file (env: ROSBRIDGE_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("ROSBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: ROSBRIDGE_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, print it and exit")

	fs.Usage = func() { printDetailedHelp(fs.Output(), fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - JSON command gateway for a ROS-style message bus

Usage: %s [options]

Commands are JSON objects, one per line on stdin, or posted to the HTTP,
websocket or NATS inputs when enabled. Events are written as JSON lines.

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Publish once on /chatter
  echo '{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","msg":{"data":"hi"}}' | %s

  # Run with a config file and debug logging
  %s --config=/etc/rosbridge/rosbridge.json --log-level=debug --log-format=text

  # Override settings from the environment
  export ROSBRIDGE_NATS_URL=nats://bus:4222
  export ROSBRIDGE_HTTP_ENABLED=true
  %s

  # Validate configuration only
  %s --config=rosbridge.json --validate

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
