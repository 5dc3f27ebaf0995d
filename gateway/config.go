package gateway

import (
	"fmt"
	"time"

	"github.com/c360/semstreams-robotics/errors"
)

// Defaults for Config.
const (
	DefaultPollTimeout  = 250 * time.Millisecond
	DefaultWaitTimeout  = time.Second
	DefaultQueueSize    = 256
	DefaultEmitBuffer   = 1024
	DefaultCloseTimeout = 5 * time.Second
)

// Config tunes the dispatch loop and the endpoints it creates.
type Config struct {
	// PollTimeout bounds how long the loop blocks waiting for a command.
	PollTimeout time.Duration `json:"poll_timeout" env:"POLL_TIMEOUT"`
	// WaitTimeout is the length of one readiness attempt.
	WaitTimeout time.Duration `json:"wait_timeout" env:"WAIT_TIMEOUT"`
	// MaxWaitAttempts caps readiness attempts; 0 waits until shutdown.
	MaxWaitAttempts int `json:"max_wait_attempts" env:"MAX_WAIT_ATTEMPTS"`
	// QueueSize is the capacity of the inbound command queue.
	QueueSize int `json:"queue_size" env:"QUEUE_SIZE"`
	// EmitBuffer is the capacity of the outbound event buffer.
	EmitBuffer int `json:"emit_buffer" env:"EMIT_BUFFER"`
	// GroupQueueSize is the per-endpoint callback queue capacity.
	GroupQueueSize int `json:"group_queue_size" env:"GROUP_QUEUE_SIZE"`
	// CloseTimeout bounds how long destroying one endpoint may take.
	CloseTimeout time.Duration `json:"close_timeout" env:"CLOSE_TIMEOUT"`
	// Rosout publishes endpoint log entries on "<prefix>.rosout".
	Rosout bool `json:"rosout" env:"ROSOUT"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		PollTimeout:  DefaultPollTimeout,
		WaitTimeout:  DefaultWaitTimeout,
		QueueSize:    DefaultQueueSize,
		EmitBuffer:   DefaultEmitBuffer,
		CloseTimeout: DefaultCloseTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.EmitBuffer == 0 {
		c.EmitBuffer = d.EmitBuffer
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}

// Validate ensures the configuration is valid
func (c Config) Validate() error {
	if c.PollTimeout < 0 || c.WaitTimeout < 0 || c.CloseTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "timeouts cannot be negative")
	}
	if c.MaxWaitAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("max_wait_attempts %d cannot be negative", c.MaxWaitAttempts))
	}
	if c.QueueSize < 0 || c.EmitBuffer < 0 || c.GroupQueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "queue sizes cannot be negative")
	}
	return nil
}
