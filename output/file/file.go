package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
)

// Stdout is the path selecting standard output.
const Stdout = "-"

// Config holds configuration for the file output
type Config struct {
	Path          string        `json:"path" env:"PATH"`
	Format        string        `json:"format" env:"FORMAT"`
	Append        bool          `json:"append"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// DefaultConfig returns default configuration for file output
func DefaultConfig() Config {
	return Config{
		Path:          Stdout,
		Format:        "jsonl",
		Append:        true,
		BufferSize:    1,
		FlushInterval: time.Second,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	if c.Format != "json" && c.Format != "jsonl" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: json, jsonl")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size cannot be negative")
	}
	if c.FlushInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"flush_interval cannot be negative")
	}
	return nil
}

// Output writes events to a file. It implements the gateway event Sink.
type Output struct {
	config Config
	logger *slog.Logger

	w      io.Writer
	closer io.Closer
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	eventsWritten atomic.Int64
	bytesWritten  atomic.Int64
	errors        atomic.Int64
}

// New opens the configured file (creating its directory) or selects stdout,
// and starts the flush loop.
func New(config Config, logger *slog.Logger) (*Output, error) {
	if config.Format == "" {
		config.Format = "jsonl"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if config.Path != Stdout {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "Output", "New", "create output directory")
		}
		flags := os.O_CREATE | os.O_WRONLY
		if config.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(config.Path, flags, 0o644)
		if err != nil {
			return nil, errors.WrapFatal(err, "Output", "New", "open output file")
		}
		w, closer = f, f
	}
	return newOutput(config, w, closer, logger), nil
}

// NewWriter writes events to w. Close does not close w.
func NewWriter(config Config, w io.Writer, logger *slog.Logger) (*Output, error) {
	config.Path = Stdout
	if config.Format == "" {
		config.Format = "jsonl"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newOutput(config, w, nil, logger), nil
}

func newOutput(config Config, w io.Writer, closer io.Closer, logger *slog.Logger) *Output {
	o := &Output{
		config:   config,
		logger:   logger.With("component", "file-output", "path", config.Path),
		w:        w,
		closer:   closer,
		buffer:   make([][]byte, 0, config.BufferSize),
		shutdown: make(chan struct{}),
	}
	o.wg.Add(1)
	go o.flushLoop()
	return o
}

// Name implements the gateway Sink interface.
func (o *Output) Name() string { return "file" }

// Write buffers ev and flushes when the buffer is full.
func (o *Output) Write(_ context.Context, ev *command.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		o.errors.Add(1)
		return errors.Wrap(err, "Output", "Write", "marshal event")
	}

	o.bufferMu.Lock()
	o.buffer = append(o.buffer, data)
	shouldFlush := len(o.buffer) >= o.config.BufferSize
	o.bufferMu.Unlock()

	if shouldFlush {
		return o.flush()
	}
	return nil
}

// flushLoop periodically flushes the buffer
func (o *Output) flushLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			_ = o.flush()
		}
	}
}

// flush writes buffered events to the file
func (o *Output) flush() error {
	o.bufferMu.Lock()
	if len(o.buffer) == 0 {
		o.bufferMu.Unlock()
		return nil
	}
	events := o.buffer
	o.buffer = make([][]byte, 0, o.config.BufferSize)
	o.bufferMu.Unlock()

	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.w == nil {
		o.errors.Add(int64(len(events)))
		o.logger.Error("Output closed during flush", "events_lost", len(events))
		return errors.WrapTransient(errors.ErrShuttingDown, "Output", "flush", "write events")
	}

	var failed error
	for _, data := range events {
		line := o.format(data)
		n, err := o.w.Write(line)
		if err != nil {
			o.errors.Add(1)
			o.logger.Error("Failed to write event", "error", err)
			failed = errors.WrapTransient(err, "Output", "flush", "write event")
			continue
		}
		o.eventsWritten.Add(1)
		o.bytesWritten.Add(int64(n))
	}
	return failed
}

func (o *Output) format(data []byte) []byte {
	if o.config.Format == "json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			buf.WriteByte('\n')
			return buf.Bytes()
		}
	}
	return append(data, '\n')
}

// Stats returns events written, bytes written and write errors.
func (o *Output) Stats() (events, bytes, errs int64) {
	return o.eventsWritten.Load(), o.bytesWritten.Load(), o.errors.Load()
}

// Close flushes remaining events and closes the file.
func (o *Output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.shutdown)
		o.wg.Wait()
		err = o.flush()

		o.fileMu.Lock()
		defer o.fileMu.Unlock()
		if o.closer != nil {
			if cerr := o.closer.Close(); cerr != nil {
				err = errors.WrapTransient(cerr, "Output", "Close", fmt.Sprintf("close %s", o.config.Path))
			}
		}
		o.w = nil
	})
	return err
}
