// Package stdio reads gateway commands as JSON lines, typically from stdin.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/c360/semstreams-robotics/errors"
)

// DefaultMaxLineSize bounds a single command line.
const DefaultMaxLineSize = 1 << 20

// Submitter accepts raw commands.
type Submitter interface {
	Submit(ctx context.Context, data []byte) error
}

// Input submits each non-empty line of a reader as one command.
type Input struct {
	r           io.Reader
	submitter   Submitter
	maxLineSize int
	logger      *slog.Logger

	lines    atomic.Int64
	rejected atomic.Int64
}

// New creates an input over r. maxLineSize <= 0 selects DefaultMaxLineSize.
func New(r io.Reader, sub Submitter, maxLineSize int, logger *slog.Logger) (*Input, error) {
	if r == nil || sub == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Input", "New", "reader and submitter are required")
	}
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{r: r, submitter: sub, maxLineSize: maxLineSize, logger: logger.With("component", "stdio-input")}, nil
}

// Run reads until EOF, ctx is done or the submitter refuses a command because
// the gateway is shutting down. Reaching EOF is not an error.
func (in *Input) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := bufio.NewScanner(in.r)
	scanner.Buffer(make([]byte, 0, 64*1024), in.maxLineSize)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return errors.WrapTransient(err, "Input", "Run", "read commands")
					}
				default:
				}
				in.logger.Debug("Command stream ended", "lines", in.lines.Load())
				return nil
			}
			in.lines.Add(1)
			if err := in.submitter.Submit(ctx, line); err != nil {
				in.rejected.Add(1)
				if ctx.Err() == nil {
					in.logger.Warn("Gateway stopped accepting commands", "error", err)
				}
				return nil
			}
		}
	}
}

// Stats returns lines read and commands rejected.
func (in *Input) Stats() (lines, rejected int64) {
	return in.lines.Load(), in.rejected.Load()
}
