// Package file writes gateway events to a file or stdout.
//
// Events are buffered and flushed when the buffer fills, on a periodic tick
// and on Close. Two formats are supported:
//
//   - jsonl: one compact JSON object per line (default)
//   - json: pretty-printed objects separated by newlines
//
// The path "-" selects stdout, which is how the gateway CLI streams events to
// a parent process:
//
//	out, err := file.New(file.Config{Path: "-"}, logger)
//	gw.Emitter().AddSink(out)
package file
