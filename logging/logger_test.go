package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	entries  []LogEntry
	err      error
	panics   bool
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if p.panics {
		panic("publisher exploded")
	}
	if p.err != nil {
		return p.err
	}
	var e LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.entries = append(p.entries, e)
	return nil
}

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: ReplaceLevel})
	return slog.New(h), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"Info", LevelInfo},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"FATAL", LevelFatal},
		{"", LevelInfo},
		{"VERBOSE", LevelInfo},
		{"warning", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}

	assert.Equal(t, slog.LevelWarn, LevelWarn.Slog())
	assert.Equal(t, SlogFatal, LevelFatal.Slog())
	assert.Equal(t, slog.LevelInfo, Level("bogus").Slog())
}

func TestLogger_WritesAndPublishes(t *testing.T) {
	base, buf := newBufferLogger()
	pub := &recordingPublisher{}
	f := NewFactory(base, pub, "lab")
	assert.Equal(t, "lab.rosout", f.Subject())

	l := f.New("", "publisher", "/turtle1/cmd_vel")
	assert.Equal(t, "/turtle1/cmd_vel_log", l.Name())
	assert.Equal(t, 1, f.Len())

	l.Info("Published message to topic", "topic", "/turtle1/cmd_vel")
	l.Fatal("Something terrible")
	l.Error("Publish failed", assert.AnError)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "/turtle1/cmd_vel_log", lines[0]["logger"])
	assert.Equal(t, "publisher", lines[0]["kind"])
	assert.Equal(t, "FATAL", lines[1]["level"])
	assert.Equal(t, "ERROR", lines[2]["level"])

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.entries, 3)
	assert.Equal(t, []string{"lab.rosout", "lab.rosout", "lab.rosout"}, pub.subjects)
	assert.Equal(t, LevelInfo, pub.entries[0].Level)
	assert.Equal(t, "Published message to topic", pub.entries[0].Message)
	assert.Equal(t, "/turtle1/cmd_vel", pub.entries[0].Endpoint)
	assert.Equal(t, LevelFatal, pub.entries[1].Level)
	assert.Equal(t, assert.AnError.Error(), pub.entries[2].Error)
}

func TestLogger_NamedAndFiltered(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	f := NewFactory(base, nil, "")
	assert.Equal(t, "ros.rosout", f.Subject())

	l := f.New("chatter_logger", "subscriber", "chatter")
	assert.Equal(t, "chatter_logger", l.Name())

	l.Debug("hidden")
	l.Warn("visible")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["msg"])
}

func TestLogger_PublishFailuresGoToFallback(t *testing.T) {
	tests := []struct {
		name string
		pub  *recordingPublisher
		want string
	}{
		{"publish error", &recordingPublisher{err: assert.AnError}, "Failed to publish log entry"},
		{"publisher panic", &recordingPublisher{panics: true}, "Endpoint logger panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, buf := newBufferLogger()
			l := NewFactory(base, tt.pub, "ros").New("", "service_client", "add")

			assert.NotPanics(t, func() { l.Info("Sending request") })
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestFactory_Release(t *testing.T) {
	base, _ := newBufferLogger()
	pub := &recordingPublisher{}
	f := NewFactory(base, pub, "ros")

	l := f.New("", "action_client", "fibonacci")
	l.Info("before")
	f.Release(l)
	f.Release(nil)
	l.Info("after")

	assert.Equal(t, 0, f.Len())
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.entries, 1)
	assert.Equal(t, "before", pub.entries[0].Message)
}

func TestLogger_CanceledContextSkipsPublish(t *testing.T) {
	base, _ := newBufferLogger()
	pub := &recordingPublisher{}
	l := NewFactory(base, pub, "ros").New("", "publisher", "chatter")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Log(ctx, LevelWarn, "late")

	assert.Empty(t, pub.entries)
}
