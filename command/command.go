// Package command defines the JSON command protocol of the gateway: the
// inbound Command, its optional LogSpec, and the outbound Event that mirrors
// a command with a decoded bus payload.
//
// Commands are validated against an embedded JSON schema before they are
// decoded, so every field reaching the dispatch loop is well typed.
package command

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/logging"
)

// Kind is the endpoint kind a command addresses.
type Kind string

// Endpoint kinds.
const (
	KindPublisher     Kind = "publisher"
	KindSubscriber    Kind = "subscriber"
	KindServiceClient Kind = "service_client"
	KindActionClient  Kind = "action_client"
)

// Kinds lists every endpoint kind in a stable order.
var Kinds = []Kind{KindPublisher, KindSubscriber, KindServiceClient, KindActionClient}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPublisher, KindSubscriber, KindServiceClient, KindActionClient:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Sentinel is a control word carried in place of a payload.
type Sentinel string

// Sentinels. SentinelNone means the command carries a payload.
const (
	SentinelNone    Sentinel = ""
	SentinelDestroy Sentinel = "destroy"
	SentinelCancel  Sentinel = "cancel"
)

// ParseSentinel matches s against the sentinels, ignoring case.
func ParseSentinel(s string) (Sentinel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SentinelDestroy):
		return SentinelDestroy, true
	case string(SentinelCancel):
		return SentinelCancel, true
	}
	return SentinelNone, false
}

// LogSpec asks for a log line when the endpoint logger is created.
type LogSpec struct {
	Name  string `json:"name,omitempty"`
	Level string `json:"level,omitempty"`
	Msg   string `json:"msg"`
}

// LogLevel returns the normalized level. Unknown levels are INFO.
func (l *LogSpec) LogLevel() logging.Level {
	if l == nil {
		return logging.LevelInfo
	}
	return logging.ParseLevel(l.Level)
}

// Command is one parsed inbound command. It is not modified after Parse.
type Command struct {
	NodeType    Kind
	MsgType     string
	Name        string
	TimerPeriod float64

	// Exactly one of Payload and Sentinel is set.
	Payload  map[string]any
	Sentinel Sentinel

	RosLog *LogSpec
}

// Period returns TimerPeriod as a duration.
func (c *Command) Period() time.Duration {
	return time.Duration(c.TimerPeriod * float64(time.Second))
}

// LoggerName returns the ros_log name or "<name>_log".
func (c *Command) LoggerName() string {
	if c.RosLog != nil && c.RosLog.Name != "" {
		return c.RosLog.Name
	}
	return logging.DefaultName(c.Name)
}

// IsDestroy reports whether the command carries the destroy sentinel.
func (c *Command) IsDestroy() bool { return c.Sentinel == SentinelDestroy }

// IsCancel reports whether the command carries the cancel sentinel.
func (c *Command) IsCancel() bool { return c.Sentinel == SentinelCancel }

// MarshalJSON renders the command in its wire form.
func (c *Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{
		NodeType:    c.NodeType,
		MsgType:     c.MsgType,
		Name:        c.Name,
		TimerPeriod: c.TimerPeriod,
		RosLog:      c.RosLog,
	}
	if c.Sentinel != SentinelNone {
		w.Msg = string(c.Sentinel)
	} else {
		w.Msg = c.Payload
	}
	return json.Marshal(w)
}

type wireCommand struct {
	NodeType    Kind     `json:"node_type"`
	MsgType     string   `json:"msg_type"`
	Name        string   `json:"name"`
	TimerPeriod float64  `json:"timer_period"`
	Msg         any      `json:"msg"`
	RosLog      *LogSpec `json:"ros_log,omitempty"`
}

type rawCommand struct {
	NodeType    Kind            `json:"node_type"`
	MsgType     string          `json:"msg_type"`
	Name        string          `json:"name"`
	TimerPeriod float64         `json:"timer_period"`
	Msg         json.RawMessage `json:"msg"`
	RosLog      json.RawMessage `json:"ros_log"`
}

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// Schema returns the JSON schema commands are validated against.
func Schema() string {
	return schemaJSON
}

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Parse validates data and decodes it into a Command. Every failure wraps
// errors.ErrValidation.
func Parse(data []byte) (*Command, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid(err, "decode command")
	}

	cmd := &Command{
		NodeType:    raw.NodeType,
		MsgType:     strings.TrimSpace(raw.MsgType),
		Name:        raw.Name,
		TimerPeriod: raw.TimerPeriod,
	}

	if err := decodeMsg(cmd, raw.Msg); err != nil {
		return nil, err
	}
	if err := decodeLog(cmd, raw.RosLog); err != nil {
		return nil, err
	}
	return cmd, nil
}

func validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "command", "Parse", "compile schema")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return invalid(err, "decode json")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return invalid(fmt.Errorf("%s", strings.Join(msgs, "; ")), "validate schema")
	}
	return nil
}

func decodeMsg(cmd *Command, raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		sentinel, ok := ParseSentinel(s)
		if !ok {
			return invalid(fmt.Errorf("msg string %q is not a sentinel", s), "decode msg")
		}
		if sentinel == SentinelCancel && cmd.NodeType != KindActionClient {
			return invalid(fmt.Errorf("cancel is only valid for %s, got %s", KindActionClient, cmd.NodeType), "decode msg")
		}
		cmd.Sentinel = sentinel
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return invalid(err, "decode msg")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	cmd.Payload = payload
	return nil
}

func decodeLog(cmd *Command, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		return nil
	}
	var spec LogSpec
	if err := json.Unmarshal(trimmed, &spec); err != nil {
		return invalid(err, "decode ros_log")
	}
	cmd.RosLog = &spec
	return nil
}

func invalid(err error, action string) error {
	return errors.WrapInvalid(errors.Tag(errors.ErrValidation, err), "command", "Parse", action)
}
