package command

import (
	"encoding/json"
	"time"
)

// EventType names what an outbound event reports.
type EventType string

// Event types.
const (
	EventMessage  EventType = "message"  // subscriber received a message
	EventResponse EventType = "response" // service replied
	EventAccepted EventType = "accepted" // goal accepted
	EventFeedback EventType = "feedback"
	EventResult   EventType = "result"
)

// Event mirrors the command that produced it with msg replaced by the decoded
// bus payload.
type Event struct {
	NodeType    Kind           `json:"node_type"`
	MsgType     string         `json:"msg_type"`
	Name        string         `json:"name"`
	TimerPeriod float64        `json:"timer_period"`
	Msg         map[string]any `json:"msg"`
	RosLog      *LogSpec       `json:"ros_log,omitempty"`

	Event     EventType `json:"event"`
	GoalID    string    `json:"goal_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event for cmd. A nil payload becomes an empty object.
func NewEvent(cmd *Command, typ EventType, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		NodeType:    cmd.NodeType,
		MsgType:     cmd.MsgType,
		Name:        cmd.Name,
		TimerPeriod: cmd.TimerPeriod,
		Msg:         payload,
		RosLog:      cmd.RosLog,
		Event:       typ,
		Timestamp:   time.Now().UTC(),
	}
}

// WithGoal sets the goal id and, for results, the final status.
func (e *Event) WithGoal(goalID, status string) *Event {
	e.GoalID = goalID
	e.Status = status
	return e
}

// Marshal returns the JSON line form of the event.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
