// Package action models the lifecycle of a goal sent by an action client.
//
// Transition is a pure function over (State, Event). The gateway feeds it
// from the endpoint's callback group, so every transition of one action
// client happens in order on a single goroutine. A Tracker keeps the
// outstanding goal of each action client and forgets it once it reaches a
// terminal state.
package action

import "github.com/c360/semstreams-robotics/bus"

// State is the lifecycle state of a goal.
type State int

const (
	Idle State = iota
	GoalSent
	Accepted
	Rejected
	Feedback
	Succeeded
	Failed
	Canceled
)

var stateNames = [...]string{
	Idle:      "IDLE",
	GoalSent:  "GOAL_SENT",
	Accepted:  "ACCEPTED",
	Rejected:  "REJECTED",
	Feedback:  "FEEDBACK",
	Succeeded: "SUCCEEDED",
	Failed:    "FAILED",
	Canceled:  "CANCELED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == Rejected || s == Succeeded || s == Failed || s == Canceled
}

// Event drives a transition.
type Event int

const (
	EventSend Event = iota
	EventAccept
	EventReject
	EventFeedback
	EventSucceed
	EventAbort
	EventCancel
	EventError // transport failure while sending
)

var eventNames = [...]string{
	EventSend:     "send",
	EventAccept:   "accept",
	EventReject:   "reject",
	EventFeedback: "feedback",
	EventSucceed:  "succeed",
	EventAbort:    "abort",
	EventCancel:   "cancel",
	EventError:    "error",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// ResultEvent maps the final status reported by the server to an Event.
func ResultEvent(status bus.GoalStatus) Event {
	switch status {
	case bus.StatusSucceeded:
		return EventSucceed
	case bus.StatusCanceled:
		return EventCancel
	default:
		return EventAbort
	}
}

// Output tells the caller what a transition produced.
type Output int

const (
	// OutputNone: nothing to report.
	OutputNone Output = iota
	// OutputIgnored: the event does not apply in the current state.
	OutputIgnored
	OutputEmitAccepted
	OutputEmitFeedback
	OutputEmitResult
	OutputLogRejected
	OutputLogFailed
	OutputLogCanceled
)

// Emits reports whether o produces an outbound event.
func (o Output) Emits() bool {
	return o == OutputEmitAccepted || o == OutputEmitFeedback || o == OutputEmitResult
}

// Transition returns the state after ev and what to report. Events that do
// not apply leave the state unchanged with OutputIgnored.
func Transition(s State, ev Event) (State, Output) {
	switch s {
	case Idle:
		if ev == EventSend {
			return GoalSent, OutputNone
		}
	case GoalSent:
		switch ev {
		case EventAccept:
			return Accepted, OutputEmitAccepted
		case EventReject:
			return Rejected, OutputLogRejected
		case EventCancel:
			return Canceled, OutputLogCanceled
		case EventError:
			return Failed, OutputLogFailed
		}
	case Accepted, Feedback:
		switch ev {
		case EventFeedback:
			return Feedback, OutputEmitFeedback
		case EventSucceed:
			return Succeeded, OutputEmitResult
		case EventAbort, EventError:
			return Failed, OutputLogFailed
		case EventCancel:
			return Canceled, OutputLogCanceled
		}
	}
	return s, OutputIgnored
}
