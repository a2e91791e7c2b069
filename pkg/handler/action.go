package handler

import "fmt"

// Action is the next step a protocol asks its handler to perform.
type Action int

const (
	// ActionNone parks the handler like ActionSetIdle.
	ActionNone Action = iota
	ActionInitialize
	ActionConnect
	ActionReceive
	ActionSend
	ActionPoll
	ActionWaitForSignal
	ActionDisconnect
	ActionDispose
	ActionSetIdle
	ActionReset
	ActionAsync
	ActionReleaseCapture
	ActionStopTransportSecurity

	// internal continuations, never returned by protocols
	actionPollElapsed
	actionSignaled
	actionMessage
	actionCaptureStart
	actionCaptureReleased
	actionControlReturned
	actionAsyncDone
	actionAccess
)

var actionNames = map[Action]string{
	ActionNone:                  "none",
	ActionInitialize:            "initialize",
	ActionConnect:               "connect",
	ActionReceive:               "receive",
	ActionSend:                  "send",
	ActionPoll:                  "poll",
	ActionWaitForSignal:         "wait_for_signal",
	ActionDisconnect:            "disconnect",
	ActionDispose:               "dispose",
	ActionSetIdle:               "set_idle",
	ActionReset:                 "reset",
	ActionAsync:                 "async",
	ActionReleaseCapture:        "release_capture",
	ActionStopTransportSecurity: "stop_transport_security",
	actionPollElapsed:           "poll_elapsed",
	actionSignaled:              "signaled",
	actionMessage:               "message",
	actionCaptureStart:          "capture_start",
	actionCaptureReleased:       "capture_released",
	actionControlReturned:       "control_returned",
	actionAsyncDone:             "async_done",
	actionAccess:                "access",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// State is the shared lifecycle of a handler. Transitions only go forward,
// except Active and Idle which alternate.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PollingState records what an idle handler is waiting for.
type PollingState int32

const (
	PollingDisabled PollingState = iota
	PollingTimerArmed
	PollingWaitingOnSignal
)

func (p PollingState) String() string {
	switch p {
	case PollingDisabled:
		return "disabled"
	case PollingTimerArmed:
		return "timer_armed"
	case PollingWaitingOnSignal:
		return "waiting_on_signal"
	default:
		return fmt.Sprintf("polling(%d)", int32(p))
	}
}

// EventKind identifies why a protocol is being called.
type EventKind int

const (
	EventInitialize EventKind = iota
	EventConnect
	EventReceive
	EventSend
	EventPoll
	EventSignal
	EventDisconnect
	EventReset
	EventMessage
	EventAsync
	EventStopTransportSecurity
	EventCaptureReleased
	EventControlReturned
)

var eventNames = [...]string{
	EventInitialize:            "initialize",
	EventConnect:               "connect",
	EventReceive:               "receive",
	EventSend:                  "send",
	EventPoll:                  "poll",
	EventSignal:                "signal",
	EventDisconnect:            "disconnect",
	EventReset:                 "reset",
	EventMessage:               "message",
	EventAsync:                 "async",
	EventStopTransportSecurity: "stop_transport_security",
	EventCaptureReleased:       "capture_released",
	EventControlReturned:       "control_returned",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}
