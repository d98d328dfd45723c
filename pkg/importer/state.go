package importer

import (
	"fmt"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// EventKind is what happened to a task.
type EventKind int

const (
	// EventUploadStarted marks a worker taking the task off the queue.
	EventUploadStarted EventKind = iota
	// EventUploadAccepted means the remote issued an upload handle; the
	// task moves to the poller pipeline.
	EventUploadAccepted
	// EventRequeued covers both throttling and transient network errors
	// that send the task back to the queue.
	EventRequeued
	// EventDuplicate is a remote duplicate detection, at submit or via a
	// status check. A successful outcome.
	EventDuplicate
	// EventSucceeded is a status check resolving to a created activity.
	EventSucceeded
	// EventFailed is any terminal failure; Reason is recorded verbatim.
	EventFailed
)

// Event carries an EventKind plus the data a terminal record needs.
type Event struct {
	Kind       EventKind
	ActivityID int64
	Reason     string
}

// ActionKind is the side effect a transition demands. The machine itself
// performs no I/O; the orchestrator executes the action exactly once.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRequeue
	// ActionDelete removes the local copy: the activity is confirmed
	// present on the remote account.
	ActionDelete
	// ActionQuarantine moves the local file to _failed for inspection.
	ActionQuarantine
)

// Action pairs the filesystem effect with the report classification for
// terminal transitions.
type Action struct {
	Kind           ActionKind
	Classification shared.Classification
	Reason         string
}

// Transition is the pure file state machine: (state, event) -> (next
// state, action). Terminal states accept no further events; transitions
// are never revisited.
func Transition(state State, ev Event) (State, Action, error) {
	if state.Terminal() {
		return state, Action{}, fmt.Errorf("state %s is terminal, cannot apply event %d", state, ev.Kind)
	}

	switch ev.Kind {
	case EventUploadStarted:
		if state != StatePending {
			return state, Action{}, fmt.Errorf("cannot start upload from %s", state)
		}
		return StateUploading, Action{}, nil

	case EventUploadAccepted:
		if state != StateUploading {
			return state, Action{}, fmt.Errorf("cannot accept upload from %s", state)
		}
		return StateAwaitingStatus, Action{}, nil

	case EventRequeued:
		if state != StateUploading {
			return state, Action{}, fmt.Errorf("cannot requeue from %s", state)
		}
		return StatePending, Action{Kind: ActionRequeue}, nil

	case EventDuplicate:
		if state != StateUploading && state != StateAwaitingStatus {
			return state, Action{}, fmt.Errorf("cannot resolve duplicate from %s", state)
		}
		return StateDuplicate, Action{
			Kind:           ActionDelete,
			Classification: shared.ClassDuplicate,
		}, nil

	case EventSucceeded:
		if state != StateUploading && state != StateAwaitingStatus {
			return state, Action{}, fmt.Errorf("cannot resolve success from %s", state)
		}
		return StateSuccess, Action{
			Kind:           ActionDelete,
			Classification: shared.ClassSuccess,
		}, nil

	case EventFailed:
		return StateFailed, Action{
			Kind:           ActionQuarantine,
			Classification: shared.ClassFailed,
			Reason:         ev.Reason,
		}, nil

	default:
		return state, Action{}, fmt.Errorf("unknown event %d", ev.Kind)
	}
}
