package importer

import "sync/atomic"

// State of a file in the upload pipeline. Transitions are one-way.
type State int

const (
	StatePending State = iota
	StateUploading
	StateAwaitingStatus
	StateSuccess
	StateDuplicate
	StateFailed
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateDuplicate || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUploading:
		return "uploading"
	case StateAwaitingStatus:
		return "awaiting_status"
	case StateSuccess:
		return "success"
	case StateDuplicate:
		return "duplicate"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UploadTask tracks one candidate file through the pipeline. A task is
// owned by whichever component currently acts on it (queue, worker or
// poller), never two at once.
type UploadTask struct {
	File string

	// Attempts counts throttle-driven re-enqueues; NetRetries counts
	// transient network retries. Independent ceilings apply.
	Attempts   int
	NetRetries int

	State      State
	UploadID   int64
	ActivityID int64
	Reason     string

	// finished guards the exactly-once terminal transition when a
	// cancellation races a poller resolution.
	finished atomic.Bool
}

func newUploadTask(file string) *UploadTask {
	return &UploadTask{File: file, State: StatePending}
}
