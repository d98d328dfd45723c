package shared

import (
	"context"
)

// --- Upload boundary ---

// UploadState is the remote-side processing state of a submitted upload.
type UploadState int

const (
	UploadProcessing UploadState = iota
	UploadReady
	UploadDuplicate
	UploadError
)

// UploadStatus is the result of one status check for an upload handle.
type UploadStatus struct {
	State      UploadState
	ActivityID int64
	// Reason carries the remote-supplied error text when State is UploadError.
	Reason string
}

// UploadClient performs one upload call or one status check against the
// remote service. Errors are classified via the types in errors.go.
type UploadClient interface {
	// Submit uploads a whole activity file and returns the upload handle
	// assigned by the remote service.
	Submit(ctx context.Context, filename string, data []byte) (int64, error)

	// CheckStatus resolves the current processing state of an upload handle.
	CheckStatus(ctx context.Context, uploadID int64) (UploadStatus, error)
}

// --- Filesystem collaborator ---

// FileStore is the activity-folder filesystem boundary. Paths are names
// relative to the activity folder root.
type FileStore interface {
	// EnsureLayout creates the _junk, _failed and _processing subfolders.
	EnsureLayout() error

	// Scan returns the candidate activity files in the folder root,
	// extension-filtered case-insensitively, sorted by name. Files inside
	// the special subfolders are excluded.
	Scan() ([]string, error)

	Read(name string) ([]byte, error)

	// Remove deletes a file. A missing file is not an error; the file may
	// already have been processed by something else.
	Remove(name string) error

	// MoveToFailed quarantines a file into _failed for manual inspection.
	MoveToFailed(name string) error

	// MoveToJunk moves a non-activity file into _junk.
	MoveToJunk(name string) error
}

// --- Report types ---

// Classification is the terminal outcome of a file in the report.
type Classification string

const (
	ClassSuccess   Classification = "success"
	ClassDuplicate Classification = "duplicate"
	ClassFailed    Classification = "failed"
	ClassJunk      Classification = "junk"
)

// ReportRecord is the immutable per-file outcome. Exactly one record exists
// for every file that ever entered the pipeline.
type ReportRecord struct {
	File           string         `json:"file"`
	Classification Classification `json:"status"`
	UploadID       int64          `json:"upload_id,omitempty"`
	ActivityID     int64          `json:"activity_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Summary holds the final counts of a run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"success"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
	Junk      int `json:"junk"`
	Retries   int `json:"retries"`
}
