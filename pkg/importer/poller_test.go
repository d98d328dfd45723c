package importer

import (
	"context"
	"testing"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// fakeUploadClient answers with canned, per-call responses.
type fakeUploadClient struct {
	SubmitFunc      func(ctx context.Context, filename string, data []byte) (int64, error)
	CheckStatusFunc func(ctx context.Context, uploadID int64) (shared.UploadStatus, error)
}

func (f *fakeUploadClient) Submit(ctx context.Context, filename string, data []byte) (int64, error) {
	return f.SubmitFunc(ctx, filename, data)
}

func (f *fakeUploadClient) CheckStatus(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
	return f.CheckStatusFunc(ctx, uploadID)
}

func fastLimiter() *RateLimiter {
	return NewRateLimiter(LimiterConfig{SleepIncrement: time.Millisecond}, nil)
}

// resolveRecorder captures resolve callbacks.
type resolveRecorder struct {
	tasks  []*UploadTask
	events []Event
}

func (r *resolveRecorder) resolve(task *UploadTask, ev Event) {
	r.tasks = append(r.tasks, task)
	r.events = append(r.events, ev)
}

func TestStatusPoller_ResolvesAfterProcessing(t *testing.T) {
	checks := 0
	client := &fakeUploadClient{
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			checks++
			if checks < 3 {
				return shared.UploadStatus{State: shared.UploadProcessing}, nil
			}
			return shared.UploadStatus{State: shared.UploadReady, ActivityID: 777}, nil
		},
	}

	rec := &resolveRecorder{}
	p := newStatusPoller(client, fastLimiter(), time.Millisecond, 20, rec.resolve, nil)

	task := newUploadTask("ride.fit")
	task.State = StateAwaitingStatus
	task.UploadID = 42
	p.Register(task)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.sweep(ctx)
	}

	if checks != 3 {
		t.Errorf("Expected 3 status checks, got %d", checks)
	}
	if p.PendingCount() != 0 {
		t.Errorf("Expected empty pending set, got %d", p.PendingCount())
	}
	if len(rec.events) != 1 {
		t.Fatalf("Expected exactly one resolution, got %d", len(rec.events))
	}
	if rec.events[0].Kind != EventSucceeded || rec.events[0].ActivityID != 777 {
		t.Errorf("Expected success with activity 777, got %+v", rec.events[0])
	}

	// Further sweeps must not re-resolve the removed entry.
	p.sweep(ctx)
	if len(rec.events) != 1 {
		t.Errorf("Entry resolved more than once: %d events", len(rec.events))
	}
}

func TestStatusPoller_DuplicateAndError(t *testing.T) {
	client := &fakeUploadClient{
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			if uploadID == 1 {
				return shared.UploadStatus{State: shared.UploadDuplicate}, nil
			}
			return shared.UploadStatus{State: shared.UploadError, Reason: "malformed file"}, nil
		},
	}

	rec := &resolveRecorder{}
	p := newStatusPoller(client, fastLimiter(), time.Millisecond, 20, rec.resolve, nil)

	dup := newUploadTask("dup.fit")
	dup.State = StateAwaitingStatus
	dup.UploadID = 1
	bad := newUploadTask("bad.fit")
	bad.State = StateAwaitingStatus
	bad.UploadID = 2
	p.Register(dup)
	p.Register(bad)

	p.sweep(context.Background())

	if len(rec.events) != 2 {
		t.Fatalf("Expected 2 resolutions, got %d", len(rec.events))
	}
	byFile := map[string]Event{}
	for i, task := range rec.tasks {
		byFile[task.File] = rec.events[i]
	}
	if ev := byFile["dup.fit"]; ev.Kind != EventDuplicate {
		t.Errorf("dup.fit: expected duplicate event, got %+v", ev)
	}
	if ev := byFile["bad.fit"]; ev.Kind != EventFailed || ev.Reason != "malformed file" {
		t.Errorf("bad.fit: expected failure with remote reason, got %+v", ev)
	}
}

func TestStatusPoller_ThrottledCheckStaysPending(t *testing.T) {
	client := &fakeUploadClient{
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			return shared.UploadStatus{}, &shared.ThrottledError{RetryAfter: 30 * time.Second}
		},
	}

	rec := &resolveRecorder{}
	limiter := fastLimiter()
	p := newStatusPoller(client, limiter, time.Millisecond, 20, rec.resolve, nil)

	task := newUploadTask("ride.fit")
	task.State = StateAwaitingStatus
	task.UploadID = 7
	p.Register(task)

	p.sweep(context.Background())

	if p.PendingCount() != 1 {
		t.Errorf("Throttled entry left the pending set: %d pending", p.PendingCount())
	}
	if len(rec.events) != 0 {
		t.Errorf("Throttled entry resolved prematurely: %+v", rec.events)
	}
	if limiter.nextPermitIn() <= 0 {
		t.Error("Expected the limiter to hold back after a throttled check")
	}
}

func TestStatusPoller_TransientErrorsHitCeiling(t *testing.T) {
	client := &fakeUploadClient{
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			return shared.UploadStatus{}, &shared.NetworkError{Err: context.DeadlineExceeded}
		},
	}

	rec := &resolveRecorder{}
	p := newStatusPoller(client, fastLimiter(), time.Millisecond, 3, rec.resolve, nil)

	task := newUploadTask("ride.fit")
	task.State = StateAwaitingStatus
	task.UploadID = 7
	p.Register(task)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.sweep(ctx)
	}

	if len(rec.events) != 1 {
		t.Fatalf("Expected one resolution at the ceiling, got %d", len(rec.events))
	}
	if rec.events[0].Kind != EventFailed || rec.events[0].Reason != "status check timeout" {
		t.Errorf("Expected status check timeout, got %+v", rec.events[0])
	}
}

func TestStatusPoller_AbandonFailsAllPending(t *testing.T) {
	rec := &resolveRecorder{}
	p := newStatusPoller(&fakeUploadClient{}, fastLimiter(), time.Millisecond, 20, rec.resolve, nil)

	for _, name := range []string{"a.fit", "b.fit", "c.fit"} {
		task := newUploadTask(name)
		task.State = StateAwaitingStatus
		p.Register(task)
	}

	p.Abandon("cancelled while awaiting status")

	if p.PendingCount() != 0 {
		t.Errorf("Expected empty pending set, got %d", p.PendingCount())
	}
	if len(rec.events) != 3 {
		t.Fatalf("Expected 3 resolutions, got %d", len(rec.events))
	}
	for _, ev := range rec.events {
		if ev.Kind != EventFailed || ev.Reason != "cancelled while awaiting status" {
			t.Errorf("Expected abandonment failure, got %+v", ev)
		}
	}
}
