package importer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// fakeFileStore records the filesystem effects applied to it.
type fakeFileStore struct {
	mu          sync.Mutex
	removed     []string
	quarantined []string
	readErr     map[string]error
}

func (f *fakeFileStore) EnsureLayout() error { return nil }

func (f *fakeFileStore) Scan() ([]string, error) { return nil, nil }

func (f *fakeFileStore) Read(name string) ([]byte, error) {
	if err := f.readErr[name]; err != nil {
		return nil, err
	}
	return []byte("fit-bytes:" + name), nil
}

func (f *fakeFileStore) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeFileStore) MoveToFailed(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined = append(f.quarantined, name)
	return nil
}

func (f *fakeFileStore) MoveToJunk(name string) error { return nil }

func (f *fakeFileStore) contains(list []string, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func fastConfig() Config {
	return Config{
		Concurrency:        3,
		MaxThrottleRetries: 5,
		MaxNetworkRetries:  3,
		PollInterval:       time.Millisecond,
		MaxPollAttempts:    20,
		DrainGrace:         time.Second,
	}
}

func recordsByFile(records []shared.ReportRecord) map[string]shared.ReportRecord {
	byFile := make(map[string]shared.ReportRecord, len(records))
	for _, rec := range records {
		byFile[rec.File] = rec
	}
	return byFile
}

func TestOrchestrator_MixedOutcomes(t *testing.T) {
	// a: accepted then ready. b: duplicate at submit. c: rejected at
	// submit. d: accepted then resolved duplicate by the poller.
	var mu sync.Mutex
	ids := map[string]int64{"a.fit": 101, "d.fit": 104}

	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			switch filename {
			case "b.fit":
				return 0, &shared.DuplicateError{UploadID: 102}
			case "c.fit":
				return 0, &shared.RejectedError{Reason: "file is malformed"}
			default:
				mu.Lock()
				defer mu.Unlock()
				return ids[filename], nil
			}
		},
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			if uploadID == 104 {
				return shared.UploadStatus{State: shared.UploadDuplicate}, nil
			}
			return shared.UploadStatus{State: shared.UploadReady, ActivityID: 9000 + uploadID}, nil
		},
	}

	store := &fakeFileStore{}
	agg := NewResultAggregator()
	o := NewOrchestrator(client, store, fastLimiter(), agg, fastConfig(), nil)

	files := []string{"a.fit", "b.fit", "c.fit", "d.fit"}
	if err := o.Run(context.Background(), files); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, records := agg.Finalize()
	if summary.Total != 4 {
		t.Fatalf("Expected 4 records, got %d", summary.Total)
	}
	if summary.Succeeded != 1 || summary.Duplicate != 2 || summary.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	byFile := recordsByFile(records)
	if rec := byFile["a.fit"]; rec.Classification != shared.ClassSuccess || rec.ActivityID != 9101 {
		t.Errorf("a.fit: %+v", rec)
	}
	if rec := byFile["b.fit"]; rec.Classification != shared.ClassDuplicate || rec.UploadID != 102 {
		t.Errorf("b.fit: %+v", rec)
	}
	if rec := byFile["c.fit"]; rec.Classification != shared.ClassFailed || rec.Reason != "file is malformed" {
		t.Errorf("c.fit: %+v", rec)
	}
	if rec := byFile["d.fit"]; rec.Classification != shared.ClassDuplicate {
		t.Errorf("d.fit: %+v", rec)
	}

	// Success and duplicates delete the local copy; failures quarantine.
	for _, name := range []string{"a.fit", "b.fit", "d.fit"} {
		if !store.contains(store.removed, name) {
			t.Errorf("Expected %s deleted", name)
		}
		if store.contains(store.quarantined, name) {
			t.Errorf("%s both deleted and quarantined", name)
		}
	}
	if !store.contains(store.quarantined, "c.fit") {
		t.Error("Expected c.fit quarantined")
	}
	if store.contains(store.removed, "c.fit") {
		t.Error("c.fit both quarantined and deleted")
	}
}

func TestOrchestrator_ThrottleRetriesExhaust(t *testing.T) {
	submits := 0
	var mu sync.Mutex
	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			submits++
			return 0, &shared.ThrottledError{RetryAfter: time.Millisecond}
		},
	}

	cfg := fastConfig()
	cfg.MaxThrottleRetries = 2

	store := &fakeFileStore{}
	agg := NewResultAggregator()
	limiter := NewRateLimiter(LimiterConfig{SleepIncrement: time.Millisecond}, nil)
	o := NewOrchestrator(client, store, limiter, agg, cfg, nil)

	if err := o.Run(context.Background(), []string{"a.fit"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Initial attempt plus two retries.
	if submits != 3 {
		t.Errorf("Expected 3 submit attempts, got %d", submits)
	}

	summary, records := agg.Finalize()
	if summary.Failed != 1 || summary.Retries != 2 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if rec := records[0]; rec.Classification != shared.ClassFailed || rec.Reason != "rate-limit retries exhausted" {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if !store.contains(store.quarantined, "a.fit") {
		t.Error("Expected a.fit quarantined")
	}
}

func TestOrchestrator_TransientNetworkErrorsRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts <= 2 {
				return 0, &shared.NetworkError{Err: context.DeadlineExceeded}
			}
			return 55, nil
		},
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			return shared.UploadStatus{State: shared.UploadReady, ActivityID: 5555}, nil
		},
	}

	store := &fakeFileStore{}
	agg := NewResultAggregator()
	o := NewOrchestrator(client, store, fastLimiter(), agg, fastConfig(), nil)

	if err := o.Run(context.Background(), []string{"a.fit"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, records := agg.Finalize()
	if summary.Succeeded != 1 {
		t.Fatalf("Expected success after transient retries: %+v", summary)
	}
	if records[0].ActivityID != 5555 || records[0].UploadID != 55 {
		t.Errorf("Unexpected record: %+v", records[0])
	}
	if attempts != 3 {
		t.Errorf("Expected 3 submit attempts, got %d", attempts)
	}
}

func TestOrchestrator_UnreadableFileFailsWithoutRetry(t *testing.T) {
	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			t.Error("Submit called for an unreadable file")
			return 0, nil
		},
	}

	store := &fakeFileStore{readErr: map[string]error{"a.fit": context.DeadlineExceeded}}
	agg := NewResultAggregator()
	o := NewOrchestrator(client, store, fastLimiter(), agg, fastConfig(), nil)

	if err := o.Run(context.Background(), []string{"a.fit"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, _ := agg.Finalize()
	if summary.Failed != 1 {
		t.Errorf("Expected one failure, got %+v", summary)
	}
	if !store.contains(store.quarantined, "a.fit") {
		t.Error("Expected a.fit quarantined")
	}
}

func TestOrchestrator_CancelledRunSettlesEveryFile(t *testing.T) {
	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			return 1, nil
		},
	}

	store := &fakeFileStore{}
	agg := NewResultAggregator()
	o := NewOrchestrator(client, store, fastLimiter(), agg, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.Run(ctx, []string{"a.fit", "b.fit", "c.fit"})
	if err == nil {
		t.Fatal("Expected a cancellation error")
	}

	summary, records := agg.Finalize()
	if summary.Total != 3 || summary.Failed != 3 {
		t.Errorf("Expected every file settled as failed, got %+v", summary)
	}
	for _, rec := range records {
		if rec.Reason != "cancelled before upload" {
			t.Errorf("%s: expected cancellation reason, got %q", rec.File, rec.Reason)
		}
	}
}

func TestOrchestrator_TwelveFilesThroughATenPermitWindow(t *testing.T) {
	// More files than the short window allows: the run must still settle
	// every file with exactly one record, just slower.
	var mu sync.Mutex
	nextID := int64(0)
	client := &fakeUploadClient{
		SubmitFunc: func(ctx context.Context, filename string, data []byte) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			nextID++
			return nextID, nil
		},
		CheckStatusFunc: func(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
			return shared.UploadStatus{State: shared.UploadReady, ActivityID: 1000 + uploadID}, nil
		},
	}

	limiter := NewRateLimiter(LimiterConfig{
		WindowLimit:    10,
		WindowSize:     50 * time.Millisecond,
		SleepIncrement: 5 * time.Millisecond,
	}, nil)

	cfg := fastConfig()
	cfg.Concurrency = 5

	store := &fakeFileStore{}
	agg := NewResultAggregator()
	o := NewOrchestrator(client, store, limiter, agg, cfg, nil)

	files := make([]string, 12)
	for i := range files {
		files[i] = fmt.Sprintf("ride-%02d.fit", i)
	}

	if err := o.Run(context.Background(), files); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, records := agg.Finalize()
	if summary.Total != 12 || summary.Succeeded != 12 {
		t.Fatalf("Expected 12 successes, got %+v", summary)
	}

	seen := map[string]int{}
	for _, rec := range records {
		seen[rec.File]++
	}
	for _, name := range files {
		if seen[name] != 1 {
			t.Errorf("%s: expected exactly one record, got %d", name, seen[name])
		}
		if !store.contains(store.removed, name) {
			t.Errorf("%s: expected local copy deleted", name)
		}
	}
}

func TestOrchestrator_EmptyRunIsANoOp(t *testing.T) {
	o := NewOrchestrator(&fakeUploadClient{}, &fakeFileStore{}, fastLimiter(), NewResultAggregator(), fastConfig(), nil)
	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
