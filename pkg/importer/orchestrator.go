package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// Config tunes one orchestrated run.
type Config struct {
	Concurrency int

	// MaxThrottleRetries bounds throttle-driven re-enqueues per file;
	// MaxNetworkRetries bounds transient network retries independently.
	MaxThrottleRetries int
	MaxNetworkRetries  int

	// PollInterval and MaxPollAttempts are handed to the status poller.
	PollInterval    time.Duration
	MaxPollAttempts int

	// DrainGrace is how long the poller may keep resolving in-flight
	// handles after the run context is cancelled, before the pending set
	// is abandoned to quarantine.
	DrainGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxThrottleRetries <= 0 {
		c.MaxThrottleRetries = 5
	}
	if c.MaxNetworkRetries <= 0 {
		c.MaxNetworkRetries = 3
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 60 * time.Second
	}
	return c
}

// Orchestrator drives a queue of candidate files through bounded
// concurrent uploads, the shared rate budget and the status poller, and
// ties every outcome to exactly one filesystem action and report record.
type Orchestrator struct {
	client  shared.UploadClient
	store   shared.FileStore
	limiter *RateLimiter
	agg     *ResultAggregator
	logger  *slog.Logger
	cfg     Config

	// Run-scoped state.
	queue     chan *UploadTask
	inUpload  atomic.Int64 // tasks still in the queue or held by a worker
	unsettled sync.WaitGroup
	poller    *StatusPoller
}

func NewOrchestrator(client shared.UploadClient, store shared.FileStore, limiter *RateLimiter, agg *ResultAggregator, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:  client,
		store:   store,
		limiter: limiter,
		agg:     agg,
		logger:  logger.With("component", "worker"),
		cfg:     cfg.withDefaults(),
	}
}

// Run uploads the given files and returns once every file has reached a
// terminal classification or the run was cancelled and drained. An
// Orchestrator instance drives a single run.
func (o *Orchestrator) Run(ctx context.Context, files []string) error {
	if len(files) == 0 {
		return nil
	}

	o.queue = make(chan *UploadTask, len(files))
	o.inUpload.Store(int64(len(files)))
	o.unsettled.Add(len(files))

	for _, f := range files {
		o.queue <- newUploadTask(f)
	}

	// The poller outlives the run context so it can drain in-flight
	// handles after a cancellation.
	pollCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	o.poller = newStatusPoller(o.client, o.limiter, o.cfg.PollInterval, o.cfg.MaxPollAttempts, o.resolve, o.logger)
	pollerDone := o.poller.Start(pollCtx)

	concurrency := o.cfg.Concurrency
	if concurrency > len(files) {
		concurrency = len(files)
	}

	var workers sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			o.workerLoop(ctx)
		}()
	}
	workers.Wait()

	cancelled := ctx.Err() != nil
	if cancelled {
		o.drainQueue()
	}

	settled := make(chan struct{})
	go func() {
		o.unsettled.Wait()
		close(settled)
	}()

	if cancelled {
		// Let the poller keep resolving for a grace period, then
		// quarantine whatever is still pending.
		select {
		case <-settled:
		case <-time.After(o.cfg.DrainGrace):
			o.logger.Warn("Force stop: abandoning pending status checks", "pending", o.poller.PendingCount())
			o.poller.Abandon("cancelled while awaiting status")
			<-settled
		}
	} else {
		<-settled
	}

	stopPoller()
	<-pollerDone

	if cancelled {
		return fmt.Errorf("upload run cancelled: %w", ctx.Err())
	}
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-o.queue:
			if !ok {
				return
			}
			o.process(ctx, task)
		}
	}
}

// leaveUpload marks one task as out of the upload phase (terminal or
// handed to the poller). The queue closes when none are left, which is
// what lets the workers exit.
func (o *Orchestrator) leaveUpload() {
	if o.inUpload.Add(-1) == 0 {
		close(o.queue)
	}
}

// process drives one dequeued task through a single upload attempt.
// Every per-file error is recovered here; nothing propagates past the
// worker boundary.
func (o *Orchestrator) process(ctx context.Context, task *UploadTask) {
	task.State = StateUploading

	if err := o.limiter.Acquire(ctx); err != nil {
		o.terminal(task, Event{Kind: EventFailed, Reason: "cancelled before upload"})
		o.leaveUpload()
		return
	}

	data, err := o.store.Read(task.File)
	if err != nil {
		// Unreadable files are terminal immediately; retrying I/O here
		// would burn rate budget for nothing.
		o.terminal(task, Event{Kind: EventFailed, Reason: fmt.Sprintf("read error: %v", err)})
		o.leaveUpload()
		return
	}

	o.logger.Info("Uploading", "file", task.File, "attempt", task.Attempts+1)
	uploadID, err := o.client.Submit(ctx, task.File, data)
	if err == nil {
		o.limiter.ReportSuccess()
		task.State = StateAwaitingStatus
		task.UploadID = uploadID
		o.poller.Register(task)
		o.leaveUpload()
		return
	}

	o.handleSubmitError(ctx, task, err)
}

func (o *Orchestrator) handleSubmitError(ctx context.Context, task *UploadTask, err error) {
	var throttled *shared.ThrottledError
	if errors.As(err, &throttled) {
		o.limiter.ReportThrottled(throttled.RetryAfter)
		task.Attempts++
		if task.Attempts > o.cfg.MaxThrottleRetries {
			o.terminal(task, Event{Kind: EventFailed, Reason: "rate-limit retries exhausted"})
			o.leaveUpload()
			return
		}
		o.agg.AddRetry()
		o.logger.Info("Re-queueing after throttle", "file", task.File, "attempt", task.Attempts)
		o.requeue(task)
		return
	}

	var dup *shared.DuplicateError
	if errors.As(err, &dup) {
		task.UploadID = dup.UploadID
		o.terminal(task, Event{Kind: EventDuplicate})
		o.leaveUpload()
		return
	}

	var rejected *shared.RejectedError
	if errors.As(err, &rejected) {
		o.terminal(task, Event{Kind: EventFailed, Reason: rejected.Reason})
		o.leaveUpload()
		return
	}

	var authErr *shared.AuthError
	if errors.As(err, &authErr) {
		// The transport already spent its refresh-and-retry; no point
		// hammering the token endpoint per file.
		o.terminal(task, Event{Kind: EventFailed, Reason: authErr.Error()})
		o.leaveUpload()
		return
	}

	// Transient network failure, or the run context died mid-call.
	if ctx.Err() != nil {
		o.terminal(task, Event{Kind: EventFailed, Reason: "cancelled during upload"})
		o.leaveUpload()
		return
	}
	task.NetRetries++
	if task.NetRetries > o.cfg.MaxNetworkRetries {
		o.terminal(task, Event{Kind: EventFailed, Reason: fmt.Sprintf("network retries exhausted: %v", err)})
		o.leaveUpload()
		return
	}
	o.logger.Warn("Transient upload error, re-queueing", "file", task.File, "retry", task.NetRetries, "error", err)
	o.requeue(task)
}

// requeue puts a task back on the queue. Capacity equals the seed count,
// and a re-enqueued task was just dequeued, so this never blocks.
func (o *Orchestrator) requeue(task *UploadTask) {
	task.State = StatePending
	o.queue <- task
}

// drainQueue settles tasks still queued after the workers have exited.
func (o *Orchestrator) drainQueue() {
	for {
		select {
		case task, ok := <-o.queue:
			if !ok {
				return
			}
			o.terminal(task, Event{Kind: EventFailed, Reason: "cancelled before upload"})
			o.leaveUpload()
		default:
			return
		}
	}
}

// resolve is the poller's callback for tasks it has classified.
func (o *Orchestrator) resolve(task *UploadTask, ev Event) {
	o.terminal(task, ev)
}

// terminal applies the state machine's terminal action exactly once:
// the filesystem effect, the report record, and the settled count.
func (o *Orchestrator) terminal(task *UploadTask, ev Event) {
	if !task.finished.CompareAndSwap(false, true) {
		return
	}

	next, action, err := Transition(task.State, ev)
	if err != nil {
		// Should not happen; fail safe by quarantining.
		o.logger.Error("Invalid state transition", "file", task.File, "state", task.State, "error", err)
		next = StateFailed
		action = Action{Kind: ActionQuarantine, Classification: shared.ClassFailed, Reason: "internal state error"}
	}
	task.State = next
	task.ActivityID = ev.ActivityID
	task.Reason = action.Reason

	switch action.Kind {
	case ActionDelete:
		if err := o.store.Remove(task.File); err != nil {
			o.logger.Warn("Could not delete uploaded file", "file", task.File, "error", err)
		}
	case ActionQuarantine:
		if err := o.store.MoveToFailed(task.File); err != nil {
			o.logger.Error("Could not quarantine file", "file", task.File, "error", err)
		}
		o.logger.Info("Upload failed", "file", task.File, "reason", action.Reason)
	}

	o.agg.Record(shared.ReportRecord{
		File:           task.File,
		Classification: action.Classification,
		UploadID:       task.UploadID,
		ActivityID:     task.ActivityID,
		Reason:         task.Reason,
	})
	o.unsettled.Done()
}
