package importer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// pollEntry is one in-flight upload handle owned by the poller.
type pollEntry struct {
	task        *UploadTask
	submittedAt time.Time
	attempts    int
	lastStatus  shared.UploadState
}

// StatusPoller is the single coordinator that resolves in-flight upload
// handles. Centralizing status checks keeps them from fanning out to one
// request per worker and starving uploads of the shared budget.
type StatusPoller struct {
	client  shared.UploadClient
	limiter *RateLimiter
	logger  *slog.Logger

	// idleDelay separates sweeps over the pending set; maxAttempts is
	// the per-handle status-check ceiling.
	idleDelay   time.Duration
	maxAttempts int

	// resolve hands a terminally classified task back to the
	// orchestrator. Called exactly once per entry.
	resolve func(task *UploadTask, ev Event)

	mu      sync.Mutex
	pending []*pollEntry
}

func newStatusPoller(client shared.UploadClient, limiter *RateLimiter, idleDelay time.Duration, maxAttempts int, resolve func(*UploadTask, Event), logger *slog.Logger) *StatusPoller {
	if idleDelay <= 0 {
		idleDelay = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPoller{
		client:      client,
		limiter:     limiter,
		logger:      logger.With("component", "poller"),
		idleDelay:   idleDelay,
		maxAttempts: maxAttempts,
		resolve:     resolve,
	}
}

// Register hands a task with a fresh upload handle to the poller. The
// task is owned by the poller pipeline from here on.
func (p *StatusPoller) Register(task *UploadTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, &pollEntry{task: task, submittedAt: time.Now()})
	p.logger.Debug("Registered upload for polling", "file", task.File, "upload_id", task.UploadID)
}

// PendingCount reports how many handles are still unresolved.
func (p *StatusPoller) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Start runs the poll loop until ctx is cancelled. The returned channel
// closes when the loop has exited.
func (p *StatusPoller) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			p.sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idleDelay):
			}
		}
	}()
	return done
}

// sweep checks every pending entry once, oldest submission first. Entries
// resolved to a terminal status are removed and handed back exactly once.
func (p *StatusPoller) sweep(ctx context.Context) {
	for _, entry := range p.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if err := p.limiter.Acquire(ctx); err != nil {
			return
		}

		status, err := p.client.CheckStatus(ctx, entry.task.UploadID)
		if err != nil {
			p.handleCheckError(entry, err)
			continue
		}
		p.limiter.ReportSuccess()

		switch status.State {
		case shared.UploadProcessing:
			entry.attempts++
			entry.lastStatus = status.State
			if entry.attempts >= p.maxAttempts {
				p.logger.Warn("Status check ceiling reached", "file", entry.task.File, "upload_id", entry.task.UploadID, "attempts", entry.attempts)
				p.finish(entry, Event{Kind: EventFailed, Reason: "status check timeout"})
			}

		case shared.UploadReady:
			p.logger.Info("Upload complete", "file", entry.task.File, "activity_id", status.ActivityID)
			p.finish(entry, Event{Kind: EventSucceeded, ActivityID: status.ActivityID})

		case shared.UploadDuplicate:
			p.logger.Info("Duplicate detected", "file", entry.task.File, "upload_id", entry.task.UploadID)
			p.finish(entry, Event{Kind: EventDuplicate})

		case shared.UploadError:
			p.finish(entry, Event{Kind: EventFailed, Reason: status.Reason})
		}
	}
}

func (p *StatusPoller) handleCheckError(entry *pollEntry, err error) {
	var throttled *shared.ThrottledError
	if errors.As(err, &throttled) {
		// The entry stays pending and is re-checked next sweep.
		p.limiter.ReportThrottled(throttled.RetryAfter)
		return
	}

	var authErr *shared.AuthError
	if errors.As(err, &authErr) {
		p.finish(entry, Event{Kind: EventFailed, Reason: authErr.Error()})
		return
	}

	var rejected *shared.RejectedError
	if errors.As(err, &rejected) {
		p.finish(entry, Event{Kind: EventFailed, Reason: rejected.Reason})
		return
	}

	// Transient: count it toward the same ceiling as still-processing
	// checks so a dead endpoint cannot pin an entry forever.
	entry.attempts++
	p.logger.Warn("Status check failed", "file", entry.task.File, "upload_id", entry.task.UploadID, "attempt", entry.attempts, "error", err)
	if entry.attempts >= p.maxAttempts {
		p.finish(entry, Event{Kind: EventFailed, Reason: "status check timeout"})
	}
}

// Abandon fails every pending entry with the given reason. Used when a
// force stop arrives before the pending set drains.
func (p *StatusPoller) Abandon(reason string) {
	for _, entry := range p.snapshot() {
		p.finish(entry, Event{Kind: EventFailed, Reason: reason})
	}
}

// snapshot copies the pending set, oldest submission first. Entries are
// appended in submission order so no sort is needed.
func (p *StatusPoller) snapshot() []*pollEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]*pollEntry, len(p.pending))
	copy(entries, p.pending)
	return entries
}

// finish removes the entry from the pending set and hands the task back.
func (p *StatusPoller) finish(entry *pollEntry, ev Event) {
	p.mu.Lock()
	for i, e := range p.pending {
		if e == entry {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.resolve(entry.task, ev)
}
