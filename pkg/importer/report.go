package importer

import (
	"sync"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// ResultAggregator accumulates per-file outcomes into the final report.
// Records are append-only; nothing is ever overwritten or removed.
type ResultAggregator struct {
	mu      sync.Mutex
	records []shared.ReportRecord
	summary shared.Summary
}

func NewResultAggregator() *ResultAggregator {
	return &ResultAggregator{}
}

// Record appends one terminal outcome.
func (a *ResultAggregator) Record(rec shared.ReportRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, rec)
	a.summary.Total++
	switch rec.Classification {
	case shared.ClassSuccess:
		a.summary.Succeeded++
	case shared.ClassDuplicate:
		a.summary.Duplicate++
	case shared.ClassFailed:
		a.summary.Failed++
	case shared.ClassJunk:
		a.summary.Junk++
	}
}

// AddRetry counts a throttle-driven re-enqueue for the summary.
func (a *ResultAggregator) AddRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Retries++
}

// Finalize returns the summary counts and the ordered record sequence.
func (a *ResultAggregator) Finalize() (shared.Summary, []shared.ReportRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := make([]shared.ReportRecord, len(a.records))
	copy(records, a.records)
	return a.summary, records
}
