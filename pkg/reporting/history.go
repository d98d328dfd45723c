// Package reporting persists run outcomes and renders the end-of-run
// console summary.
package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// RunReport is one importer run as stored in the history file.
type RunReport struct {
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Summary    shared.Summary        `json:"summary"`
	Records    []shared.ReportRecord `json:"records"`
}

// NewRunReport stamps a fresh run id onto the given outcomes.
func NewRunReport(summary shared.Summary, records []shared.ReportRecord, startedAt, finishedAt time.Time) RunReport {
	return RunReport{
		RunID:      uuid.NewString(),
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		Summary:    summary,
		Records:    records,
	}
}

// History is the append-only run log kept alongside the activity folder.
type History struct {
	fsys billy.Filesystem
	name string
}

func NewHistory(fsys billy.Filesystem) *History {
	return &History{fsys: fsys, name: shared.HistoryFile}
}

// Load reads all previously recorded runs. A missing history file is an
// empty history.
func (h *History) Load() ([]RunReport, error) {
	data, err := util.ReadFile(h.fsys, h.name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var runs []RunReport
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("history file %s is corrupt: %w", h.name, err)
	}
	return runs, nil
}

// Append adds one run to the history file.
func (h *History) Append(report RunReport) error {
	runs, err := h.Load()
	if err != nil {
		return err
	}
	runs = append(runs, report)

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := util.WriteFile(h.fsys, h.name, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}
