package importer

import (
	"testing"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

func TestResultAggregator_Counts(t *testing.T) {
	agg := NewResultAggregator()

	agg.Record(shared.ReportRecord{File: "a.fit", Classification: shared.ClassSuccess, ActivityID: 1})
	agg.Record(shared.ReportRecord{File: "b.fit", Classification: shared.ClassDuplicate})
	agg.Record(shared.ReportRecord{File: "c.fit", Classification: shared.ClassFailed, Reason: "boom"})
	agg.Record(shared.ReportRecord{File: "d.fit", Classification: shared.ClassSuccess, ActivityID: 2})
	agg.Record(shared.ReportRecord{File: "e.src", Classification: shared.ClassJunk, Reason: "not an activity"})
	agg.AddRetry()
	agg.AddRetry()

	summary, records := agg.Finalize()

	if summary.Total != 5 {
		t.Errorf("Expected 5 total, got %d", summary.Total)
	}
	if summary.Succeeded != 2 || summary.Duplicate != 1 || summary.Failed != 1 || summary.Junk != 1 {
		t.Errorf("Unexpected class counts: %+v", summary)
	}
	if summary.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", summary.Retries)
	}

	if len(records) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(records))
	}
	if records[0].File != "a.fit" || records[4].File != "e.src" {
		t.Error("Records not in insertion order")
	}
}

func TestResultAggregator_FinalizeReturnsCopy(t *testing.T) {
	agg := NewResultAggregator()
	agg.Record(shared.ReportRecord{File: "a.fit", Classification: shared.ClassSuccess})

	_, records := agg.Finalize()
	records[0].File = "mutated"

	_, again := agg.Finalize()
	if again[0].File != "a.fit" {
		t.Error("Finalize returned a view into internal state")
	}
}
