package reporting

import (
	"fmt"
	"io"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// WriteSummary renders the end-of-run report for the console: aggregate
// counts first, then per-file lines for anything that needs a human look.
func WriteSummary(w io.Writer, summary shared.Summary, records []shared.ReportRecord) {
	fmt.Fprintf(w, "Processed %d file(s): %d uploaded, %d duplicate, %d failed, %d junk\n",
		summary.Total, summary.Succeeded, summary.Duplicate, summary.Failed, summary.Junk)
	if summary.Retries > 0 {
		fmt.Fprintf(w, "Rate-limit retries: %d\n", summary.Retries)
	}

	for _, rec := range records {
		switch rec.Classification {
		case shared.ClassSuccess:
			fmt.Fprintf(w, "  ok        %s (activity %d)\n", rec.File, rec.ActivityID)
		case shared.ClassDuplicate:
			fmt.Fprintf(w, "  duplicate %s\n", rec.File)
		case shared.ClassFailed:
			fmt.Fprintf(w, "  FAILED    %s: %s\n", rec.File, rec.Reason)
		case shared.ClassJunk:
			fmt.Fprintf(w, "  junk      %s: %s\n", rec.File, rec.Reason)
		}
	}
}
