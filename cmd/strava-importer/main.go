// Command strava-importer bulk-uploads the activity files in a folder to
// Strava. Confirmed uploads and duplicates are deleted locally; failures
// are quarantined under _failed; non-activity FIT files are pre-swept
// into _junk. One run appends one entry to the upload history file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
	"github.com/ripixel/strava-bulk-importer/pkg/bootstrap"
	"github.com/ripixel/strava-bulk-importer/pkg/cleaner"
	"github.com/ripixel/strava-bulk-importer/pkg/importer"
	"github.com/ripixel/strava-bulk-importer/pkg/infrastructure/sentry"
	"github.com/ripixel/strava-bulk-importer/pkg/reporting"
)

func main() {
	dir := flag.String("dir", "", "activity folder (overrides ACTIVITY_DIR)")
	flag.Parse()

	logger := bootstrap.InitLogger("strava-importer")

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("Configuration error", "error", err)
		os.Exit(2)
	}
	if *dir != "" {
		cfg.ActivityDir = *dir
	}

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     "strava-importer",
	}, logger); err != nil {
		logger.Error("Sentry init failed", "error", err)
		os.Exit(2)
	}
	defer sentry.Flush(2 * time.Second)
	defer sentry.RecoverAndCapture(logger)

	if err := run(cfg); err != nil {
		sentry.CaptureException(err, map[string]interface{}{"activity_dir": cfg.ActivityDir}, logger)
		logger.Error("Import run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *bootstrap.Config) error {
	svc, err := bootstrap.NewService(cfg, nil)
	if err != nil {
		return err
	}
	log := svc.Logger

	if err := svc.Store.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare activity folder: %w", err)
	}

	candidates, err := svc.Store.Scan()
	if err != nil {
		return fmt.Errorf("scan activity folder: %w", err)
	}
	log.Info("Scanned activity folder", "dir", cfg.ActivityDir, "candidates", len(candidates))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	agg := importer.NewResultAggregator()

	sweeper := cleaner.NewSweeper(svc.Store, cfg.Concurrency, log)
	kept, junked, err := sweeper.Sweep(ctx, candidates)
	if err != nil {
		return fmt.Errorf("pre-sweep: %w", err)
	}
	for _, rec := range junked {
		agg.Record(rec)
	}

	if len(kept) == 0 {
		log.Info("Nothing to upload")
	} else {
		orch := importer.NewOrchestrator(svc.Client, svc.Store, svc.Limiter, agg, importer.Config{
			Concurrency:        cfg.Concurrency,
			MaxThrottleRetries: cfg.MaxThrottleRetries,
			MaxNetworkRetries:  cfg.MaxNetworkRetries,
			PollInterval:       cfg.PollInterval,
			MaxPollAttempts:    cfg.MaxPollAttempts,
		}, log)

		if err := orch.Run(ctx, kept); err != nil {
			// The run is drained: every file already has its record, so
			// the report below still tells the whole story.
			log.Warn("Run interrupted", "error", err)
		}
	}

	summary, records := agg.Finalize()

	history := reporting.NewHistory(osfs.New(cfg.ActivityDir))
	report := reporting.NewRunReport(summary, records, startedAt, time.Now())
	if err := history.Append(report); err != nil {
		log.Warn("Could not write upload history", "error", err)
	}

	reporting.WriteSummary(os.Stdout, summary, records)

	if summary.Failed > 0 {
		return fmt.Errorf("%d file(s) failed, see %s", summary.Failed, shared.FailedDir)
	}
	return nil
}
