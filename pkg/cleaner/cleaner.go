// Package cleaner pre-sweeps the activity folder: FIT files whose file_id
// declares a non-activity type (settings, monitoring, workout exports and
// the like) are junk to the upload pipeline and get moved aside before
// any rate budget is spent on them.
package cleaner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/typedef"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

type Sweeper struct {
	store       shared.FileStore
	logger      *slog.Logger
	concurrency int
}

func NewSweeper(store shared.FileStore, concurrency int, logger *slog.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:       store,
		logger:      logger.With("component", "cleaner"),
		concurrency: concurrency,
	}
}

type verdict struct {
	junk   bool
	reason string
}

// Sweep inspects the candidates and moves junk files out of the folder.
// It returns the surviving candidates in their original order plus one
// report record per junked file. Files that cannot be decoded are kept:
// the upload pipeline classifies those with the remote's own error.
func (s *Sweeper) Sweep(ctx context.Context, files []string) ([]string, []shared.ReportRecord, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}

	verdicts := make([]verdict, len(files))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, name := range files {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-sem }()
			verdicts[i] = s.inspect(name)
		}(i, name)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return files, nil, err
	}

	kept := make([]string, 0, len(files))
	var junked []shared.ReportRecord
	for i, name := range files {
		v := verdicts[i]
		if !v.junk {
			kept = append(kept, name)
			continue
		}
		if err := s.store.MoveToJunk(name); err != nil {
			// Leave it in place; the upload attempt will classify it.
			s.logger.Warn("Could not move junk file", "file", name, "error", err)
			kept = append(kept, name)
			continue
		}
		s.logger.Info("Moved junk file", "file", name, "reason", v.reason)
		junked = append(junked, shared.ReportRecord{
			File:           name,
			Classification: shared.ClassJunk,
			Reason:         v.reason,
		})
	}
	return kept, junked, nil
}

// inspect peeks the file_id header without decoding the whole file.
func (s *Sweeper) inspect(name string) verdict {
	data, err := s.store.Read(name)
	if err != nil {
		s.logger.Warn("Could not read candidate", "file", name, "error", err)
		return verdict{}
	}

	fileId, err := decoder.New(bytes.NewReader(data)).PeekFileId()
	if err != nil {
		// Not decodable as FIT. Keep it; the remote rejection carries a
		// better reason than anything we could synthesize here.
		s.logger.Debug("Candidate did not decode", "file", name, "error", err)
		return verdict{}
	}

	if fileId.Type != typedef.FileActivity {
		return verdict{junk: true, reason: fmt.Sprintf("non-activity fit file (type %s)", fileId.Type)}
	}
	return verdict{}
}
