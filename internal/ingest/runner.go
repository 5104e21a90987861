package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipseek/clipseek/internal/store"
)

// Backlog lists videos waiting for ingestion.
type Backlog interface {
	NextUploaded(ctx context.Context) (*store.Video, error)
}

// Runner polls the uploaded backlog and feeds videos to a pipeline across a
// fixed pool of workers. Claims are store-side CAS operations, so overlapping
// workers (or a second process) never double-ingest a video.
type Runner struct {
	backlog  Backlog
	pipeline *Pipeline
	workers  int
	poll     time.Duration
	logger   *slog.Logger
}

// NewRunner creates a Runner. workers <= 0 defaults to 2; pollInterval <= 0
// defaults to 500ms.
func NewRunner(backlog Backlog, pipeline *Pipeline, workers int, pollInterval time.Duration) *Runner {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Runner{
		backlog:  backlog,
		pipeline: pipeline,
		workers:  workers,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run processes the backlog until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			r.runWorker(ctx)
			return nil
		})
	}
	g.Wait()
}

func (r *Runner) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("ingestion iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce picks up and processes a single backlog video. Returns true if a
// video was attempted (regardless of outcome).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	v, err := r.backlog.NextUploaded(ctx)
	if err != nil {
		return false, fmt.Errorf("polling backlog: %w", err)
	}
	if v == nil {
		return false, nil
	}
	if err := r.pipeline.Run(ctx, v.ID); err != nil {
		return true, fmt.Errorf("processing video %s: %w", v.ID, err)
	}
	return true, nil
}
