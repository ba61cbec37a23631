package inbound

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"efgs-sync/internal/federation/models"
)

type pageImporter interface {
	ImportPage(ctx context.Context, date time.Time, tag string) error
}

// Trigger runs out-of-band page imports on a bounded set of goroutines.
type Trigger struct {
	importer pageImporter
	group    *errgroup.Group
	ctx      context.Context
	logger   *slog.Logger
}

// NewTrigger allows at most workers concurrent imports. Imports run with
// ctx, so cancelling it stops them.
func NewTrigger(ctx context.Context, importer pageImporter, workers int, logger *slog.Logger) *Trigger {
	if workers <= 0 {
		workers = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(workers)
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{importer: importer, group: g, ctx: ctx, logger: logger}
}

// Submit queues an import of the page and everything after it. It returns
// false without blocking when every worker is busy.
func (t *Trigger) Submit(date time.Time, tag string) bool {
	return t.group.TryGo(func() error {
		if err := t.importer.ImportPage(t.ctx, date, tag); err != nil {
			t.logger.ErrorContext(t.ctx, "triggered import failed",
				"batch_date", models.FormatDate(date),
				"batch_tag", tag,
				"error", err,
			)
		}
		return nil
	})
}

// Wait blocks until queued imports finish.
func (t *Trigger) Wait() {
	_ = t.group.Wait()
}
