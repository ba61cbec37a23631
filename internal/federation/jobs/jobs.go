// Package jobs adapts the sync engines to periodic tasks.
package jobs

import (
	"context"
	"errors"
	"log/slog"
)

const (
	ExportTaskName = "outbound-export"
	ImportTaskName = "inbound-import"
	SweepTaskName  = "sync-sweep"
)

type exporter interface {
	Run(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
}

type importer interface {
	Run(ctx context.Context) error
	RetryAll(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
}

// ExportTask publishes pending local keys.
type ExportTask struct {
	engine exporter
}

func NewExportTask(engine exporter) *ExportTask {
	return &ExportTask{engine: engine}
}

func (t *ExportTask) Name() string { return ExportTaskName }

func (t *ExportTask) Run(ctx context.Context) error {
	return t.engine.Run(ctx)
}

// ImportTask walks the configured window of batch dates.
type ImportTask struct {
	engine importer
}

func NewImportTask(engine importer) *ImportTask {
	return &ImportTask{engine: engine}
}

func (t *ImportTask) Name() string { return ImportTaskName }

func (t *ImportTask) Run(ctx context.Context) error {
	return t.engine.Run(ctx)
}

// SweepTask resolves stalled operations in both directions and retries
// failed inbound pages. Either engine may be nil when its direction is
// disabled.
type SweepTask struct {
	outbound exporter
	inbound  importer
	logger   *slog.Logger
}

func NewSweepTask(outbound exporter, inbound importer, logger *slog.Logger) *SweepTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepTask{outbound: outbound, inbound: inbound, logger: logger}
}

func (t *SweepTask) Name() string { return SweepTaskName }

// Run keeps going after a failing step so one direction cannot starve the
// other.
func (t *SweepTask) Run(ctx context.Context) error {
	var errs []error
	if t.outbound != nil {
		n, err := t.outbound.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			t.logger.InfoContext(ctx, "released stalled outbound operations", "count", n)
		}
	}
	if t.inbound != nil {
		n, err := t.inbound.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			t.logger.InfoContext(ctx, "marked stalled inbound operations failed", "count", n)
		}
		if err := t.inbound.RetryAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
