// Package inbound imports keys published by other countries through the
// gateway.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"efgs-sync/internal/federation/events"
	"efgs-sync/internal/federation/metrics"
	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/signing"
	"efgs-sync/internal/federation/transform"
)

type Gateway interface {
	Download(ctx context.Context, date time.Time, tag string) (models.DownloadPage, error)
	FetchAudit(ctx context.Context, date time.Time, tag string) ([]models.AuditEntry, error)
}

type OperationStore interface {
	AdmitInbound(ctx context.Context, date time.Time, tag *string) (int64, bool, error)
	AssignInboundTag(ctx context.Context, id int64, date time.Time, tag string) (bool, error)
	DiscardInbound(ctx context.Context, id int64) error
	FinishInbound(ctx context.Context, op models.InboundOperation) error
	FailInbound(ctx context.Context, id int64) (int, error)
	NextInboundTag(ctx context.Context, date time.Time, tag string) (*string, bool, error)
	ListRetryableInbound(ctx context.Context, date time.Time) ([]models.InboundOperation, error)
	ClaimInboundRetry(ctx context.Context, op models.InboundOperation) (bool, error)
	ResolveStalledInbound(ctx context.Context, cutoff time.Time) (int, error)
	InboundWatermark(ctx context.Context) (time.Time, bool, error)
}

type KeyStore interface {
	Store(ctx context.Context, keys []models.LocalKey) (int, error)
}

type Verifier interface {
	VerifyPage(ctx context.Context, keys []models.WireKey, audits []models.AuditEntry) signing.PageResult
}

type EventEmitter interface {
	Emit(ctx context.Context, e events.SyncEvent) error
}

// maxCatchUpDays is how far back the gateway keeps batches.
const maxCatchUpDays = 14

type Config struct {
	LookbackDays   int
	StallThreshold time.Duration
}

// Engine walks the gateway's pages for a date and stores verified keys.
// Every page is tracked as one operation so failures can be retried for the
// exact batch tag.
type Engine struct {
	cfg       Config
	gateway   Gateway
	ops       OperationStore
	keys      KeyStore
	verifier  Verifier
	transform *transform.Transformer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	events    EventEmitter
	clock     func() time.Time
	tracer    trace.Tracer
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithEvents(emitter EventEmitter) Option {
	return func(e *Engine) {
		e.events = emitter
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func New(cfg Config, gateway Gateway, ops OperationStore, keys KeyStore, verifier Verifier, opts ...Option) *Engine {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = models.StallThreshold
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}
	e := &Engine{
		cfg:      cfg,
		gateway:  gateway,
		ops:      ops,
		keys:     keys,
		verifier: verifier,
		logger:   slog.Default(),
		clock:    time.Now,
		tracer:   otel.Tracer("efgs-sync/inbound"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.transform = transform.New(transform.WithLogger(e.logger))
	return e
}

// Dates returns the batch dates a scheduled run covers, up to today. The
// window starts LookbackDays back, or at the watermark when the last import
// is older, but never beyond the gateway's retention.
func (e *Engine) Dates(ctx context.Context) ([]time.Time, error) {
	today := models.Day(e.clock())
	from := today.AddDate(0, 0, -e.cfg.LookbackDays)
	mark, ok, err := e.ops.InboundWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if ok && mark.Before(from) {
		from = mark
		if oldest := today.AddDate(0, 0, -maxCatchUpDays); from.Before(oldest) {
			from = oldest
		}
	}
	var dates []time.Time
	for d := from; !d.After(today); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}

// Run imports every date in the scheduled window.
func (e *Engine) Run(ctx context.Context) error {
	dates, err := e.Dates(ctx)
	if err != nil {
		return fmt.Errorf("resolve import dates: %w", err)
	}
	var errs []error
	for _, d := range dates {
		if err := e.ImportDate(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryAll retries failed pages for every date in the scheduled window.
func (e *Engine) RetryAll(ctx context.Context) error {
	dates, err := e.Dates(ctx)
	if err != nil {
		return fmt.Errorf("resolve retry dates: %w", err)
	}
	var errs []error
	for _, d := range dates {
		if err := e.RetryErrors(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ImportDate walks the date's pages from the first one.
func (e *Engine) ImportDate(ctx context.Context, date time.Time) error {
	ctx, span := e.tracer.Start(ctx, "inbound.ImportDate", trace.WithAttributes(
		attribute.String("batch_date", models.FormatDate(date)),
	))
	defer span.End()

	if err := e.walk(ctx, models.Day(date), nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("import %s: %w", models.FormatDate(date), err)
	}
	return nil
}

// ImportPage walks the date's pages starting at tag.
func (e *Engine) ImportPage(ctx context.Context, date time.Time, tag string) error {
	ctx, span := e.tracer.Start(ctx, "inbound.ImportPage", trace.WithAttributes(
		attribute.String("batch_date", models.FormatDate(date)),
		attribute.String("batch_tag", tag),
	))
	defer span.End()

	if err := e.walk(ctx, models.Day(date), &tag); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("import %s page %s: %w", models.FormatDate(date), tag, err)
	}
	return nil
}

// RetryErrors re-runs failed pages of date below the retry ceiling and
// continues the walk after each recovered page.
func (e *Engine) RetryErrors(ctx context.Context, date time.Time) error {
	ctx, span := e.tracer.Start(ctx, "inbound.RetryErrors", trace.WithAttributes(
		attribute.String("batch_date", models.FormatDate(date)),
	))
	defer span.End()

	day := models.Day(date)
	failed, err := e.ops.ListRetryableInbound(ctx, day)
	if err != nil {
		return fmt.Errorf("list retryable pages: %w", err)
	}

	var errs []error
	for _, op := range failed {
		claimed, err := e.ops.ClaimInboundRetry(ctx, op)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim retry %d: %w", op.ID, err))
			continue
		}
		if !claimed {
			continue
		}
		e.logger.InfoContext(ctx, "retrying inbound page",
			"operation_id", op.ID,
			"batch_date", models.FormatDate(day),
			"batch_tag", tagAttr(op.BatchTag),
			"retry_count", op.RetryCount,
		)
		next, err := e.runPage(ctx, op.ID, day, op.BatchTag)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if next != nil {
			if err := e.walk(ctx, day, next); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("retry %s: %w", models.FormatDate(day), err)
	}
	return nil
}

// Sweep moves operations stuck in STARTED to ERROR.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.ops.ResolveStalledInbound(ctx, e.clock().Add(-e.cfg.StallThreshold))
	if err != nil {
		return 0, fmt.Errorf("sweep inbound operations: %w", err)
	}
	if n > 0 {
		e.logger.WarnContext(ctx, "resolved stalled inbound operations", "operations", n)
	}
	return n, nil
}

// walk follows next tags from tag (nil for the first page) until the last
// page, hopping over pages that were already imported.
func (e *Engine) walk(ctx context.Context, date time.Time, tag *string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := e.step(ctx, date, tag)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		tag = next
	}
}

func (e *Engine) step(ctx context.Context, date time.Time, tag *string) (*string, error) {
	id, admitted, err := e.ops.AdmitInbound(ctx, date, tag)
	if err != nil {
		return nil, err
	}
	if admitted {
		return e.runPage(ctx, id, date, tag)
	}
	if tag == nil {
		// Another walker holds the untagged first page.
		return nil, nil
	}
	return e.hop(ctx, date, *tag)
}

// hop returns the tag after an already imported page. A page recorded as
// the last one is downloaded again, since the gateway may have appended
// pages since.
func (e *Engine) hop(ctx context.Context, date time.Time, tag string) (*string, error) {
	next, found, err := e.ops.NextInboundTag(ctx, date, tag)
	if err != nil {
		return nil, err
	}
	if !found || next != nil {
		return next, nil
	}
	page, err := e.gateway.Download(ctx, date, tag)
	if err != nil {
		return nil, fmt.Errorf("refresh next tag after %s: %w", tag, err)
	}
	return page.NextBatchTag, nil
}

// runPage downloads, verifies and stores one page for an operation already
// in STARTED, and returns the gateway's next tag.
func (e *Engine) runPage(ctx context.Context, id int64, date time.Time, tag *string) (*string, error) {
	ctx, span := e.tracer.Start(ctx, "inbound.Page", trace.WithAttributes(
		attribute.Int64("operation_id", id),
		attribute.String("batch_date", models.FormatDate(date)),
		attribute.String("batch_tag", tagAttr(tag)),
	))
	defer span.End()
	e.metrics.IncInboundOperation()

	page, err := e.gateway.Download(ctx, date, tagAttr(tag))
	if err != nil {
		return nil, e.fail(ctx, span, id, date, tag, err)
	}

	if page.BatchTag == "" {
		if tag == nil {
			// Nothing published for the date yet.
			if err := e.ops.DiscardInbound(ctx, id); err != nil {
				return nil, fmt.Errorf("discard empty import: %w", err)
			}
			return nil, nil
		}
		e.logger.WarnContext(ctx, "gateway no longer serves page",
			"operation_id", id,
			"batch_date", models.FormatDate(date),
			"batch_tag", *tag,
		)
		return nil, e.finish(ctx, models.InboundOperation{ID: id, BatchTag: tag, BatchDate: date}, 0)
	}

	if tag == nil {
		assigned, err := e.ops.AssignInboundTag(ctx, id, date, page.BatchTag)
		if err != nil {
			return nil, e.fail(ctx, span, id, date, tag, err)
		}
		if !assigned {
			if err := e.ops.DiscardInbound(ctx, id); err != nil {
				return nil, fmt.Errorf("discard duplicate import: %w", err)
			}
			return e.hop(ctx, date, page.BatchTag)
		}
		tag = &page.BatchTag
	}

	audits, err := e.gateway.FetchAudit(ctx, date, *tag)
	if err != nil {
		return nil, e.fail(ctx, span, id, date, tag, err)
	}

	verified := e.verifier.VerifyPage(ctx, page.Keys, audits)
	local, _ := e.transform.ToLocal(ctx, verified.Verified, models.IntervalNumber(e.clock()))
	stored, err := e.keys.Store(ctx, local)
	if err != nil {
		return nil, e.fail(ctx, span, id, date, tag, err)
	}

	op := models.InboundOperation{
		ID:                   id,
		BatchTag:             tag,
		BatchDate:            date,
		NextBatchTag:         page.NextBatchTag,
		KeysCount:            len(page.Keys),
		KeysSuccess:          len(local),
		KeysInvalidSignature: len(page.Keys) - len(verified.Verified),
		KeysValidationFailed: len(verified.Verified) - len(local),
	}
	span.SetAttributes(
		attribute.Int("keys", op.KeysCount),
		attribute.Int("keys_success", op.KeysSuccess),
	)
	if err := e.finish(ctx, op, stored); err != nil {
		return nil, err
	}
	return page.NextBatchTag, nil
}

func (e *Engine) finish(ctx context.Context, op models.InboundOperation, stored int) error {
	if err := e.ops.FinishInbound(ctx, op); err != nil {
		return fmt.Errorf("finish inbound operation %d: %w", op.ID, err)
	}
	e.metrics.AddInboundPage(op.KeysCount, op.KeysInvalidSignature, op.KeysValidationFailed, stored)
	e.logger.InfoContext(ctx, "inbound page imported",
		"operation_id", op.ID,
		"batch_date", models.FormatDate(op.BatchDate),
		"batch_tag", tagAttr(op.BatchTag),
		"keys", op.KeysCount,
		"keys_success", op.KeysSuccess,
		"keys_invalid_signature", op.KeysInvalidSignature,
		"keys_validation_failed", op.KeysValidationFailed,
		"keys_new", stored,
	)
	e.emit(ctx, events.SyncEvent{
		Kind:        events.KindInboundFinished,
		OperationID: op.ID,
		BatchTag:    tagAttr(op.BatchTag),
		BatchDate:   models.FormatDate(op.BatchDate),
		KeysTotal:   op.KeysCount,
		KeysStored:  op.KeysSuccess,
	})
	return nil
}

// fail moves the operation to ERROR, keeping its tag for the retry.
func (e *Engine) fail(ctx context.Context, span trace.Span, id int64, date time.Time, tag *string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	e.metrics.IncInboundError()

	retries, err := e.ops.FailInbound(ctx, id)
	if err != nil {
		return errors.Join(fmt.Errorf("import page %s: %w", tagAttr(tag), cause), fmt.Errorf("record failure: %w", err))
	}
	if retries >= models.MaxRetryCount {
		e.metrics.IncInboundRetriesExhausted()
	}
	e.logger.ErrorContext(ctx, "inbound page import failed",
		"operation_id", id,
		"batch_date", models.FormatDate(date),
		"batch_tag", tagAttr(tag),
		"retry_count", retries,
		"error", cause,
	)
	e.emit(ctx, events.SyncEvent{
		Kind:        events.KindInboundFailed,
		OperationID: id,
		BatchTag:    tagAttr(tag),
		BatchDate:   models.FormatDate(date),
		RetryCount:  retries,
		Error:       cause.Error(),
	})
	return fmt.Errorf("import page %s: %w", tagAttr(tag), cause)
}

func (e *Engine) emit(ctx context.Context, ev events.SyncEvent) {
	if e.events == nil {
		return
	}
	ev.OccurredAt = e.clock().UTC()
	if err := e.events.Emit(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to emit sync event", "kind", ev.Kind, "error", err)
	}
}

func tagAttr(tag *string) string {
	if tag == nil {
		return ""
	}
	return *tag
}
