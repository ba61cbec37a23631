// Package outbound publishes locally collected keys to the gateway.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"efgs-sync/internal/federation/events"
	"efgs-sync/internal/federation/metrics"
	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/transform"
	"efgs-sync/pkg/platform/tx"
)

// ErrProtocolInconsistency is returned when the gateway answers a resend of
// already accepted keys with another partial result. The operation is left
// in ERROR and never retried.
var ErrProtocolInconsistency = errors.New("gateway protocol inconsistency")

var errNothingClaimed = errors.New("nothing claimed")

const resendSuffix = "-2"

type Gateway interface {
	Upload(ctx context.Context, batchTag, signature string, keys []models.WireKey) (models.UploadResult, error)
}

type OperationStore interface {
	StartOutbound(ctx context.Context) (int64, error)
	FinishOutbound(ctx context.Context, op models.OutboundOperation) error
	FailOutbound(ctx context.Context, id int64, batchTag string) error
	DiscardOutbound(ctx context.Context, id int64) error
	ResolveStalledOutbound(ctx context.Context, cutoff time.Time) ([]int64, error)
}

type KeyStore interface {
	Claim(ctx context.Context, operationID int64, limit int) ([]models.LocalKey, error)
	ReturnNotSent(ctx context.Context, operationID int64, keys []models.LocalKey) error
	ReleaseOperation(ctx context.Context, operationID int64) (int, error)
}

type Signer interface {
	Sign(keys []models.WireKey) (string, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, e events.SyncEvent) error
}

type Config struct {
	Region         string
	BatchSize      int
	StallThreshold time.Duration
}

// Engine uploads pending keys in signed batches, one operation per batch.
type Engine struct {
	cfg       Config
	gateway   Gateway
	ops       OperationStore
	keys      KeyStore
	signer    Signer
	transform *transform.Transformer
	tx        tx.Runner
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

// WithTxRunner sets the runner that makes claim and bookkeeping atomic.
func WithTxRunner(r tx.Runner) Option {
	return func(e *Engine) {
		e.tx = r
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func New(cfg Config, gateway Gateway, ops OperationStore, keys KeyStore, signer Signer, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = models.StallThreshold
	}
	e := &Engine{
		cfg:     cfg,
		gateway: gateway,
		ops:     ops,
		keys:    keys,
		signer:  signer,
		tx:      tx.Passthrough{},
		logger:  slog.Default(),
		clock:   time.Now,
		tracer:  otel.Tracer("efgs-sync/outbound"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transform == nil {
		e.transform = transform.New(transform.WithLogger(e.logger))
	}
	return e
}

// BatchTag names an upload: region, UTC date and operation id.
func BatchTag(region string, at time.Time, operationID int64) string {
	return region + at.UTC().Format("20060102") + "-" + strconv.FormatInt(operationID, 10)
}

// Run uploads chunks until no keys are pending. A failed chunk is returned to
// the store and the loop moves on; returned keys are claimed again until they
// reach the retry ceiling. Upload failures are joined into the result, while a
// failing claim ends the run.
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "outbound.Run")
	defer span.End()

	var failed []error
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(failed, err)...)
		}
		id, local, err := e.claim(ctx)
		if errors.Is(err, errNothingClaimed) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return errors.Join(append(failed, err)...)
		}
		batches++
		if err := e.runBatch(ctx, id, local); err != nil {
			span.RecordError(err)
			failed = append(failed, err)
		}
	}
	span.SetAttributes(attribute.Int("batches", batches), attribute.Int("failed", len(failed)))
	if batches > 0 {
		e.logger.InfoContext(ctx, "outbound sync finished", "batches", batches, "failed", len(failed))
	}
	if len(failed) > 0 {
		err := errors.Join(failed...)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) runBatch(ctx context.Context, id int64, local []models.LocalKey) error {
	e.metrics.IncOutboundOperation()

	tag := BatchTag(e.cfg.Region, e.clock(), id)
	ctx, span := e.tracer.Start(ctx, "outbound.Upload", trace.WithAttributes(
		attribute.Int64("operation_id", id),
		attribute.String("batch_tag", tag),
		attribute.Int("keys", len(local)),
	))
	defer span.End()

	if err := e.upload(ctx, id, tag, local); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// claim starts an operation and assigns up to BatchSize keys to it in one
// transaction. An empty claim leaves no operation behind.
func (e *Engine) claim(ctx context.Context) (int64, []models.LocalKey, error) {
	var (
		id    int64
		local []models.LocalKey
	)
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.ops.StartOutbound(ctx)
		if err != nil {
			return err
		}
		local, err = e.keys.Claim(ctx, id, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(local) == 0 {
			return errNothingClaimed
		}
		return nil
	})
	if errors.Is(err, errNothingClaimed) {
		if derr := e.ops.DiscardOutbound(ctx, id); derr != nil {
			e.logger.WarnContext(ctx, "failed to discard empty outbound operation", "operation_id", id, "error", derr)
		}
		return 0, nil, errNothingClaimed
	}
	if err != nil {
		return 0, nil, fmt.Errorf("claim outbound keys: %w", err)
	}
	return id, local, nil
}

func (e *Engine) upload(ctx context.Context, id int64, tag string, local []models.LocalKey) error {
	local = transform.Shareable(local)
	wire := e.transform.ToWire(local)

	res, err := e.send(ctx, tag, wire)
	if err != nil {
		return e.fail(ctx, id, tag, local, err)
	}
	if !res.Partial {
		return e.finish(ctx, models.OutboundOperation{
			ID: id, BatchTag: tag, KeysCount: len(wire), Keys201: len(wire),
		}, nil)
	}

	accepted, notSent, err := splitBuckets(local, res.Buckets)
	if err != nil {
		return e.fail(ctx, id, tag, local, err)
	}
	e.logger.InfoContext(ctx, "partial upload, resending accepted keys",
		"operation_id", id,
		"batch_tag", tag,
		"accepted", len(accepted),
		"conflict", len(res.Buckets[409]),
		"failed", len(res.Buckets[500]),
	)

	if len(accepted) > 0 {
		resend, err := e.send(ctx, tag+resendSuffix, e.transform.ToWire(accepted))
		if err != nil {
			return e.fail(ctx, id, tag, local, err)
		}
		if resend.Partial {
			return e.inconsistent(ctx, id, tag)
		}
	}

	return e.finish(ctx, models.OutboundOperation{
		ID:        id,
		BatchTag:  tag,
		KeysCount: len(wire),
		Keys201:   len(res.Buckets[201]),
		Keys409:   len(res.Buckets[409]),
		Keys500:   len(res.Buckets[500]),
	}, notSent)
}

func (e *Engine) send(ctx context.Context, tag string, wire []models.WireKey) (models.UploadResult, error) {
	signature, err := e.signer.Sign(wire)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("sign batch %s: %w", tag, err)
	}
	return e.gateway.Upload(ctx, tag, signature, wire)
}

// splitBuckets separates keys the gateway accepted from the rest. Indices
// outside the batch mean the response cannot be trusted.
func splitBuckets(local []models.LocalKey, buckets map[int][]int) ([]models.LocalKey, []models.LocalKey, error) {
	accepted := make(map[int]bool, len(buckets[201]))
	for _, idx := range buckets[201] {
		if idx < 0 || idx >= len(local) {
			return nil, nil, fmt.Errorf("multi-status index %d out of range for %d keys", idx, len(local))
		}
		accepted[idx] = true
	}
	for status, indices := range buckets {
		for _, idx := range indices {
			if idx < 0 || idx >= len(local) {
				return nil, nil, fmt.Errorf("multi-status %d index %d out of range for %d keys", status, idx, len(local))
			}
		}
	}

	var ok, rest []models.LocalKey
	for i, k := range local {
		if accepted[i] {
			ok = append(ok, k)
		} else {
			rest = append(rest, k)
		}
	}
	return ok, rest, nil
}

func (e *Engine) finish(ctx context.Context, op models.OutboundOperation, notSent []models.LocalKey) error {
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.ops.FinishOutbound(ctx, op); err != nil {
			return err
		}
		return e.keys.ReturnNotSent(ctx, op.ID, notSent)
	})
	if err != nil {
		return fmt.Errorf("finish outbound operation %d: %w", op.ID, err)
	}

	e.metrics.AddOutboundKeys(map[int]int{201: op.Keys201, 409: op.Keys409, 500: op.Keys500})
	e.logger.InfoContext(ctx, "outbound batch uploaded",
		"operation_id", op.ID,
		"batch_tag", op.BatchTag,
		"keys", op.KeysCount,
		"keys_201", op.Keys201,
		"keys_409", op.Keys409,
		"keys_500", op.Keys500,
	)
	e.emit(ctx, events.SyncEvent{
		Kind:        events.KindOutboundFinished,
		OperationID: op.ID,
		BatchTag:    op.BatchTag,
		KeysTotal:   op.KeysCount,
		KeysStored:  op.Keys201,
	})
	return nil
}

// fail marks the operation ERROR and hands the whole chunk back.
func (e *Engine) fail(ctx context.Context, id int64, tag string, local []models.LocalKey, cause error) error {
	e.metrics.IncOutboundError()
	e.logger.ErrorContext(ctx, "outbound upload failed",
		"operation_id", id,
		"batch_tag", tag,
		"keys", len(local),
		"error", cause,
	)
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.ops.FailOutbound(ctx, id, tag); err != nil {
			return err
		}
		return e.keys.ReturnNotSent(ctx, id, local)
	})
	e.emit(ctx, events.SyncEvent{
		Kind:        events.KindOutboundFailed,
		OperationID: id,
		BatchTag:    tag,
		KeysTotal:   len(local),
		Error:       cause.Error(),
	})
	if err != nil {
		return errors.Join(fmt.Errorf("upload batch %s: %w", tag, cause), fmt.Errorf("record failure: %w", err))
	}
	return fmt.Errorf("upload batch %s: %w", tag, cause)
}

// inconsistent records a second partial answer. Keys stay assigned to the
// failed operation so they are not uploaded again.
func (e *Engine) inconsistent(ctx context.Context, id int64, tag string) error {
	e.metrics.IncOutboundError()
	e.metrics.IncProtocolInconsistency()
	e.logger.ErrorContext(ctx, "gateway answered resend with partial result",
		"operation_id", id,
		"batch_tag", tag,
	)
	if err := e.ops.FailOutbound(ctx, id, tag); err != nil {
		return errors.Join(ErrProtocolInconsistency, fmt.Errorf("record failure: %w", err))
	}
	e.emit(ctx, events.SyncEvent{
		Kind:        events.KindOutboundFailed,
		OperationID: id,
		BatchTag:    tag,
		Error:       ErrProtocolInconsistency.Error(),
	})
	return fmt.Errorf("upload batch %s: %w", tag, ErrProtocolInconsistency)
}

// Sweep moves operations stuck in STARTED to ERROR and releases their keys.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "outbound.Sweep")
	defer span.End()

	cutoff := e.clock().Add(-e.cfg.StallThreshold)
	var ids []int64
	released := 0
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		ids, err = e.ops.ResolveStalledOutbound(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := e.keys.ReleaseOperation(ctx, id)
			if err != nil {
				return err
			}
			released += n
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("sweep outbound operations: %w", err)
	}
	if len(ids) > 0 {
		for range ids {
			e.metrics.IncOutboundError()
		}
		e.logger.WarnContext(ctx, "resolved stalled outbound operations",
			"operations", len(ids),
			"keys_released", released,
		)
	}
	span.SetAttributes(attribute.Int("operations", len(ids)))
	return len(ids), nil
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
