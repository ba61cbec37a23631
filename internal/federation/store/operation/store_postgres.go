package operation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"efgs-sync/internal/federation/models"
	"efgs-sync/pkg/platform/sentinel"
	txcontext "efgs-sync/pkg/platform/tx"
)

// PostgresStore persists outbound and inbound operations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbtx {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// inTx runs fn in the context transaction, or in a new one.
func (s *PostgresStore) inTx(ctx context.Context, fn func(q dbtx) error) error {
	if tx, ok := txcontext.From(ctx); ok {
		return fn(tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockDate serializes inbound admission decisions for one batch date until
// the transaction ends.
func lockDate(ctx context.Context, q dbtx, date time.Time) error {
	_, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('efgs_inbound:' || $1))`, models.FormatDate(date))
	if err != nil {
		return fmt.Errorf("lock batch date: %w", err)
	}
	return nil
}

// -------- outbound ---------------------------------------------------------

func (s *PostgresStore) StartOutbound(ctx context.Context) (int64, error) {
	var id int64
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO efgs_outbound_operation (state, updated_at)
		VALUES ($1, NOW())
		RETURNING id
	`, models.StateStarted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start outbound operation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FinishOutbound(ctx context.Context, op models.OutboundOperation) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE efgs_outbound_operation
		SET state = $2, batch_tag = $3, keys_count_total = $4,
			keys_count_201 = $5, keys_count_409 = $6, keys_count_500 = $7, updated_at = NOW()
		WHERE id = $1 AND state = $8
	`, op.ID, models.StateFinished, op.BatchTag, op.KeysCount, op.Keys201, op.Keys409, op.Keys500, models.StateStarted)
	if err != nil {
		return fmt.Errorf("finish outbound operation: %w", err)
	}
	return expectOne(res, "finish outbound operation")
}

func (s *PostgresStore) FailOutbound(ctx context.Context, id int64, batchTag string) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE efgs_outbound_operation
		SET state = $2, batch_tag = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, models.StateError, batchTag, models.StateStarted)
	if err != nil {
		return fmt.Errorf("fail outbound operation: %w", err)
	}
	return expectOne(res, "fail outbound operation")
}

func (s *PostgresStore) DiscardOutbound(ctx context.Context, id int64) error {
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM efgs_outbound_operation WHERE id = $1 AND state = $2`, id, models.StateStarted)
	if err != nil {
		return fmt.Errorf("discard outbound operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOutbound(ctx context.Context, id int64) (*models.OutboundOperation, error) {
	var (
		op  models.OutboundOperation
		tag sql.NullString
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, state, batch_tag, keys_count_total, keys_count_201, keys_count_409, keys_count_500, updated_at
		FROM efgs_outbound_operation
		WHERE id = $1
	`, id).Scan(&op.ID, &op.State, &tag, &op.KeysCount, &op.Keys201, &op.Keys409, &op.Keys500, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get outbound operation: %w", err)
	}
	op.BatchTag = tag.String
	return &op, nil
}

// ResolveStalledOutbound moves STARTED operations last touched before cutoff
// to ERROR and returns their ids.
func (s *PostgresStore) ResolveStalledOutbound(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		UPDATE efgs_outbound_operation
		SET state = $1, updated_at = NOW()
		WHERE state = $2 AND updated_at < $3
		RETURNING id
	`, models.StateError, models.StateStarted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("resolve stalled outbound operations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled outbound operation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -------- inbound ----------------------------------------------------------

// AdmitInbound creates a STARTED operation for (date, tag) unless the page is
// already imported or being imported. A nil tag means the first page of the
// date.
func (s *PostgresStore) AdmitInbound(ctx context.Context, date time.Time, tag *string) (int64, bool, error) {
	var id int64
	admitted := false
	err := s.inTx(ctx, func(q dbtx) error {
		if err := lockDate(ctx, q, date); err != nil {
			return err
		}
		var exists bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM efgs_inbound_operation
				WHERE batch_date = $1 AND state <> $2 AND batch_tag IS NOT DISTINCT FROM $3
			)
		`, models.Day(date), models.StateError, nullString(tag)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check inbound admission: %w", err)
		}
		if exists {
			return nil
		}
		err = q.QueryRowContext(ctx, `
			INSERT INTO efgs_inbound_operation (state, batch_tag, batch_date, updated_at)
			VALUES ($1, $2, $3, NOW())
			RETURNING id
		`, models.StateStarted, nullString(tag), models.Day(date)).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert inbound operation: %w", err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("admit inbound operation: %w", err)
	}
	return id, admitted, nil
}

// AssignInboundTag records the tag the gateway returned for an untagged
// operation. It reports false when another live operation already owns it.
func (s *PostgresStore) AssignInboundTag(ctx context.Context, id int64, date time.Time, tag string) (bool, error) {
	assigned := false
	err := s.inTx(ctx, func(q dbtx) error {
		if err := lockDate(ctx, q, date); err != nil {
			return err
		}
		var taken bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM efgs_inbound_operation
				WHERE batch_date = $1 AND batch_tag = $2 AND state <> $3 AND id <> $4
			)
		`, models.Day(date), tag, models.StateError, id).Scan(&taken)
		if err != nil {
			return fmt.Errorf("check batch tag: %w", err)
		}
		if taken {
			return nil
		}
		res, err := q.ExecContext(ctx, `
			UPDATE efgs_inbound_operation SET batch_tag = $2, updated_at = NOW()
			WHERE id = $1
		`, id, tag)
		if err != nil {
			return fmt.Errorf("update batch tag: %w", err)
		}
		if err := expectOne(res, "assign batch tag"); err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("assign inbound tag: %w", err)
	}
	return assigned, nil
}

func (s *PostgresStore) DiscardInbound(ctx context.Context, id int64) error {
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM efgs_inbound_operation WHERE id = $1 AND state = $2`, id, models.StateStarted)
	if err != nil {
		return fmt.Errorf("discard inbound operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishInbound(ctx context.Context, op models.InboundOperation) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE efgs_inbound_operation
		SET state = $2, next_batch_tag = $3, keys_count_total = $4, keys_count_success = $5,
			keys_count_validation_failed = $6, keys_count_invalid_signature = $7, updated_at = NOW()
		WHERE id = $1 AND state = $8
	`, op.ID, models.StateFinished, nullString(op.NextBatchTag), op.KeysCount, op.KeysSuccess,
		op.KeysValidationFailed, op.KeysInvalidSignature, models.StateStarted)
	if err != nil {
		return fmt.Errorf("finish inbound operation: %w", err)
	}
	return expectOne(res, "finish inbound operation")
}

// FailInbound moves the operation to ERROR, keeping its batch tag, and
// returns the updated retry count.
func (s *PostgresStore) FailInbound(ctx context.Context, id int64) (int, error) {
	var retries int
	err := s.execer(ctx).QueryRowContext(ctx, `
		UPDATE efgs_inbound_operation
		SET state = $2, retry_count = LEAST(retry_count + 1, $3), updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id, models.StateError, models.MaxRetryCount).Scan(&retries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("fail inbound operation: %w", err)
	}
	return retries, nil
}

// NextInboundTag returns the next tag recorded by a FINISHED import of
// (date, tag). found is false when no such import exists.
func (s *PostgresStore) NextInboundTag(ctx context.Context, date time.Time, tag string) (*string, bool, error) {
	var next sql.NullString
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT next_batch_tag FROM efgs_inbound_operation
		WHERE batch_date = $1 AND batch_tag = $2 AND state = $3
		ORDER BY id DESC
		LIMIT 1
	`, models.Day(date), tag, models.StateFinished).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get next inbound tag: %w", err)
	}
	return stringPtr(next), true, nil
}

// ListRetryableInbound returns ERROR operations for date below the retry
// ceiling whose page has not since been imported by another operation.
func (s *PostgresStore) ListRetryableInbound(ctx context.Context, date time.Time) ([]models.InboundOperation, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT o.id, o.state, o.batch_tag, o.batch_date, o.next_batch_tag, o.keys_count_total,
			o.keys_count_success, o.keys_count_validation_failed, o.keys_count_invalid_signature,
			o.retry_count, o.updated_at
		FROM efgs_inbound_operation o
		WHERE o.batch_date = $1 AND o.state = $2 AND o.retry_count < $3
			AND NOT EXISTS (
				SELECT 1 FROM efgs_inbound_operation s
				WHERE s.batch_date = o.batch_date
					AND s.batch_tag IS NOT DISTINCT FROM o.batch_tag
					AND s.state <> $2
			)
		ORDER BY o.id
	`, models.Day(date), models.StateError, models.MaxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("list retryable inbound operations: %w", err)
	}
	defer rows.Close()

	var ops []models.InboundOperation
	for rows.Next() {
		op, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ClaimInboundRetry moves an ERROR operation back to STARTED. It reports
// false when the operation is at the retry ceiling, no longer in ERROR, or
// another live operation owns its page.
func (s *PostgresStore) ClaimInboundRetry(ctx context.Context, op models.InboundOperation) (bool, error) {
	claimed := false
	err := s.inTx(ctx, func(q dbtx) error {
		if err := lockDate(ctx, q, op.BatchDate); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `
			UPDATE efgs_inbound_operation o
			SET state = $2, updated_at = NOW()
			WHERE o.id = $1 AND o.state = $3 AND o.retry_count < $4
				AND NOT EXISTS (
					SELECT 1 FROM efgs_inbound_operation s
					WHERE s.batch_date = o.batch_date
						AND s.batch_tag IS NOT DISTINCT FROM o.batch_tag
						AND s.state <> $3
				)
		`, op.ID, models.StateStarted, models.StateError, models.MaxRetryCount)
		if err != nil {
			return fmt.Errorf("update inbound operation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim inbound retry: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) GetInbound(ctx context.Context, id int64) (*models.InboundOperation, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, state, batch_tag, batch_date, next_batch_tag, keys_count_total,
			keys_count_success, keys_count_validation_failed, keys_count_invalid_signature,
			retry_count, updated_at
		FROM efgs_inbound_operation
		WHERE id = $1
	`, id)
	op, err := scanInbound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get inbound operation: %w", err)
	}
	return &op, nil
}

// ResolveStalledInbound moves STARTED operations last touched before cutoff
// to ERROR, counting the stall as a failed attempt.
func (s *PostgresStore) ResolveStalledInbound(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE efgs_inbound_operation
		SET state = $1, retry_count = LEAST(retry_count + 1, $2), updated_at = NOW()
		WHERE state = $3 AND updated_at < $4
	`, models.StateError, models.MaxRetryCount, models.StateStarted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resolve stalled inbound operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// InboundWatermark returns the latest batch date with a FINISHED import.
func (s *PostgresStore) InboundWatermark(ctx context.Context) (time.Time, bool, error) {
	var date sql.NullTime
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT MAX(batch_date) FROM efgs_inbound_operation WHERE state = $1
	`, models.StateFinished).Scan(&date)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get inbound watermark: %w", err)
	}
	if !date.Valid {
		return time.Time{}, false, nil
	}
	return models.Day(date.Time), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInbound(row scanner) (models.InboundOperation, error) {
	var (
		op        models.InboundOperation
		tag, next sql.NullString
	)
	err := row.Scan(&op.ID, &op.State, &tag, &op.BatchDate, &next, &op.KeysCount, &op.KeysSuccess,
		&op.KeysValidationFailed, &op.KeysInvalidSignature, &op.RetryCount, &op.UpdatedAt)
	if err != nil {
		return models.InboundOperation{}, err
	}
	op.BatchTag = stringPtr(tag)
	op.NextBatchTag = stringPtr(next)
	op.BatchDate = models.Day(op.BatchDate)
	return op, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrInvalidState)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
