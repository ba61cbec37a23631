package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"efgs-sync/internal/federation/models"
	"efgs-sync/pkg/platform/sentinel"
	txcontext "efgs-sync/pkg/platform/tx"
)

const pgLockNotAvailable = "55P03"

// PostgresStore reads and writes the exposure_key table.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
	padding     padding
}

type Option func(*options)

type options struct {
	lockTimeout time.Duration
	padding     padding
}

// WithLockTimeout bounds how long Claim waits on row locks.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithPadding pads non-empty claims below minBatchSize with dummy keys of
// the given origin.
func WithPadding(minBatchSize int, region string) Option {
	return func(o *options) {
		o.padding.minBatchSize = minBatchSize
		o.padding.region = region
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.padding.clock = clock
	}
}

func applyOptions(opts []Option) options {
	o := options{
		lockTimeout: 10 * time.Second,
		padding:     padding{clock: time.Now},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewPostgres(db *sql.DB, opts ...Option) *PostgresStore {
	o := applyOptions(opts)
	return &PostgresStore{db: db, lockTimeout: o.lockTimeout, padding: o.padding}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

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

// Claim marks up to limit shareable keys with the operation id and returns
// them. Rows locked by a concurrent claim are skipped.
func (s *PostgresStore) Claim(ctx context.Context, operationID int64, limit int) ([]models.LocalKey, error) {
	var claimed []models.LocalKey
	err := s.inTx(ctx, func(q dbtx) error {
		if _, err := q.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
		rows, err := q.QueryContext(ctx, `
			WITH picked AS (
				SELECT key_data FROM exposure_key
				WHERE efgs_share AND efgs_sync_id IS NULL AND efgs_sync_retry_count < $2
				ORDER BY created_at, key_data
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE exposure_key k SET efgs_sync_id = $1
			FROM picked
			WHERE k.key_data = picked.key_data
			RETURNING k.key_data, k.transmission_risk_level, k.rolling_start_interval_number,
				k.rolling_period, array_to_string(k.visited_countries, ','),
				k.days_since_onset_of_symptoms, k.origin, k.consent_to_share
		`, operationID, models.MaxRetryCount, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			k, err := scanKey(rows)
			if err != nil {
				return fmt.Errorf("scan key: %w", err)
			}
			claimed = append(claimed, k)
		}
		return rows.Err()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, fmt.Errorf("claim keys: %w", sentinel.ErrUnavailable)
		}
		return nil, fmt.Errorf("claim keys: %w", err)
	}
	return s.padding.pad(claimed)
}

// ReturnNotSent releases keys the gateway did not accept so a later
// operation can pick them up, counting the attempt against each key.
func (s *PostgresStore) ReturnNotSent(ctx context.Context, operationID int64, keys []models.LocalKey) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(q dbtx) error {
		for _, k := range keys {
			if _, err := q.ExecContext(ctx, `
				UPDATE exposure_key
				SET efgs_sync_id = NULL, efgs_sync_retry_count = efgs_sync_retry_count + 1
				WHERE key_data = $1 AND efgs_sync_id = $2
			`, k.KeyData, operationID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("return unsent keys: %w", err)
	}
	return nil
}

// ReleaseOperation frees every key still claimed by the operation.
func (s *PostgresStore) ReleaseOperation(ctx context.Context, operationID int64) (int, error) {
	var n int64
	err := s.inTx(ctx, func(q dbtx) error {
		res, err := q.ExecContext(ctx, `
			UPDATE exposure_key
			SET efgs_sync_id = NULL, efgs_sync_retry_count = efgs_sync_retry_count + 1
			WHERE efgs_sync_id = $1
		`, operationID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release operation keys: %w", err)
	}
	return int(n), nil
}

// Store inserts keys imported from the gateway. Keys already present are
// skipped; imported keys are never shared back.
func (s *PostgresStore) Store(ctx context.Context, keys []models.LocalKey) (int, error) {
	return s.insert(ctx, keys, false)
}

// Submit inserts locally collected keys, sharing those with consent.
func (s *PostgresStore) Submit(ctx context.Context, keys []models.LocalKey) (int, error) {
	return s.insert(ctx, keys, true)
}

func (s *PostgresStore) insert(ctx context.Context, keys []models.LocalKey, share bool) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var stored int64
	err := s.inTx(ctx, func(q dbtx) error {
		for _, k := range keys {
			res, err := q.ExecContext(ctx, `
				INSERT INTO exposure_key (key_data, transmission_risk_level, rolling_start_interval_number,
					rolling_period, visited_countries, days_since_onset_of_symptoms, origin,
					consent_to_share, efgs_share)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (key_data) DO NOTHING
			`, k.KeyData, k.TransmissionRiskLevel, k.RollingStartIntervalNumber, k.RollingPeriod,
				pq.Array(append([]string{}, k.VisitedCountries...)), nullInt32(k.DaysSinceOnsetOfSymptoms),
				k.Origin, k.ConsentToShare, share && k.ConsentToShare)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			stored += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store keys: %w", err)
	}
	return int(stored), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (models.LocalKey, error) {
	var (
		k         models.LocalKey
		countries string
		dsos      sql.NullInt32
	)
	if err := row.Scan(&k.KeyData, &k.TransmissionRiskLevel, &k.RollingStartIntervalNumber,
		&k.RollingPeriod, &countries, &dsos, &k.Origin, &k.ConsentToShare); err != nil {
		return models.LocalKey{}, err
	}
	if countries != "" {
		k.VisitedCountries = strings.Split(countries, ",")
	}
	if dsos.Valid {
		v := dsos.Int32
		k.DaysSinceOnsetOfSymptoms = &v
	}
	return k, nil
}

func nullInt32(v *int32) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: *v, Valid: true}
}
