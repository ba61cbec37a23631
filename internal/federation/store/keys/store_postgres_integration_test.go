//go:build integration

package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"efgs-sync/pkg/platform/sentinel"
	"efgs-sync/pkg/platform/tx"
	"efgs-sync/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	storeContractSuite
	postgres *containers.PostgresContainer
	pg       *PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "exposure_key"))
	s.pg = NewPostgres(s.postgres.DB, WithLockTimeout(200*time.Millisecond))
	s.store = s.pg
}

func (s *PostgresStoreSuite) TestConcurrentClaimsSkipLockedRows() {
	s.submit(localKey(1, true), localKey(2, true))
	runner := tx.NewSQLRunner(s.postgres.DB)

	errStop := errors.New("stop")
	err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
		first, err := s.pg.Claim(ctx, 10, 1)
		s.Require().NoError(err)
		s.Require().Len(first, 1)

		second, err := s.pg.Claim(s.ctx, 11, 10)
		s.Require().NoError(err)
		s.Require().Len(second, 1)
		s.NotEqual(first[0].KeyData, second[0].KeyData)
		return errStop
	})
	s.ErrorIs(err, errStop)

	claimed, err := s.pg.Claim(s.ctx, 12, 10)
	s.Require().NoError(err)
	s.Len(claimed, 1, "rolled back claim frees its key")
}

func (s *PostgresStoreSuite) TestLockTimeoutIsUnavailable() {
	s.submit(localKey(1, true))
	runner := tx.NewSQLRunner(s.postgres.DB)

	errStop := errors.New("stop")
	err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
		txn, ok := tx.From(ctx)
		s.Require().True(ok)
		_, err := txn.ExecContext(ctx, `LOCK TABLE exposure_key IN ACCESS EXCLUSIVE MODE`)
		s.Require().NoError(err)

		_, err = s.pg.Claim(s.ctx, 10, 10)
		s.ErrorIs(err, sentinel.ErrUnavailable)
		return errStop
	})
	s.ErrorIs(err, errStop)
}
