package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"efgs-sync/internal/federation/models"
)

type InMemoryStoreSuite struct {
	storeContractSuite
	mem *InMemoryStore
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.mem = New()
	s.store = s.mem
}

func (s *InMemoryStoreSuite) TestClaimOrderFollowsSubmission() {
	s.submit(localKey(3, true), localKey(1, true), localKey(2, true))

	claimed, err := s.mem.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)
	s.Equal([]byte{3, 1, 2}, keyIDs(claimed))
}

func (s *InMemoryStoreSuite) TestLookupReportsClaim() {
	s.submit(localKey(1, true))
	_, err := s.mem.Claim(s.ctx, 42, 10)
	s.Require().NoError(err)

	_, syncID, retries, ok := s.mem.Lookup(localKey(1, true).KeyData)
	s.Require().True(ok)
	s.Equal(int64(42), syncID)
	s.Zero(retries)
}

func TestClaimPadding(t *testing.T) {
	now := time.Date(2020, 6, 10, 8, 0, 0, 0, time.UTC)
	store := New(WithPadding(5, "FI"), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	t.Run("empty claim stays empty", func(t *testing.T) {
		claimed, err := store.Claim(ctx, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("short claim is padded with valid dummy keys", func(t *testing.T) {
		_, err := store.Submit(ctx, []models.LocalKey{localKey(1, true), localKey(2, true)})
		require.NoError(t, err)

		claimed, err := store.Claim(ctx, 2, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 5)

		for _, k := range claimed[2:] {
			assert.NoError(t, k.Validate())
			assert.Equal(t, "FI", k.Origin)
			assert.True(t, k.ConsentToShare)
			assert.LessOrEqual(t, k.RollingStartIntervalNumber, models.IntervalNumber(now))
		}
		assert.Len(t, store.All(), 2, "dummy keys are not persisted")
	})
}
