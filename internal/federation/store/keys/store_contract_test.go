package keys

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"efgs-sync/internal/federation/models"
)

type keyStore interface {
	Claim(ctx context.Context, operationID int64, limit int) ([]models.LocalKey, error)
	ReturnNotSent(ctx context.Context, operationID int64, keys []models.LocalKey) error
	ReleaseOperation(ctx context.Context, operationID int64) (int, error)
	Store(ctx context.Context, keys []models.LocalKey) (int, error)
	Submit(ctx context.Context, keys []models.LocalKey) (int, error)
}

var (
	_ keyStore = (*InMemoryStore)(nil)
	_ keyStore = (*PostgresStore)(nil)
)

type storeContractSuite struct {
	suite.Suite
	ctx   context.Context
	store keyStore
}

func localKey(b byte, consent bool) models.LocalKey {
	data := make([]byte, models.KeyDataLength)
	data[0] = b
	dsos := int32(3)
	return models.LocalKey{
		KeyData:                    data,
		TransmissionRiskLevel:      5,
		RollingStartIntervalNumber: models.IntervalNumber(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)),
		RollingPeriod:              144,
		VisitedCountries:           []string{"DE", "SE"},
		DaysSinceOnsetOfSymptoms:   &dsos,
		Origin:                     "FI",
		ConsentToShare:             consent,
	}
}

func keyIDs(keys []models.LocalKey) []byte {
	ids := make([]byte, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.KeyData[0])
	}
	return ids
}

func (s *storeContractSuite) submit(keys ...models.LocalKey) {
	n, err := s.store.Submit(s.ctx, keys)
	s.Require().NoError(err)
	s.Require().Equal(len(keys), n)
}

func (s *storeContractSuite) TestClaimTakesOnlyShareableUnclaimedKeys() {
	s.submit(localKey(1, true), localKey(2, false), localKey(3, true))
	_, err := s.store.Store(s.ctx, []models.LocalKey{localKey(4, true)})
	s.Require().NoError(err)

	claimed, err := s.store.Claim(s.ctx, 10, 100)
	s.Require().NoError(err)
	s.ElementsMatch([]byte{1, 3}, keyIDs(claimed))

	again, err := s.store.Claim(s.ctx, 11, 100)
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *storeContractSuite) TestClaimRespectsLimit() {
	s.submit(localKey(1, true), localKey(2, true), localKey(3, true))

	first, err := s.store.Claim(s.ctx, 10, 2)
	s.Require().NoError(err)
	s.Len(first, 2)

	second, err := s.store.Claim(s.ctx, 11, 2)
	s.Require().NoError(err)
	s.Len(second, 1)
}

func (s *storeContractSuite) TestClaimPreservesFields() {
	s.submit(localKey(7, true))

	claimed, err := s.store.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(localKey(7, true), claimed[0])
}

func (s *storeContractSuite) TestReturnNotSentMakesKeysClaimableUntilCeiling() {
	s.submit(localKey(1, true))

	for attempt := range models.MaxRetryCount {
		opID := int64(100 + attempt)
		claimed, err := s.store.Claim(s.ctx, opID, 10)
		s.Require().NoError(err)
		s.Require().Len(claimed, 1, "attempt %d", attempt)
		s.Require().NoError(s.store.ReturnNotSent(s.ctx, opID, claimed))
	}

	claimed, err := s.store.Claim(s.ctx, 200, 10)
	s.Require().NoError(err)
	s.Empty(claimed, "key at the retry ceiling is not claimed again")
}

func (s *storeContractSuite) TestReturnNotSentIgnoresOtherOperations() {
	s.submit(localKey(1, true))
	claimed, err := s.store.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)

	s.Require().NoError(s.store.ReturnNotSent(s.ctx, 99, claimed))

	again, err := s.store.Claim(s.ctx, 11, 10)
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *storeContractSuite) TestReleaseOperation() {
	s.submit(localKey(1, true), localKey(2, true))
	_, err := s.store.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)

	n, err := s.store.ReleaseOperation(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(2, n)

	claimed, err := s.store.Claim(s.ctx, 11, 10)
	s.Require().NoError(err)
	s.Len(claimed, 2)
}

func (s *storeContractSuite) TestStoreSkipsDuplicates() {
	n, err := s.store.Store(s.ctx, []models.LocalKey{localKey(1, true), localKey(2, true)})
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.Store(s.ctx, []models.LocalKey{localKey(2, true), localKey(3, true)})
	s.Require().NoError(err)
	s.Equal(1, n)

	claimed, err := s.store.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)
	s.Empty(claimed, "imported keys are not shared back")
}

func (s *storeContractSuite) TestStoreKeyWithoutOptionalFields() {
	k := localKey(9, true)
	k.VisitedCountries = nil
	k.DaysSinceOnsetOfSymptoms = nil
	s.submit(k)

	claimed, err := s.store.Claim(s.ctx, 10, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Empty(claimed[0].VisitedCountries)
	s.Nil(claimed[0].DaysSinceOnsetOfSymptoms)
}
