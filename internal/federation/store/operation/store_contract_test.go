package operation

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"efgs-sync/internal/federation/models"
	"efgs-sync/pkg/platform/sentinel"
)

// operationStore is the behaviour shared by the memory and PostgreSQL stores.
type operationStore interface {
	StartOutbound(ctx context.Context) (int64, error)
	FinishOutbound(ctx context.Context, op models.OutboundOperation) error
	FailOutbound(ctx context.Context, id int64, batchTag string) error
	DiscardOutbound(ctx context.Context, id int64) error
	GetOutbound(ctx context.Context, id int64) (*models.OutboundOperation, error)
	ResolveStalledOutbound(ctx context.Context, cutoff time.Time) ([]int64, error)

	AdmitInbound(ctx context.Context, date time.Time, tag *string) (int64, bool, error)
	AssignInboundTag(ctx context.Context, id int64, date time.Time, tag string) (bool, error)
	DiscardInbound(ctx context.Context, id int64) error
	FinishInbound(ctx context.Context, op models.InboundOperation) error
	FailInbound(ctx context.Context, id int64) (int, error)
	NextInboundTag(ctx context.Context, date time.Time, tag string) (*string, bool, error)
	ListRetryableInbound(ctx context.Context, date time.Time) ([]models.InboundOperation, error)
	ClaimInboundRetry(ctx context.Context, op models.InboundOperation) (bool, error)
	GetInbound(ctx context.Context, id int64) (*models.InboundOperation, error)
	ResolveStalledInbound(ctx context.Context, cutoff time.Time) (int, error)
	InboundWatermark(ctx context.Context) (time.Time, bool, error)
}

var (
	_ operationStore = (*InMemoryStore)(nil)
	_ operationStore = (*PostgresStore)(nil)
)

// storeContractSuite runs against any operationStore. Embedding suites set
// store and now in SetupTest.
type storeContractSuite struct {
	suite.Suite
	ctx   context.Context
	store operationStore
	now   func() time.Time
}

var contractDate = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

func tagPtr(s string) *string { return &s }

func (s *storeContractSuite) admit(tag *string) int64 {
	id, ok, err := s.store.AdmitInbound(s.ctx, contractDate, tag)
	s.Require().NoError(err)
	s.Require().True(ok)
	return id
}

func (s *storeContractSuite) finish(id int64, next *string) {
	s.Require().NoError(s.store.FinishInbound(s.ctx, models.InboundOperation{ID: id, NextBatchTag: next, KeysCount: 3, KeysSuccess: 3}))
}

func (s *storeContractSuite) fail(id int64, times int) {
	for range times {
		_, err := s.store.FailInbound(s.ctx, id)
		s.Require().NoError(err)
	}
}

func (s *storeContractSuite) TestAdmitInbound() {
	s.Run("skips finished page", func() {
		id := s.admit(tagPtr("a-1"))
		s.finish(id, nil)

		_, ok, err := s.store.AdmitInbound(s.ctx, contractDate, tagPtr("a-1"))
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("skips page in flight", func() {
		s.admit(tagPtr("a-2"))

		_, ok, err := s.store.AdmitInbound(s.ctx, contractDate, tagPtr("a-2"))
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("skips second untagged start", func() {
		s.admit(nil)

		_, ok, err := s.store.AdmitInbound(s.ctx, contractDate, nil)
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("admits page whose previous attempt failed", func() {
		id := s.admit(tagPtr("a-3"))
		s.fail(id, 1)

		_, ok, err := s.store.AdmitInbound(s.ctx, contractDate, tagPtr("a-3"))
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("same tag on another date is independent", func() {
		id := s.admit(tagPtr("a-4"))
		s.finish(id, nil)

		_, ok, err := s.store.AdmitInbound(s.ctx, contractDate.AddDate(0, 0, 1), tagPtr("a-4"))
		s.Require().NoError(err)
		s.True(ok)
	})
}

func (s *storeContractSuite) TestAssignInboundTag() {
	owner := s.admit(tagPtr("b-1"))
	s.finish(owner, nil)

	untagged := s.admit(nil)
	ok, err := s.store.AssignInboundTag(s.ctx, untagged, contractDate, "b-1")
	s.Require().NoError(err)
	s.False(ok, "tag already imported by another operation")

	ok, err = s.store.AssignInboundTag(s.ctx, untagged, contractDate, "b-2")
	s.Require().NoError(err)
	s.True(ok)

	op, err := s.store.GetInbound(s.ctx, untagged)
	s.Require().NoError(err)
	s.Require().NotNil(op.BatchTag)
	s.Equal("b-2", *op.BatchTag)
}

func (s *storeContractSuite) TestFailInboundCapsRetryCount() {
	id := s.admit(tagPtr("c-1"))

	var retries int
	for range models.MaxRetryCount + 2 {
		var err error
		retries, err = s.store.FailInbound(s.ctx, id)
		s.Require().NoError(err)
	}
	s.Equal(models.MaxRetryCount, retries)

	op, err := s.store.GetInbound(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(models.StateError, op.State)
	s.Require().NotNil(op.BatchTag)
	s.Equal("c-1", *op.BatchTag)

	_, err = s.store.FailInbound(s.ctx, id+1000)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContractSuite) TestListRetryableInbound() {
	retryable := s.admit(tagPtr("d-1"))
	s.fail(retryable, 1)

	exhausted := s.admit(tagPtr("d-2"))
	s.fail(exhausted, models.MaxRetryCount)

	superseded := s.admit(tagPtr("d-3"))
	s.fail(superseded, 1)
	replacement := s.admit(tagPtr("d-3"))
	s.finish(replacement, nil)

	other := s.admit(tagPtr("d-4"))
	s.fail(other, 1)

	ops, err := s.store.ListRetryableInbound(s.ctx, contractDate)
	s.Require().NoError(err)

	var ids []int64
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	s.Equal([]int64{retryable, other}, ids)

	elsewhere, err := s.store.ListRetryableInbound(s.ctx, contractDate.AddDate(0, 0, 1))
	s.Require().NoError(err)
	s.Empty(elsewhere)
}

func (s *storeContractSuite) TestClaimInboundRetry() {
	id := s.admit(tagPtr("e-1"))
	s.fail(id, 1)

	op, err := s.store.GetInbound(s.ctx, id)
	s.Require().NoError(err)

	ok, err := s.store.ClaimInboundRetry(s.ctx, *op)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.ClaimInboundRetry(s.ctx, *op)
	s.Require().NoError(err)
	s.False(ok, "already claimed")

	claimed, err := s.store.GetInbound(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(models.StateStarted, claimed.State)
	s.Equal(1, claimed.RetryCount, "claiming does not count as a failure")

	s.Run("refuses operation at ceiling", func() {
		id := s.admit(tagPtr("e-2"))
		s.fail(id, models.MaxRetryCount)
		op, err := s.store.GetInbound(s.ctx, id)
		s.Require().NoError(err)

		ok, err := s.store.ClaimInboundRetry(s.ctx, *op)
		s.Require().NoError(err)
		s.False(ok)
	})
}

func (s *storeContractSuite) TestNextInboundTag() {
	_, found, err := s.store.NextInboundTag(s.ctx, contractDate, "f-1")
	s.Require().NoError(err)
	s.False(found)

	first := s.admit(tagPtr("f-1"))
	s.finish(first, tagPtr("f-2"))
	last := s.admit(tagPtr("f-2"))
	s.finish(last, nil)

	next, found, err := s.store.NextInboundTag(s.ctx, contractDate, "f-1")
	s.Require().NoError(err)
	s.True(found)
	s.Require().NotNil(next)
	s.Equal("f-2", *next)

	next, found, err = s.store.NextInboundTag(s.ctx, contractDate, "f-2")
	s.Require().NoError(err)
	s.True(found)
	s.Nil(next)
}

func (s *storeContractSuite) TestDiscardInbound() {
	id := s.admit(nil)
	s.Require().NoError(s.store.DiscardInbound(s.ctx, id))

	_, err := s.store.GetInbound(s.ctx, id)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, ok, err := s.store.AdmitInbound(s.ctx, contractDate, nil)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *storeContractSuite) TestResolveStalledInbound() {
	id := s.admit(tagPtr("g-1"))
	done := s.admit(tagPtr("g-2"))
	s.finish(done, nil)

	n, err := s.store.ResolveStalledInbound(s.ctx, s.now().Add(-time.Hour))
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.store.ResolveStalledInbound(s.ctx, s.now().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	op, err := s.store.GetInbound(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(models.StateError, op.State)
	s.Equal(1, op.RetryCount)
}

func (s *storeContractSuite) TestInboundWatermark() {
	_, found, err := s.store.InboundWatermark(s.ctx)
	s.Require().NoError(err)
	s.False(found)

	id := s.admit(tagPtr("h-1"))
	s.finish(id, nil)
	later, ok, err := s.store.AdmitInbound(s.ctx, contractDate.AddDate(0, 0, 2), tagPtr("h-1"))
	s.Require().NoError(err)
	s.Require().True(ok)
	s.fail(later, 1)

	mark, found, err := s.store.InboundWatermark(s.ctx)
	s.Require().NoError(err)
	s.True(found)
	s.True(mark.Equal(contractDate), "failed imports do not move the watermark, got %s", mark)
}

func (s *storeContractSuite) TestOutboundLifecycle() {
	id, err := s.store.StartOutbound(s.ctx)
	s.Require().NoError(err)

	err = s.store.FinishOutbound(s.ctx, models.OutboundOperation{
		ID: id, BatchTag: "FI20200601-1", KeysCount: 5, Keys201: 3, Keys409: 1, Keys500: 1,
	})
	s.Require().NoError(err)

	op, err := s.store.GetOutbound(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(models.StateFinished, op.State)
	s.Equal("FI20200601-1", op.BatchTag)
	s.Equal([]int{5, 3, 1, 1}, []int{op.KeysCount, op.Keys201, op.Keys409, op.Keys500})

	s.ErrorIs(s.store.FinishOutbound(s.ctx, models.OutboundOperation{ID: id}), sentinel.ErrInvalidState)
	s.ErrorIs(s.store.FailOutbound(s.ctx, id, "x"), sentinel.ErrInvalidState)

	failed, err := s.store.StartOutbound(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.store.FailOutbound(s.ctx, failed, "FI20200601-2"))
	op, err = s.store.GetOutbound(s.ctx, failed)
	s.Require().NoError(err)
	s.Equal(models.StateError, op.State)

	discarded, err := s.store.StartOutbound(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.store.DiscardOutbound(s.ctx, discarded))
	_, err = s.store.GetOutbound(s.ctx, discarded)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContractSuite) TestResolveStalledOutbound() {
	stalled, err := s.store.StartOutbound(s.ctx)
	s.Require().NoError(err)
	finished, err := s.store.StartOutbound(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.store.FinishOutbound(s.ctx, models.OutboundOperation{ID: finished, BatchTag: "t"}))

	ids, err := s.store.ResolveStalledOutbound(s.ctx, s.now().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal([]int64{stalled}, ids)

	op, err := s.store.GetOutbound(s.ctx, stalled)
	s.Require().NoError(err)
	s.Equal(models.StateError, op.State)
}
