package inbound

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"efgs-sync/internal/federation/events"
	"efgs-sync/internal/federation/inbound/mocks"
	"efgs-sync/internal/federation/metrics"
	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/signing"
	"efgs-sync/internal/federation/store/keys"
	"efgs-sync/internal/federation/store/operation"
	"efgs-sync/pkg/platform/sentinel"
)

var batchDate = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

type EngineSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	gateway *mocks.MockGateway
	ops     *operation.InMemoryStore
	keys    *keys.InMemoryStore
	metrics *metrics.Metrics
	events  *events.Recorder
	dev     *signing.DevSigner
	de      *signing.Uploader
	fr      *signing.Uploader
	now     time.Time
	engine  *Engine
	ctx     context.Context
	seq     byte
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = mocks.NewMockGateway(s.ctrl)
	s.now = time.Date(2020, 6, 1, 18, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	s.ops = operation.New(operation.WithClock(clock))
	s.keys = keys.New()
	s.metrics = metrics.NewWithRegisterer(prometheus.NewRegistry())
	s.events = events.NewRecorder(32)
	s.ctx = context.Background()
	s.seq = 0

	var err error
	s.dev, err = signing.NewDevSigner("FI")
	s.Require().NoError(err)
	wall := time.Now()
	s.de, err = s.dev.NewUploader("DE", wall.Add(-time.Hour), wall.Add(time.Hour))
	s.Require().NoError(err)
	s.fr, err = s.dev.NewUploader("FR", wall.Add(-time.Hour), wall.Add(time.Hour))
	s.Require().NoError(err)

	s.engine = New(Config{LookbackDays: 1}, s.gateway, s.ops, s.keys, signing.NewVerifier(s.dev.TrustAnchor()),
		WithMetrics(s.metrics),
		WithEvents(s.events),
		WithClock(clock),
	)
}

func (s *EngineSuite) wireKeys(origin string, n int) []models.WireKey {
	out := make([]models.WireKey, 0, n)
	for range n {
		s.seq++
		data := make([]byte, models.KeyDataLength)
		data[0] = s.seq
		out = append(out, models.WireKey{
			KeyData:                    data,
			RollingStartIntervalNumber: models.IntervalNumber(batchDate.AddDate(0, 0, -2)),
			RollingPeriod:              144,
			TransmissionRiskLevel:      models.WireTransmissionRiskLevel,
			VisitedCountries:           []string{"FI"},
			Origin:                     origin,
			ReportType:                 models.ReportTypeConfirmedTest,
			DaysSinceOnsetOfSymptoms:   1,
		})
	}
	return out
}

func (s *EngineSuite) audit(u *signing.Uploader, ws []models.WireKey) models.AuditEntry {
	a, err := s.dev.AuditEntry(u, ws)
	s.Require().NoError(err)
	return a
}

// expectPage serves a fully signed page for tag, requested as reqTag.
func (s *EngineSuite) expectPage(reqTag, tag string, next *string, ws []models.WireKey) {
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, reqTag).
		Return(models.DownloadPage{Keys: ws, BatchTag: tag, NextBatchTag: next}, nil)
	s.gateway.EXPECT().FetchAudit(gomock.Any(), batchDate, tag).
		Return([]models.AuditEntry{s.audit(s.de, ws)}, nil)
}

func ptr(v string) *string { return &v }

func (s *EngineSuite) TestImportCountsPerSlice() {
	good := s.wireKeys("DE", 3)
	good[2].RollingStartIntervalNumber = models.IntervalNumber(s.now) + 10
	goodAudit := s.audit(s.de, good)

	signed := s.wireKeys("FR", 2)
	tampered := s.wireKeys("FR", 2)
	badAudit := s.audit(s.fr, signed)

	page := append(append([]models.WireKey{}, good...), tampered...)
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "").
		Return(models.DownloadPage{Keys: page, BatchTag: "b1"}, nil)
	s.gateway.EXPECT().FetchAudit(gomock.Any(), batchDate, "b1").
		Return([]models.AuditEntry{goodAudit, badAudit}, nil)

	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 1)
	op := ops[0]
	s.Equal(models.StateFinished, op.State)
	s.Equal("b1", *op.BatchTag)
	s.Nil(op.NextBatchTag)
	s.Equal(5, op.KeysCount)
	s.Equal(2, op.KeysSuccess)
	s.Equal(2, op.KeysInvalidSignature)
	s.Equal(1, op.KeysValidationFailed)

	stored := s.keys.All()
	s.Require().Len(stored, 2)
	for _, k := range stored {
		s.Equal("DE", k.Origin)
		s.Require().NotNil(k.DaysSinceOnsetOfSymptoms)
		s.Equal(int32(1), *k.DaysSinceOnsetOfSymptoms)
	}

	s.Equal(5.0, testutil.ToFloat64(s.metrics.InboundKeysOffered))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.InboundKeysInvalidSig))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.InboundKeysInvalidFormat))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.InboundKeysStored))
}

func (s *EngineSuite) TestWalkFollowsNextTags() {
	s.expectPage("", "p1", ptr("p2"), s.wireKeys("DE", 2))
	s.expectPage("p2", "p2", nil, s.wireKeys("DE", 1))

	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 2)
	s.Equal("p1", *ops[0].BatchTag)
	s.Equal("p2", *ops[0].NextBatchTag)
	s.Equal("p2", *ops[1].BatchTag)
	s.Nil(ops[1].NextBatchTag)
	s.Len(s.keys.All(), 3)
}

func (s *EngineSuite) TestRewalkHopsOverImportedPages() {
	first := s.wireKeys("DE", 2)
	second := s.wireKeys("DE", 1)
	s.expectPage("", "p1", ptr("p2"), first)
	s.expectPage("p2", "p2", nil, second)
	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))

	third := s.wireKeys("DE", 2)
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "").
		Return(models.DownloadPage{Keys: first, BatchTag: "p1", NextBatchTag: ptr("p2")}, nil)
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "p2").
		Return(models.DownloadPage{Keys: second, BatchTag: "p2", NextBatchTag: ptr("p3")}, nil)
	s.expectPage("p3", "p3", nil, third)

	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 3, "provisional first-page operation is discarded")
	s.Equal("p3", *ops[2].BatchTag)
	s.Len(s.keys.All(), 5)
}

func (s *EngineSuite) TestNoDataForDate() {
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "").Return(models.DownloadPage{}, nil)

	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))
	s.Empty(s.ops.ListInbound(s.ctx))
	s.Zero(testutil.ToFloat64(s.metrics.InboundErrors))
}

func (s *EngineSuite) TestServerErrorKeepsTagAndRetries() {
	ws := s.wireKeys("DE", 2)
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "").
		Return(models.DownloadPage{Keys: ws, BatchTag: "p1"}, nil)
	s.gateway.EXPECT().FetchAudit(gomock.Any(), batchDate, "p1").
		Return(nil, fmt.Errorf("audit: %w", sentinel.ErrUnavailable))

	err := s.engine.ImportDate(s.ctx, batchDate)
	s.Require().ErrorIs(err, sentinel.ErrUnavailable)

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 1)
	s.Equal(models.StateError, ops[0].State)
	s.Equal("p1", *ops[0].BatchTag)
	s.Equal(1, ops[0].RetryCount)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.InboundErrors))

	s.expectPage("p1", "p1", nil, ws)
	s.Require().NoError(s.engine.RetryErrors(s.ctx, batchDate))

	op, err := s.ops.GetInbound(s.ctx, ops[0].ID)
	s.Require().NoError(err)
	s.Equal(models.StateFinished, op.State)
	s.Equal(2, op.KeysSuccess)
	s.Len(s.ops.ListInbound(s.ctx), 1, "retry reuses the operation")
}

func (s *EngineSuite) TestRetryContinuesWalk() {
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "").
		Return(models.DownloadPage{}, fmt.Errorf("first page: %w", sentinel.ErrUnavailable))
	s.Require().Error(s.engine.ImportDate(s.ctx, batchDate))

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 1)
	s.Nil(ops[0].BatchTag, "failed before the gateway named the page")

	s.expectPage("", "p1", ptr("p2"), s.wireKeys("DE", 1))
	s.expectPage("p2", "p2", nil, s.wireKeys("DE", 1))
	s.Require().NoError(s.engine.RetryErrors(s.ctx, batchDate))

	ops = s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 2)
	for _, op := range ops {
		s.Equal(models.StateFinished, op.State)
	}
}

func (s *EngineSuite) TestRetryCeiling() {
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, gomock.Any()).
		Return(models.DownloadPage{}, fmt.Errorf("down: %w", sentinel.ErrUnavailable)).
		Times(models.MaxRetryCount)

	s.Require().Error(s.engine.ImportDate(s.ctx, batchDate))
	for range models.MaxRetryCount - 1 {
		s.Require().Error(s.engine.RetryErrors(s.ctx, batchDate))
	}
	s.Require().NoError(s.engine.RetryErrors(s.ctx, batchDate), "nothing left to retry")

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 1)
	s.Equal(models.StateError, ops[0].State)
	s.Equal(models.MaxRetryCount, ops[0].RetryCount)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.InboundRetriesExhausted))
	s.Equal(float64(models.MaxRetryCount), testutil.ToFloat64(s.metrics.InboundErrors))
}

func (s *EngineSuite) TestImportPageSkipsImportedTag() {
	s.expectPage("p1", "p1", nil, s.wireKeys("DE", 1))
	s.Require().NoError(s.engine.ImportPage(s.ctx, batchDate, "p1"))

	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "p1").
		Return(models.DownloadPage{BatchTag: "p1"}, nil)
	s.Require().NoError(s.engine.ImportPage(s.ctx, batchDate, "p1"))

	s.Len(s.ops.ListInbound(s.ctx), 1)
}

func (s *EngineSuite) TestVanishedTaggedPageFinishesEmpty() {
	s.gateway.EXPECT().Download(gomock.Any(), batchDate, "gone").Return(models.DownloadPage{}, nil)

	s.Require().NoError(s.engine.ImportPage(s.ctx, batchDate, "gone"))

	ops := s.ops.ListInbound(s.ctx)
	s.Require().Len(ops, 1)
	s.Equal(models.StateFinished, ops[0].State)
	s.Zero(ops[0].KeysCount)
}

func (s *EngineSuite) TestDates() {
	dates, err := s.engine.Dates(s.ctx)
	s.Require().NoError(err)
	s.Equal([]time.Time{batchDate.AddDate(0, 0, -1), batchDate}, dates)

	s.now = s.now.AddDate(0, 0, 5)
	dates, err = s.engine.Dates(s.ctx)
	s.Require().NoError(err)
	s.Len(dates, 2, "without a watermark only the lookback window is covered")

	s.now = batchDate.Add(12 * time.Hour)
	s.expectPage("p1", "p1", nil, s.wireKeys("DE", 1))
	s.Require().NoError(s.engine.ImportPage(s.ctx, batchDate, "p1"))

	s.now = batchDate.AddDate(0, 0, 5).Add(12 * time.Hour)
	dates, err = s.engine.Dates(s.ctx)
	s.Require().NoError(err)
	s.Len(dates, 6, "watermark extends the window back to the last imported date")
	s.Equal(batchDate, dates[0])

	s.now = batchDate.AddDate(0, 0, 40)
	dates, err = s.engine.Dates(s.ctx)
	s.Require().NoError(err)
	s.Len(dates, maxCatchUpDays+1, "catch-up stops at gateway retention")
}

func (s *EngineSuite) TestSweep() {
	_, ok, err := s.ops.AdmitInbound(s.ctx, batchDate, ptr("stuck"))
	s.Require().NoError(err)
	s.Require().True(ok)

	n, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	s.now = s.now.Add(models.StallThreshold + time.Second)
	n, err = s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *EngineSuite) TestEventsEmitted() {
	s.expectPage("", "p1", nil, s.wireKeys("DE", 1))
	s.Require().NoError(s.engine.ImportDate(s.ctx, batchDate))

	evs := s.events.Drain()
	s.Require().Len(evs, 1)
	s.Equal(events.KindInboundFinished, evs[0].Kind)
	s.Equal("2020-06-01", evs[0].BatchDate)
	s.Equal(1, evs[0].KeysStored)
}
