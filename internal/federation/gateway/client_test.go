package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"efgs-sync/internal/federation/gateway"
	"efgs-sync/internal/federation/gateway/gatewaytest"
	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/wire"
	"efgs-sync/internal/platform/config"
	"efgs-sync/pkg/platform/circuit"
	"efgs-sync/pkg/platform/sentinel"
)

var day = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

func wireKey(b byte) models.WireKey {
	data := make([]byte, models.KeyDataLength)
	data[0] = b
	return models.WireKey{
		KeyData:                    data,
		RollingStartIntervalNumber: 2650000,
		RollingPeriod:              144,
		TransmissionRiskLevel:      models.WireTransmissionRiskLevel,
		VisitedCountries:           []string{"DE"},
		Origin:                     "DE",
		ReportType:                 models.ReportTypeConfirmedTest,
		DaysSinceOnsetOfSymptoms:   2,
	}
}

type ClientSuite struct {
	suite.Suite
	hub    *gatewaytest.Hub
	srv    *httptest.Server
	client *gateway.Client
	ctx    context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.hub = gatewaytest.NewHub()
	s.srv = s.hub.Serve(s.T())
	s.client = gateway.New(s.srv.URL, gateway.WithHTTPClient(s.srv.Client()))
	s.ctx = context.Background()
}

func (s *ClientSuite) TestUploadSendsSignedBatch() {
	keys := []models.WireKey{wireKey(1), wireKey(2)}

	res, err := s.client.Upload(s.ctx, "FI20200601-1", "c2ln", keys)
	s.Require().NoError(err)
	s.False(res.Partial)

	uploads := s.hub.Uploads()
	s.Require().Len(uploads, 1)
	s.Equal("FI20200601-1", uploads[0].BatchTag)
	s.Equal("c2ln", uploads[0].Signature)
	s.Equal(wire.ContentType, uploads[0].ContentType)
	s.Equal(keys, uploads[0].Keys)
}

func (s *ClientSuite) TestUploadMultiStatus() {
	s.hub.RespondToUploads(func(gatewaytest.Upload) (int, map[int][]int) {
		return http.StatusMultiStatus, map[int][]int{201: {0, 1}, 409: {2}, 500: {3}}
	})

	res, err := s.client.Upload(s.ctx, "t", "sig", []models.WireKey{wireKey(1), wireKey(2), wireKey(3), wireKey(4)})
	s.Require().NoError(err)
	s.True(res.Partial)
	s.Equal(map[int][]int{201: {0, 1}, 409: {2}, 500: {3}}, res.Buckets)
}

func (s *ClientSuite) TestUploadErrors() {
	s.Run("server error is unavailable", func() {
		s.hub.RespondToUploads(func(gatewaytest.Upload) (int, map[int][]int) {
			return http.StatusBadGateway, nil
		})
		_, err := s.client.Upload(s.ctx, "t", "sig", []models.WireKey{wireKey(1)})
		s.ErrorIs(err, sentinel.ErrUnavailable)

		var statusErr *gateway.StatusError
		s.Require().ErrorAs(err, &statusErr)
		s.Equal(http.StatusBadGateway, statusErr.Status)
	})

	s.Run("client error is not retryable", func() {
		s.hub.RespondToUploads(func(gatewaytest.Upload) (int, map[int][]int) {
			return http.StatusBadRequest, nil
		})
		_, err := s.client.Upload(s.ctx, "t", "sig", []models.WireKey{wireKey(1)})
		s.Require().Error(err)
		s.NotErrorIs(err, sentinel.ErrUnavailable)
	})
}

func (s *ClientSuite) TestDownloadWalksPages() {
	s.hub.AddPage(day, gatewaytest.Page{Tag: "p1", Keys: []models.WireKey{wireKey(1)}})
	s.hub.AddPage(day, gatewaytest.Page{Tag: "p2", Keys: []models.WireKey{wireKey(2), wireKey(3)}})

	first, err := s.client.Download(s.ctx, day, "")
	s.Require().NoError(err)
	s.Equal("p1", first.BatchTag)
	s.Len(first.Keys, 1)
	s.Require().NotNil(first.NextBatchTag)
	s.Equal("p2", *first.NextBatchTag)

	second, err := s.client.Download(s.ctx, day, *first.NextBatchTag)
	s.Require().NoError(err)
	s.Equal("p2", second.BatchTag)
	s.Len(second.Keys, 2)
	s.Nil(second.NextBatchTag, "null sentinel means last page")
}

func (s *ClientSuite) TestDownloadWithoutDataIsEmpty() {
	page, err := s.client.Download(s.ctx, day, "")
	s.Require().NoError(err)
	s.Empty(page.BatchTag)
	s.Empty(page.Keys)
	s.Nil(page.NextBatchTag)
}

func (s *ClientSuite) TestDownloadServerError() {
	s.hub.AddPage(day, gatewaytest.Page{Tag: "p1"})
	s.hub.FailDownloads("p1", 1)

	_, err := s.client.Download(s.ctx, day, "p1")
	s.ErrorIs(err, sentinel.ErrUnavailable)

	page, err := s.client.Download(s.ctx, day, "p1")
	s.Require().NoError(err)
	s.Equal("p1", page.BatchTag)
}

func (s *ClientSuite) TestDownloadBodyLimit() {
	keys := []models.WireKey{wireKey(1), wireKey(2), wireKey(3)}
	s.hub.AddPage(day, gatewaytest.Page{Tag: "p1", Keys: keys})
	size := int64(len(wire.MarshalBatch(keys)))

	exact := gateway.New(s.srv.URL, gateway.WithMaxPageBody(size))
	page, err := exact.Download(s.ctx, day, "p1")
	s.Require().NoError(err)
	s.Len(page.Keys, 3)

	short := gateway.New(s.srv.URL, gateway.WithMaxPageBody(size-1))
	_, err = short.Download(s.ctx, day, "p1")
	s.ErrorIs(err, gateway.ErrBodyTooLarge)
}

func (s *ClientSuite) TestFetchAudit() {
	audits := []models.AuditEntry{{Country: "DE", Amount: 1, BatchSignature: "sig", SigningCertificate: "pem"}}
	s.hub.AddPage(day, gatewaytest.Page{Tag: "p1", Keys: []models.WireKey{wireKey(1)}, Audits: audits})

	got, err := s.client.FetchAudit(s.ctx, day, "p1")
	s.Require().NoError(err)
	s.Equal(audits, got)

	_, err = s.client.FetchAudit(s.ctx, day, "missing")
	var statusErr *gateway.StatusError
	s.Require().ErrorAs(err, &statusErr)
	s.Equal(http.StatusNotFound, statusErr.Status)
}

func (s *ClientSuite) TestCallbacks() {
	s.Require().NoError(s.client.RegisterCallback(s.ctx, "fi-1", "https://fi.example/efgs/callback"))

	list, err := s.client.ListCallbacks(s.ctx)
	s.Require().NoError(err)
	s.Equal([]gateway.Callback{{ID: "fi-1", URL: "https://fi.example/efgs/callback"}}, list)

	s.Require().NoError(s.client.DeleteCallback(s.ctx, "fi-1"))
	s.Empty(s.hub.Callbacks())

	err = s.client.DeleteCallback(s.ctx, "fi-1")
	s.Error(err)
}

func TestClientBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	breaker := circuit.New("gateway", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	client := gateway.New(srv.URL, gateway.WithBreaker(breaker))

	for range 2 {
		_, err := client.Download(context.Background(), day, "")
		require.ErrorIs(t, err, sentinel.ErrUnavailable)
	}
	assert.True(t, breaker.IsOpen())

	_, err := client.Download(context.Background(), day, "")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker skips the request")
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := gateway.New(srv.URL).Upload(context.Background(), "t", "s", nil)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gateway.New(srv.URL).Upload(ctx, "t", "s", nil)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("plain TLS", func(t *testing.T) {
		c, err := gateway.NewHTTPClient(config.Gateway{ConnectTimeout: time.Second, ReadTimeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, c.Timeout)
	})

	t.Run("missing client certificate", func(t *testing.T) {
		_, err := gateway.NewHTTPClient(config.Gateway{ClientCertFile: "/nonexistent.pem", ClientKeyFile: "/nonexistent.key"})
		require.Error(t, err)
	})

	t.Run("CA file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o600))
		_, err := gateway.NewHTTPClient(config.Gateway{CAFile: path})
		require.Error(t, err)
	})
}
