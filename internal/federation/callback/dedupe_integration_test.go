//go:build integration

package callback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"efgs-sync/pkg/testutil/containers"
)

type RedisDeduperSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	deduper *RedisDeduper
	ctx     context.Context
}

func TestRedisDeduperSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisDeduperSuite))
}

func (s *RedisDeduperSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisDeduperSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.redis.FlushAll(s.ctx))
	s.deduper = NewRedisDeduper(s.redis.Client, time.Minute)
}

func (s *RedisDeduperSuite) TestFirstSeenOnce() {
	date := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := s.deduper.FirstSeen(s.ctx, date, "DE-1")
	s.Require().NoError(err)
	s.True(first)

	again, err := s.deduper.FirstSeen(s.ctx, date, "DE-1")
	s.Require().NoError(err)
	s.False(again)

	other, err := s.deduper.FirstSeen(s.ctx, date.AddDate(0, 0, 1), "DE-1")
	s.Require().NoError(err)
	s.True(other)

	ttl, err := s.redis.Client.TTL(s.ctx, dedupeKey(date, "DE-1")).Result()
	s.Require().NoError(err)
	s.Positive(ttl)
}

func (s *RedisDeduperSuite) TestForget() {
	date := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.deduper.FirstSeen(s.ctx, date, "DE-2")
	s.Require().NoError(err)

	s.Require().NoError(s.deduper.Forget(s.ctx, date, "DE-2"))

	first, err := s.deduper.FirstSeen(s.ctx, date, "DE-2")
	s.Require().NoError(err)
	s.True(first)
}
