package operation

import (
	"context"
	"slices"
	"sync"
	"time"

	"efgs-sync/internal/federation/models"
	"efgs-sync/pkg/platform/sentinel"
)

// InMemoryStore keeps operations in process memory. It backs dev mode and
// tests; every method runs under one lock, which gives the same admission
// guarantees as the advisory lock in PostgreSQL.
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	outbound map[int64]*models.OutboundOperation
	inbound  map[int64]*models.InboundOperation
	clock    func() time.Time
}

type Option func(*InMemoryStore)

func WithClock(clock func() time.Time) Option {
	return func(s *InMemoryStore) {
		s.clock = clock
	}
}

func New(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		outbound: make(map[int64]*models.OutboundOperation),
		inbound:  make(map[int64]*models.InboundOperation),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// -------- outbound ---------------------------------------------------------

func (s *InMemoryStore) StartOutbound(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.outbound[id] = &models.OutboundOperation{ID: id, State: models.StateStarted, UpdatedAt: s.clock()}
	return id, nil
}

func (s *InMemoryStore) FinishOutbound(_ context.Context, op models.OutboundOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.outbound[op.ID]
	if !ok || cur.State != models.StateStarted {
		return sentinel.ErrInvalidState
	}
	cur.State = models.StateFinished
	cur.BatchTag = op.BatchTag
	cur.KeysCount = op.KeysCount
	cur.Keys201 = op.Keys201
	cur.Keys409 = op.Keys409
	cur.Keys500 = op.Keys500
	cur.UpdatedAt = s.clock()
	return nil
}

func (s *InMemoryStore) FailOutbound(_ context.Context, id int64, batchTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.outbound[id]
	if !ok || cur.State != models.StateStarted {
		return sentinel.ErrInvalidState
	}
	cur.State = models.StateError
	cur.BatchTag = batchTag
	cur.UpdatedAt = s.clock()
	return nil
}

func (s *InMemoryStore) DiscardOutbound(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.outbound[id]; ok && cur.State == models.StateStarted {
		delete(s.outbound, id)
	}
	return nil
}

func (s *InMemoryStore) GetOutbound(_ context.Context, id int64) (*models.OutboundOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.outbound[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	op := *cur
	return &op, nil
}

func (s *InMemoryStore) ResolveStalledOutbound(_ context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, op := range s.outbound {
		if op.State == models.StateStarted && op.UpdatedAt.Before(cutoff) {
			op.State = models.StateError
			op.UpdatedAt = s.clock()
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// -------- inbound ----------------------------------------------------------

func (s *InMemoryStore) liveFor(date time.Time, tag *string, exclude int64) bool {
	for id, op := range s.inbound {
		if id != exclude && op.State != models.StateError && op.BatchDate.Equal(date) && sameTag(op.BatchTag, tag) {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) AdmitInbound(_ context.Context, date time.Time, tag *string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := models.Day(date)
	if s.liveFor(day, tag, 0) {
		return 0, false, nil
	}
	id := s.id()
	s.inbound[id] = &models.InboundOperation{
		ID:        id,
		State:     models.StateStarted,
		BatchTag:  clonePtr(tag),
		BatchDate: day,
		UpdatedAt: s.clock(),
	}
	return id, true, nil
}

func (s *InMemoryStore) AssignInboundTag(_ context.Context, id int64, date time.Time, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inbound[id]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if s.liveFor(models.Day(date), &tag, id) {
		return false, nil
	}
	cur.BatchTag = &tag
	cur.UpdatedAt = s.clock()
	return true, nil
}

func (s *InMemoryStore) DiscardInbound(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inbound[id]; ok && cur.State == models.StateStarted {
		delete(s.inbound, id)
	}
	return nil
}

func (s *InMemoryStore) FinishInbound(_ context.Context, op models.InboundOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inbound[op.ID]
	if !ok || cur.State != models.StateStarted {
		return sentinel.ErrInvalidState
	}
	cur.State = models.StateFinished
	cur.NextBatchTag = clonePtr(op.NextBatchTag)
	cur.KeysCount = op.KeysCount
	cur.KeysSuccess = op.KeysSuccess
	cur.KeysValidationFailed = op.KeysValidationFailed
	cur.KeysInvalidSignature = op.KeysInvalidSignature
	cur.UpdatedAt = s.clock()
	return nil
}

func (s *InMemoryStore) FailInbound(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inbound[id]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	cur.State = models.StateError
	cur.RetryCount = min(cur.RetryCount+1, models.MaxRetryCount)
	cur.UpdatedAt = s.clock()
	return cur.RetryCount, nil
}

func (s *InMemoryStore) NextInboundTag(_ context.Context, date time.Time, tag string) (*string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.InboundOperation
	for _, op := range s.inbound {
		if op.State == models.StateFinished && op.BatchDate.Equal(models.Day(date)) && sameTag(op.BatchTag, &tag) {
			if found == nil || op.ID > found.ID {
				found = op
			}
		}
	}
	if found == nil {
		return nil, false, nil
	}
	return clonePtr(found.NextBatchTag), true, nil
}

func (s *InMemoryStore) ListRetryableInbound(_ context.Context, date time.Time) ([]models.InboundOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := models.Day(date)
	var ops []models.InboundOperation
	for _, op := range s.inbound {
		if op.State != models.StateError || !op.BatchDate.Equal(day) || op.RetryCount >= models.MaxRetryCount {
			continue
		}
		if s.liveFor(day, op.BatchTag, op.ID) {
			continue
		}
		ops = append(ops, cloneInbound(op))
	}
	slices.SortFunc(ops, func(a, b models.InboundOperation) int {
		return int(a.ID - b.ID)
	})
	return ops, nil
}

func (s *InMemoryStore) ClaimInboundRetry(_ context.Context, op models.InboundOperation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inbound[op.ID]
	if !ok || cur.State != models.StateError || cur.RetryCount >= models.MaxRetryCount {
		return false, nil
	}
	if s.liveFor(cur.BatchDate, cur.BatchTag, cur.ID) {
		return false, nil
	}
	cur.State = models.StateStarted
	cur.UpdatedAt = s.clock()
	return true, nil
}

func (s *InMemoryStore) GetInbound(_ context.Context, id int64) (*models.InboundOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inbound[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	op := cloneInbound(cur)
	return &op, nil
}

func (s *InMemoryStore) ResolveStalledInbound(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.inbound {
		if op.State == models.StateStarted && op.UpdatedAt.Before(cutoff) {
			op.State = models.StateError
			op.RetryCount = min(op.RetryCount+1, models.MaxRetryCount)
			op.UpdatedAt = s.clock()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) InboundWatermark(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest time.Time
		found  bool
	)
	for _, op := range s.inbound {
		if op.State == models.StateFinished && (!found || op.BatchDate.After(latest)) {
			latest = op.BatchDate
			found = true
		}
	}
	return latest, found, nil
}

// ListInbound returns every inbound operation ordered by id.
func (s *InMemoryStore) ListInbound(_ context.Context) []models.InboundOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]models.InboundOperation, 0, len(s.inbound))
	for _, op := range s.inbound {
		ops = append(ops, cloneInbound(op))
	}
	slices.SortFunc(ops, func(a, b models.InboundOperation) int {
		return int(a.ID - b.ID)
	})
	return ops
}

func sameTag(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInbound(op *models.InboundOperation) models.InboundOperation {
	out := *op
	out.BatchTag = clonePtr(op.BatchTag)
	out.NextBatchTag = clonePtr(op.NextBatchTag)
	return out
}
