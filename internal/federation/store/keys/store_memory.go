package keys

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"efgs-sync/internal/federation/models"
)

type record struct {
	key     models.LocalKey
	seq     int64
	share   bool
	syncID  int64
	retries int
}

// InMemoryStore is the exposure key table held in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	seq     int64
	records map[string]*record
	padding padding
}

func New(opts ...Option) *InMemoryStore {
	o := applyOptions(opts)
	return &InMemoryStore{
		records: make(map[string]*record),
		padding: o.padding,
	}
}

func (s *InMemoryStore) Claim(_ context.Context, operationID int64, limit int) ([]models.LocalKey, error) {
	s.mu.Lock()
	pending := make([]*record, 0)
	for _, r := range s.records {
		if r.share && r.syncID == 0 && r.retries < models.MaxRetryCount {
			pending = append(pending, r)
		}
	}
	slices.SortFunc(pending, func(a, b *record) int {
		return int(a.seq - b.seq)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	claimed := make([]models.LocalKey, 0, len(pending))
	for _, r := range pending {
		r.syncID = operationID
		claimed = append(claimed, cloneKey(r.key))
	}
	s.mu.Unlock()
	return s.padding.pad(claimed)
}

func (s *InMemoryStore) ReturnNotSent(_ context.Context, operationID int64, keys []models.LocalKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if r, ok := s.records[string(k.KeyData)]; ok && r.syncID == operationID {
			r.syncID = 0
			r.retries++
		}
	}
	return nil
}

func (s *InMemoryStore) ReleaseOperation(_ context.Context, operationID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.syncID == operationID {
			r.syncID = 0
			r.retries++
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Store(_ context.Context, keys []models.LocalKey) (int, error) {
	return s.insert(keys, false), nil
}

func (s *InMemoryStore) Submit(_ context.Context, keys []models.LocalKey) (int, error) {
	return s.insert(keys, true), nil
}

func (s *InMemoryStore) insert(keys []models.LocalKey, share bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range keys {
		id := string(k.KeyData)
		if _, ok := s.records[id]; ok {
			continue
		}
		s.seq++
		s.records[id] = &record{key: cloneKey(k), seq: s.seq, share: share && k.ConsentToShare}
		n++
	}
	return n
}

// Lookup returns a stored key with its claim marker and retry count.
func (s *InMemoryStore) Lookup(keyData []byte) (models.LocalKey, int64, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[string(keyData)]
	if !ok {
		return models.LocalKey{}, 0, 0, false
	}
	return cloneKey(r.key), r.syncID, r.retries, true
}

// All returns every stored key ordered by insertion.
func (s *InMemoryStore) All() []models.LocalKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		return int(a.seq - b.seq)
	})
	out := make([]models.LocalKey, 0, len(recs))
	for _, r := range recs {
		out = append(out, cloneKey(r.key))
	}
	return out
}

func cloneKey(k models.LocalKey) models.LocalKey {
	k.KeyData = bytes.Clone(k.KeyData)
	k.VisitedCountries = slices.Clone(k.VisitedCountries)
	if k.DaysSinceOnsetOfSymptoms != nil {
		v := *k.DaysSinceOnsetOfSymptoms
		k.DaysSinceOnsetOfSymptoms = &v
	}
	return k
}
