package protocol

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements Store without persistence. Used in tests and for
// single-process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	maps       map[MapID]*MapInfo
	byLabel    map[MapLabel]MapID
	points     map[MapID]map[string]*AggregateRecord
	candidates map[string]map[MapID]time.Time
	access     []*AccessRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		maps:       make(map[MapID]*MapInfo),
		byLabel:    make(map[MapLabel]MapID),
		points:     make(map[MapID]map[string]*AggregateRecord),
		candidates: make(map[string]map[MapID]time.Time),
	}
}

func (s *InMemoryStore) GetMapByLabel(ctx context.Context, label MapLabel) (*MapInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLabel[label]
	if !ok {
		return nil, ErrNotFound
	}
	info := *s.maps[id]
	return &info, nil
}

func (s *InMemoryStore) GetMap(ctx context.Context, id MapID) (*MapInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.maps[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *info
	return &out, nil
}

func (s *InMemoryStore) CreateMap(ctx context.Context, info *MapInfo) (*MapInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byLabel[info.Label]; ok {
		existing := *s.maps[id]
		return &existing, nil
	}
	stored := *info
	s.maps[info.ID] = &stored
	s.byLabel[info.Label] = info.ID

	out := stored
	return &out, nil
}

func (s *InMemoryStore) FindMaps(ctx context.Context, filter *ReverseQueryFilter, limit int) ([]*MapInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*MapInfo
	for _, info := range s.maps {
		if filter.Matches(info) {
			out := *info
			matches = append(matches, &out)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *InMemoryStore) LoadAggregate(ctx context.Context, id MapID, coord Coordinate) (*AggregateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.points[id][coord.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) StoreAggregate(ctx context.Context, rec *AggregateRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, ok := s.points[rec.MapID]
	if !ok {
		points = make(map[string]*AggregateRecord)
		s.points[rec.MapID] = points
	}

	var current int64
	if existing, ok := points[rec.Coordinate.Key()]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	points[rec.Coordinate.Key()] = rec.Clone()
	return nil
}

func (s *InMemoryStore) ListPoints(ctx context.Context, id MapID) ([]Coordinate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.points[id]))
	for k := range s.points[id] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Coordinate, 0, len(keys))
	for _, k := range keys {
		out = append(out, append(Coordinate(nil), s.points[id][k].Coordinate...))
	}
	return out, nil
}

func (s *InMemoryStore) CountPoints(ctx context.Context, id MapID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points[id]), nil
}

func (s *InMemoryStore) SaveCandidates(ctx context.Context, producer string, ids []MapID, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.candidates[producer]
	if !ok {
		pending = make(map[MapID]time.Time)
		s.candidates[producer] = pending
	}
	for _, id := range ids {
		pending[id] = expires
	}
	return nil
}

func (s *InMemoryStore) TakeCandidate(ctx context.Context, producer string, id MapID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.candidates[producer][id]
	if !ok {
		return ErrNotFound
	}
	delete(s.candidates[producer], id)
	if now.After(expires) {
		return ErrNotFound
	}
	return nil
}

func (s *InMemoryStore) RecordAccess(ctx context.Context, rec *AccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *rec
	s.access = append(s.access, &out)
	return nil
}

func (s *InMemoryStore) ListAccess(ctx context.Context, producer string) ([]*AccessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AccessRecord
	for _, rec := range s.access {
		if producer == "" || rec.Producer == producer {
			r := *rec
			out = append(out, &r)
		}
	}
	return out, nil
}
