package metrics

import (
	"sort"
	"sync"
	"time"

	"cravewatch/internal/model"
)

// Store keeps the latest snapshot per consumer, evicting the least recently
// updated consumer once limit is exceeded.
type Store struct {
	mu         sync.RWMutex
	byConsumer map[int64]model.Snapshot
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byConsumer: make(map[int64]model.Snapshot),
		limit:      limit,
	}
}

func (s *Store) Update(snap model.Snapshot) {
	if snap.ConsumerID == 0 {
		return
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byConsumer[snap.ConsumerID]; ok && prev.WindowEnd.After(snap.WindowEnd) {
		// an older window finished scoring late; keep the newer one
		return
	}
	s.byConsumer[snap.ConsumerID] = snap
	if len(s.byConsumer) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(consumerID int64) (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byConsumer[consumerID]
	return snap, ok
}

// GetAll returns every snapshot ordered by consumer id.
func (s *Store) GetAll() []model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Snapshot, 0, len(s.byConsumer))
	for _, snap := range s.byConsumer {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConsumer)
}

func (s *Store) evictOldest() {
	var oldestID int64
	var oldest time.Time
	for id, snap := range s.byConsumer {
		if oldestID == 0 || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != 0 {
		delete(s.byConsumer, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConsumer = make(map[int64]model.Snapshot)
}
