package metrics

import (
	"testing"
	"time"

	"cravewatch/internal/model"
)

func TestUpdateKeepsNewestWindow(t *testing.T) {
	s := NewStore(10)
	end := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Update(model.Snapshot{ConsumerID: 1, WindowID: 2, WindowEnd: end})
	s.Update(model.Snapshot{ConsumerID: 1, WindowID: 1, WindowEnd: end.Add(-time.Minute)})

	snap, ok := s.Get(1)
	if !ok || snap.WindowID != 2 {
		t.Fatalf("expected window 2 to win, got %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be stamped")
	}
}

func TestEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	now := time.Now().UTC()
	s.Update(model.Snapshot{ConsumerID: 1, UpdatedAt: now.Add(-time.Hour)})
	s.Update(model.Snapshot{ConsumerID: 2, UpdatedAt: now})
	s.Update(model.Snapshot{ConsumerID: 3, UpdatedAt: now})

	if _, ok := s.Get(1); ok {
		t.Fatalf("expected consumer 1 evicted")
	}
	all := s.GetAll()
	if len(all) != 2 || all[0].ConsumerID != 2 || all[1].ConsumerID != 3 {
		t.Fatalf("unexpected snapshots %+v", all)
	}
}
