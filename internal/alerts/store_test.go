package alerts

import (
	"testing"
	"time"

	"cravewatch/internal/model"
)

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		s.Add(model.Notification{ID: int64(i), UserID: int64(i % 2), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	all := s.List(0)
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 5 {
		t.Fatalf("unexpected ring contents: %+v", all)
	}
	if got := s.List(1); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("expected newest only, got %+v", got)
	}
	if got := s.Since(base.Add(4 * time.Minute)); len(got) != 2 {
		t.Fatalf("expected 2 since minute 4, got %d", len(got))
	}
	if got := s.ForUser(1); len(got) != 2 {
		t.Fatalf("expected 2 for user 1, got %d", len(got))
	}
	s.Clear()
	if len(s.List(0)) != 0 {
		t.Fatalf("expected empty ring after clear")
	}
}
