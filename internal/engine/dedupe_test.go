package engine

import (
	"testing"
	"time"
)

func TestDedupeCacheExpires(t *testing.T) {
	d := NewDedupeCache()
	now := time.Now()
	if d.Seen("k", now, time.Second) {
		t.Fatalf("first sighting reported as duplicate")
	}
	if !d.Seen("k", now.Add(500*time.Millisecond), time.Second) {
		t.Fatalf("expected duplicate within ttl")
	}
	if d.Seen("k", now.Add(3*time.Second), time.Second) {
		t.Fatalf("expected entry to expire after ttl")
	}
}

func TestDedupeCacheCompacts(t *testing.T) {
	d := NewDedupeCache()
	d.maxEntries = 2
	now := time.Now()
	d.Seen("a", now, time.Second)
	d.Seen("b", now, time.Second)
	d.Seen("c", now.Add(5*time.Second), time.Second)
	if d.Len() != 1 {
		t.Fatalf("expected stale entries compacted, have %d", d.Len())
	}
}
