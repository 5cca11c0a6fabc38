package relay

import (
	"testing"
	"time"
)

func TestFragmentStore_observe_idempotent(t *testing.T) {
	s := NewFragmentStore()

	if !s.Observe(1000, "http://cdn/1000.ts") {
		t.Fatal("first observation should register")
	}
	if s.Observe(1000, "http://cdn/other.ts") {
		t.Error("duplicate observation of a pending fragment should be a no-op")
	}
	s.MarkComplete(1000)
	if s.Observe(1000, "http://cdn/other.ts") {
		t.Error("duplicate observation of a complete fragment should be a no-op")
	}
	if url, _ := s.ResolveURL(1000); url != "http://cdn/1000.ts" {
		t.Errorf("url = %q, want original", url)
	}
}

func TestFragmentStore_resolve_pending_and_complete(t *testing.T) {
	s := NewFragmentStore()
	s.Observe(1000, "http://cdn/1000.ts")

	if url, ok := s.ResolveURL(1000); !ok || url != "http://cdn/1000.ts" {
		t.Errorf("pending resolve = %q %v", url, ok)
	}
	s.MarkComplete(1000)
	if url, ok := s.ResolveURL(1000); !ok || url != "http://cdn/1000.ts" {
		t.Errorf("complete resolve = %q %v", url, ok)
	}
	if _, ok := s.ResolveURL(2000); ok {
		t.Error("unknown epoch should not resolve")
	}
}

func TestFragmentStore_mark_failed_allows_rediscovery(t *testing.T) {
	s := NewFragmentStore()
	s.Observe(1000, "http://cdn/1000.ts")
	s.MarkFailed(1000)

	if _, ok := s.ResolveURL(1000); ok {
		t.Error("failed fragment should not resolve")
	}
	if !s.Observe(1000, "http://cdn/1000.ts") {
		t.Error("failed fragment should be re-observable")
	}
}

func TestFragmentStore_evict(t *testing.T) {
	s := NewFragmentStore()
	s.Observe(1000, "http://cdn/1000.ts")
	s.MarkComplete(1000)
	s.Evict(1000)
	if _, ok := s.ResolveURL(1000); ok {
		t.Error("evicted fragment should not resolve")
	}
}

func TestFragmentStore_prune(t *testing.T) {
	s := NewFragmentStore()
	for _, epoch := range []int64{1000, 2000, 3000} {
		s.Observe(epoch, "http://cdn/seg.ts")
		s.MarkComplete(epoch)
	}
	s.Observe(InitSegmentEpoch, "http://cdn/map.mp4")
	s.MarkComplete(InitSegmentEpoch)
	s.Observe(4000, "http://cdn/4000.ts") // pending, untouched by prune

	inWindow := func(epoch int64) bool { return epoch == 3000 }
	removed := s.Prune(time.Now().Add(time.Minute), inWindow)
	if removed != 2 {
		t.Errorf("pruned %d, want 2", removed)
	}
	if _, ok := s.ResolveURL(3000); !ok {
		t.Error("windowed fragment must survive pruning")
	}
	if _, ok := s.ResolveURL(InitSegmentEpoch); !ok {
		t.Error("init segment must survive pruning")
	}
	if _, ok := s.ResolveURL(4000); !ok {
		t.Error("pending fragment must survive pruning")
	}
	if _, ok := s.ResolveURL(1000); ok {
		t.Error("stale fragment should be pruned")
	}
}

func TestFragmentStore_prune_respects_cutoff(t *testing.T) {
	s := NewFragmentStore()
	s.Observe(1000, "http://cdn/1000.ts")
	s.MarkComplete(1000)
	if removed := s.Prune(time.Now().Add(-time.Minute), nil); removed != 0 {
		t.Errorf("pruned %d recent entries, want 0", removed)
	}
}

func TestFragmentStore_clear(t *testing.T) {
	s := NewFragmentStore()
	s.Observe(1000, "http://cdn/1000.ts")
	s.Observe(2000, "http://cdn/2000.ts")
	s.MarkComplete(1000)
	s.Clear()
	if s.PendingCount() != 0 || s.CompleteCount() != 0 {
		t.Errorf("store not empty after clear: %d pending, %d complete",
			s.PendingCount(), s.CompleteCount())
	}
}
