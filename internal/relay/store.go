package relay

import (
	"sync"
	"time"
)

// FragmentRetention is how long completed fragment bookkeeping survives after
// the fragment leaves the live window.
const FragmentRetention = 5 * time.Minute

// FragmentStore tracks, per session, which fragment epochs are pending
// download or completed on disk, and resolves an epoch back to its upstream
// URL. Discovery is idempotent: the same poll cycle can re-scan the same tail
// of the upstream playlist without disturbing state.
type FragmentStore struct {
	mu          sync.Mutex
	pending     map[int64]string
	complete    map[int64]string
	completedAt map[int64]time.Time
}

// NewFragmentStore returns an empty store.
func NewFragmentStore() *FragmentStore {
	return &FragmentStore{
		pending:     make(map[int64]string),
		complete:    make(map[int64]string),
		completedAt: make(map[int64]time.Time),
	}
}

// Observe registers a Pending fragment and reports true if the epoch was
// unseen in both the pending and complete sets. A duplicate observation is a
// no-op and reports false.
func (s *FragmentStore) Observe(epoch int64, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[epoch]; ok {
		return false
	}
	if _, ok := s.complete[epoch]; ok {
		return false
	}
	s.pending[epoch] = url
	return true
}

// ResolveURL returns the upstream URL for a fragment in Pending or Complete
// state. This is what lets the relay serve a fragment live before its disk
// write finishes.
func (s *FragmentStore) ResolveURL(epoch int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if url, ok := s.pending[epoch]; ok {
		return url, true
	}
	url, ok := s.complete[epoch]
	return url, ok
}

// MarkComplete moves a fragment from Pending to Complete.
func (s *FragmentStore) MarkComplete(epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.pending[epoch]
	if !ok {
		return
	}
	delete(s.pending, epoch)
	s.complete[epoch] = url
	s.completedAt[epoch] = time.Now()
}

// MarkFailed drops a Pending fragment so the next poll cycle naturally
// rediscovers and retries it.
func (s *FragmentStore) MarkFailed(epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, epoch)
}

// Evict removes a fragment's bookkeeping once it has fallen out of the live
// window. Disk cleanup is scheduled separately by the owning session.
func (s *FragmentStore) Evict(epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, epoch)
	delete(s.complete, epoch)
	delete(s.completedAt, epoch)
}

// Prune drops completed entries that finished before cutoff and are no longer
// referenced by the live window, bounding memory for long-running sessions.
// This is time-based bookkeeping only and never touches files; the init
// segment sentinel is exempt.
func (s *FragmentStore) Prune(cutoff time.Time, inWindow func(epoch int64) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for epoch, at := range s.completedAt {
		if epoch <= InitSegmentEpoch {
			continue
		}
		if !at.Before(cutoff) {
			continue
		}
		if inWindow != nil && inWindow(epoch) {
			continue
		}
		delete(s.complete, epoch)
		delete(s.completedAt, epoch)
		removed++
	}
	return removed
}

// Clear drops all fragment tracking; used when a session ends.
func (s *FragmentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[int64]string)
	s.complete = make(map[int64]string)
	s.completedAt = make(map[int64]time.Time)
}

// PendingCount returns the number of fragments currently pending download.
func (s *FragmentStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CompleteCount returns the number of fragments completed on disk.
func (s *FragmentStore) CompleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.complete)
}
