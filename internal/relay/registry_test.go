package relay

import (
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	up := newStubUpstream()
	up.set(func(u *stubUpstream) { u.variantErr = ErrStreamOffline })
	fetcher := NewFetcher(1, 4)
	t.Cleanup(fetcher.Close)
	r := NewRegistry(SessionConfig{
		BaseURL:      "http://127.0.0.1:61616",
		ScratchDir:   t.TempDir(),
		PollInterval: 20 * time.Millisecond,
	}, up, fetcher, testLogger(), nil)
	t.Cleanup(r.Shutdown)
	return r
}

func TestRegistry_get_or_create(t *testing.T) {
	r := newTestRegistry(t)

	a := r.GetOrCreate("chan")
	b := r.GetOrCreate("chan")
	if a != b {
		t.Error("GetOrCreate should return the existing machine")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("active count = %d, want 1", r.ActiveCount())
	}

	if _, ok := r.Get("chan"); !ok {
		t.Error("Get should find the machine")
	}
	if _, ok := r.Get("other"); ok {
		t.Error("Get should not create machines")
	}
}

func TestRegistry_remove(t *testing.T) {
	r := newTestRegistry(t)
	s := r.GetOrCreate("chan")
	defer s.Stop()

	r.Remove("chan")
	if _, ok := r.Get("chan"); ok {
		t.Error("machine should be gone after Remove")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("active count = %d, want 0", r.ActiveCount())
	}
}

func TestRegistry_shutdown(t *testing.T) {
	r := newTestRegistry(t)
	s := r.GetOrCreate("chan")

	r.Shutdown()
	if r.ActiveCount() != 0 {
		t.Errorf("active count = %d, want 0 after shutdown", r.ActiveCount())
	}
	// The machine's poll loop must stop; Stop is idempotent.
	s.Stop()
}
