package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetcher_runs_jobs(t *testing.T) {
	f := NewFetcher(2, 8)
	defer f.Close()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		f.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
}

func TestFetcher_saturation_runs_inline(t *testing.T) {
	f := NewFetcher(1, 1)
	defer f.Close()

	gate := make(chan struct{})
	defer close(gate)
	f.Submit(func() { <-gate }) // occupy the only worker
	// Wait for the worker to pick the blocker up so the queue slot frees.
	time.Sleep(50 * time.Millisecond)
	f.Submit(func() {}) // fills the queue

	var inline atomic.Bool
	f.Submit(func() { inline.Store(true) })
	if !inline.Load() {
		t.Error("saturated Submit should run the job on the calling goroutine")
	}
}

func TestFetcher_close_drains(t *testing.T) {
	f := NewFetcher(1, 8)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		f.Submit(func() { ran.Add(1) })
	}
	f.Close()
	if got := ran.Load(); got != 5 {
		t.Errorf("ran %d jobs before Close returned, want 5", got)
	}
}

func TestFetcher_submit_after_close(t *testing.T) {
	f := NewFetcher(1, 1)
	f.Close()
	var ran atomic.Bool
	f.Submit(func() { ran.Store(true) })
	if !ran.Load() {
		t.Error("Submit after Close should run the job inline")
	}
}
