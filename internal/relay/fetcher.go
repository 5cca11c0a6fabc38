package relay

import "sync"

const (
	// DefaultFetchWorkers is the default worker count of the shared
	// fragment download pool.
	DefaultFetchWorkers = 4
	// DefaultFetchQueue is the default bounded queue size of the pool.
	DefaultFetchQueue = 100
)

// Fetcher is a bounded worker pool shared by all channels for fragment
// downloads. When the queue is full, Submit runs the job on the calling
// goroutine instead of dropping it, deliberately applying backpressure to the
// polling loop rather than losing fragments.
type Fetcher struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewFetcher starts a pool with the given worker count and queue size.
// Non-positive arguments fall back to the defaults.
func NewFetcher(workers, queue int) *Fetcher {
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	if queue <= 0 {
		queue = DefaultFetchQueue
	}
	f := &Fetcher{jobs: make(chan func(), queue)}
	f.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer f.wg.Done()
			for job := range f.jobs {
				job()
			}
		}()
	}
	return f
}

// Submit queues a download job, running it inline when the queue is
// saturated. Jobs submitted after Close run inline as well, so late
// fire-and-forget completions from a stopping session still resolve.
func (f *Fetcher) Submit(job func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		job()
		return
	}
	select {
	case f.jobs <- job:
		f.mu.Unlock()
	default:
		f.mu.Unlock()
		job()
	}
}

// Close stops the workers after draining queued jobs.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.jobs)
	f.mu.Unlock()
	f.wg.Wait()
}
