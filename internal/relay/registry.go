package relay

import (
	"log/slog"
	"sync"

	"twitch-relay/internal/platform/metrics"
)

// Registry is the process-wide map from channel name to session machine.
// It is the only resource mutated by multiple call paths (HTTP handlers
// creating machines, machines removing themselves on termination), so one
// mutex guards insert and remove.
type Registry struct {
	cfg      SessionConfig
	upstream Upstream
	fetcher  *Fetcher
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[Channel]*Session
}

// NewRegistry returns an empty registry. cfg carries the shared session
// knobs; the Channel field is filled in per machine. m may be nil.
func NewRegistry(cfg SessionConfig, up Upstream, fetcher *Fetcher, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		upstream: up,
		fetcher:  fetcher,
		log:      log,
		metrics:  m,
		sessions: make(map[Channel]*Session),
	}
}

// GetOrCreate returns the machine for channel, creating and starting one on
// first reference.
func (r *Registry) GetOrCreate(channel Channel) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channel]; ok {
		return s
	}
	r.log.Info("launching session machine", slog.String("channel", string(channel)))
	cfg := r.cfg
	cfg.Channel = channel
	s := NewSession(cfg, r.upstream, r.fetcher, r.log, r.metrics, r.Remove)
	r.sessions[channel] = s
	return s
}

// Get returns the machine for channel if one exists.
func (r *Registry) Get(channel Channel) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channel]
	return s, ok
}

// Remove drops a channel from the registry. Called by the machine itself on
// permanent termination.
func (r *Registry) Remove(channel Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[channel]; ok {
		r.log.Debug("dropping session machine", slog.String("channel", string(channel)))
		delete(r.sessions, channel)
	}
}

// ActiveCount returns the number of tracked channels. Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every machine and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[Channel]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
