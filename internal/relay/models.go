package relay

// Channel identifies an upstream channel being mirrored.
type Channel string

// Variant is one selectable rendition of an upstream master playlist.
// Stream and Media hold the attribute sets of the #EXT-X-STREAM-INF and
// #EXT-X-MEDIA tags that preceded the URL line; either may be nil.
// Variants are produced fresh on every playlist fetch and never persisted.
type Variant struct {
	URL    string
	Stream map[string]string
	Media  map[string]string
}

// InitSegmentEpoch is the sentinel fragment key for the fMP4 init segment.
// The init segment is downloaded once per session to a fixed filename and is
// never part of the playlist window.
const InitSegmentEpoch int64 = -1

// SessionState is the lifecycle state of a channel's session machine.
type SessionState int

const (
	// StateIdle means no broadcast session has been observed (or the last
	// one has ended) and the machine keeps polling for one.
	StateIdle SessionState = iota
	// StateLive means a session is active and fragments are flowing.
	StateLive
	// StateEnding means the machine is finalizing a session that just ended.
	StateEnding
	// StateAborted means the channel is permanently invalid; polling has
	// stopped and the channel has been dropped from the registry.
	StateAborted
)

// String returns the lowercase state name for logs.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateEnding:
		return "ending"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
