package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DefaultWindowSize is the default number of fragments kept in the live
// playlist window.
const DefaultWindowSize = 15

// PlaylistEntry is one fragment line group reproduced verbatim in generated
// playlists: the wall-clock tag, the duration tag, and the local resource URL.
type PlaylistEntry struct {
	Epoch     int64
	Timestamp string
	Duration  string
	Resource  string
}

// Window maintains the bounded live-playlist fragment history for one session
// and renders playlist text. It keeps an unbounded append-only history of all
// entries ever added, used for media-sequence accounting and VOD rendering.
// Window is not safe for concurrent use; the owning session serializes access.
type Window struct {
	baseURL  string
	hasMap   bool
	capacity int
	window   []PlaylistEntry
	history  []PlaylistEntry
}

// NewWindow returns a Window serving resources under baseURL. hasMap marks a
// fragmented-MP4 session: entries get the .mp4 extension and renders carry the
// init segment reference. If capacity <= 0, DefaultWindowSize is used.
func NewWindow(baseURL string, hasMap bool, capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{baseURL: baseURL, hasMap: hasMap, capacity: capacity}
}

// BaseURL returns the externally reachable URL prefix for this session.
func (w *Window) BaseURL() string {
	return w.baseURL
}

// Len returns the current window length.
func (w *Window) Len() int {
	return len(w.window)
}

// Contains reports whether the live window still references epoch.
func (w *Window) Contains(epoch int64) bool {
	for _, e := range w.window {
		if e.Epoch == epoch {
			return true
		}
	}
	return false
}

// Append adds a fragment to the history and the live window, keeping both
// ordered by epoch so entries appear in wall-clock discovery order even when
// downloads complete out of order. When the window exceeds capacity the
// oldest entry is removed and returned for fragment-store and disk cleanup.
func (w *Window) Append(timestamp, duration string, epoch int64) (evicted PlaylistEntry, ok bool) {
	entry := PlaylistEntry{
		Epoch:     epoch,
		Timestamp: timestamp,
		Duration:  duration,
		Resource:  fmt.Sprintf("%s/%d.%s", w.baseURL, epoch, w.extension()),
	}
	w.history = insertByEpoch(w.history, entry)
	w.window = insertByEpoch(w.window, entry)
	if len(w.window) > w.capacity {
		oldest := w.window[0]
		w.window = append(w.window[:0], w.window[1:]...)
		return oldest, true
	}
	return PlaylistEntry{}, false
}

func (w *Window) extension() string {
	if w.hasMap {
		return "mp4"
	}
	return "ts"
}

func insertByEpoch(entries []PlaylistEntry, entry PlaylistEntry) []PlaylistEntry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Epoch > entry.Epoch })
	entries = append(entries, PlaylistEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = entry
	return entries
}

// Filename returns the final path element of the entry's resource URL,
// e.g. "1000.ts".
func (e PlaylistEntry) Filename() string {
	if i := strings.LastIndexByte(e.Resource, '/'); i >= 0 {
		return e.Resource[i+1:]
	}
	return e.Resource
}

// RenderLive returns the current live playlist text. The media-sequence is
// the number of history entries that have fallen out of the window.
func (w *Window) RenderLive() string {
	return w.render(w.window, false)
}

// RenderFinalized returns the live playlist terminated by the end marker.
// Used once, when a session ends.
func (w *Window) RenderFinalized() string {
	return w.render(w.window, true)
}

// RenderVOD returns a finalized playlist over the entire session history.
func (w *Window) RenderVOD() string {
	return w.render(w.history, true)
}

func (w *Window) render(entries []PlaylistEntry, finalized bool) string {
	var b strings.Builder
	b.WriteString(MagicHeader + "\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:2\n")
	if w.hasMap {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", w.baseURL+"/map.mp4")
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", len(w.history)-len(w.window))
	for _, entry := range entries {
		b.WriteString(entry.Timestamp)
		b.WriteByte('\n')
		b.WriteString(entry.Duration)
		b.WriteByte('\n')
		b.WriteString(entry.Resource)
		b.WriteByte('\n')
	}
	if finalized {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// Fingerprint returns a content hash of rendered playlist text, used to skip
// redundant disk writes when the playlist has not changed.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
