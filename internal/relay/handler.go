package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"twitch-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	tsContentType       = "video/mp2t"
	mp4ContentType      = "video/mp4"

	// liveWait is the grace period for first-session detection on /live.
	liveWait = 3 * time.Second
	// diskWait bounds the "fragment completes imminently" polling.
	diskWait = time.Second
	// diskPollStep is the polling increment for bounded disk waits.
	diskPollStep = 20 * time.Millisecond

	relayBufferSize = 8 * 1024
)

// Handler answers playlist and fragment requests, serving from the scratch
// directory, relaying live from upstream, or waiting briefly for an imminent
// download. Failures always degrade to a 404 with a short reason, never a 500.
type Handler struct {
	registry   *Registry
	upstream   Upstream
	scratchDir string
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewHandler returns a Handler over the given registry and scratch root.
// m may be nil to disable metric recording (e.g. in tests).
func NewHandler(registry *Registry, up Upstream, scratchDir string, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, upstream: up, scratchDir: scratchDir, log: log, metrics: m}
}

// Mount registers the relay routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/live/{channel}", h.GetLive)
	r.Route("/stream/{channel}/{session}", func(r chi.Router) {
		r.Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/{filename}", h.GetFragment)
	})
}

// CORS is a middleware adding permissive cross-origin headers to every
// response; browser extensions and players load the relay from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		next.ServeHTTP(w, r)
	})
}

// GetLive handles GET /live/{channel}: the channel is activated on first
// reference and the response reports whether a broadcast session is active
// after a bounded wait.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	channel := Channel(strings.ToLower(chi.URLParam(r, "channel")))
	if channel == "" || !safeName(string(channel)) {
		notAvailable(w, "unknown channel")
		return
	}
	session := h.registry.GetOrCreate(channel)
	live := session.AwaitLive(liveWait)

	w.Header().Set("Content-Type", "application/json")
	status := map[string]any{"live": live}
	if live {
		status["playlist"] = session.PlaylistURL()
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Debug("write live status", slog.String("error", err.Error()))
	}
}

// GetPlaylist handles GET /stream/{channel}/{session}/playlist.m3u8 from the
// on-disk live or finalized playlist, waiting briefly if it has not yet been
// written.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	path, ok := h.diskPath(r, playlistFilename)
	if !ok {
		notAvailable(w, "stream not found")
		return
	}
	body, ok := awaitFile(path, diskWait)
	if !ok {
		notAvailable(w, "playlist not ready")
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.Write(body)
}

// GetFragment handles GET /stream/{channel}/{session}/{epoch}.ts|.mp4 and the
// map.mp4 init segment. Resolution is three-tier: local disk, upstream relay,
// then a bounded disk re-poll.
func (h *Handler) GetFragment(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	contentType, epoch, ok := classifyFragment(filename)
	if !ok {
		notAvailable(w, "fragment not available")
		return
	}
	path, ok := h.diskPath(r, filename)
	if !ok {
		notAvailable(w, "stream not found")
		return
	}

	if body, err := os.ReadFile(path); err == nil {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
		return
	}

	if h.relayFragment(w, r, epoch, contentType) {
		return
	}

	if body, ok := awaitFile(path, diskWait); ok {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
		return
	}
	notAvailable(w, "fragment not available")
}

// relayFragment streams a tracked fragment straight from the upstream CDN,
// flushing as bytes arrive so a player can consume it before the background
// download finishes. Reports whether the response was served.
func (h *Handler) relayFragment(w http.ResponseWriter, r *http.Request, epoch int64, contentType string) bool {
	channel := Channel(strings.ToLower(chi.URLParam(r, "channel")))
	session, ok := h.registry.Get(channel)
	if !ok {
		return false
	}
	url, ok := session.ResolveUpstream(chi.URLParam(r, "session"), epoch)
	if !ok {
		return false
	}
	body, err := h.upstream.Open(r.Context(), url)
	if err != nil {
		h.log.Debug("relay open failed",
			slog.String("channel", string(channel)), slog.String("error", err.Error()))
		return false
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return true
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	if h.metrics != nil {
		h.metrics.IncFragmentsRelayed()
	}
	return true
}

// diskPath resolves the scratch-directory path for a request, rejecting path
// parameters that could escape the scratch root.
func (h *Handler) diskPath(r *http.Request, filename string) (string, bool) {
	channel := strings.ToLower(chi.URLParam(r, "channel"))
	session := chi.URLParam(r, "session")
	if !safeName(channel) || !safeName(session) || !safeName(filename) {
		return "", false
	}
	return filepath.Join(h.scratchDir, channel, session, filename), true
}

// classifyFragment maps a fragment filename to its content type and epoch.
// map.mp4 is the init segment sentinel.
func classifyFragment(filename string) (contentType string, epoch int64, ok bool) {
	if filename == initFilename {
		return mp4ContentType, InitSegmentEpoch, true
	}
	stem, ext, found := strings.Cut(filename, ".")
	if !found {
		return "", 0, false
	}
	epoch, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return "", 0, false
	}
	switch ext {
	case "ts":
		return tsContentType, epoch, true
	case "mp4":
		return mp4ContentType, epoch, true
	default:
		return "", 0, false
	}
}

// safeName rejects path parameters that contain separators or traversal.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// awaitFile polls for path in short increments up to wait, returning its
// contents once readable.
func awaitFile(path string, wait time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(wait)
	for {
		if body, err := os.ReadFile(path); err == nil {
			return body, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(diskPollStep)
	}
}

// notAvailable writes the uniform 404-equivalent failure response.
func notAvailable(w http.ResponseWriter, reason string) {
	http.Error(w, reason, http.StatusNotFound)
}
