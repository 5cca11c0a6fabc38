package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"twitch-relay/internal/platform/metrics"

	"github.com/google/renameio/v2"
)

const (
	// DefaultPollInterval is the upstream playlist polling period.
	DefaultPollInterval = 2 * time.Second
	// CleanupDelay is how long evicted fragment files and finalized session
	// directories stay on disk before deletion.
	CleanupDelay = 2 * time.Minute
	// pruneInterval is how often fragment bookkeeping is pruned.
	pruneInterval = time.Minute
	// pollTimeout bounds one poll cycle's upstream requests.
	pollTimeout = 15 * time.Second

	playlistFilename = "playlist.m3u8"
	initFilename     = "map.mp4"
)

// SessionConfig carries the per-channel knobs for a session machine.
type SessionConfig struct {
	Channel Channel
	// BaseURL is the externally reachable prefix of this relay,
	// e.g. "http://127.0.0.1:61616".
	BaseURL string
	// ScratchDir is the process-wide scratch root.
	ScratchDir string
	// KeepCache disables all deferred deletion for this channel.
	KeepCache    bool
	PollInterval time.Duration
	WindowSize   int
}

// broadcast is the state of one broadcast session: its scratch directory,
// playlist window, fragment store, and pending cleanup timers. It is owned
// exclusively by its session machine; a new session ID supersedes it wholesale.
type broadcast struct {
	id        string
	dir       string
	hasMap    bool
	startedAt time.Time
	window    *Window
	store     *FragmentStore
	timers    []*time.Timer
}

// Session orchestrates one channel: it polls the upstream playlist on a fixed
// interval, detects broadcast session transitions, dispatches fragment
// downloads, and maintains the on-disk live playlist. All mutable state is
// guarded by mu; the HTTP layer only reads through accessor methods.
type Session struct {
	cfg      SessionConfig
	upstream Upstream
	fetcher  *Fetcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	onEnd    func(Channel)

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     SessionState
	variant   *Variant
	cur       *broadcast
	lastHash  string
	lastPrune time.Time
}

// NewSession creates a machine for cfg and starts its polling loop.
// onEnd is invoked (off the poll goroutine's locks) when the channel is
// dropped permanently. m may be nil to disable metric recording.
func NewSession(cfg SessionConfig, up Upstream, fetcher *Fetcher, log *slog.Logger, m *metrics.Metrics, onEnd func(Channel)) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if onEnd == nil {
		onEnd = func(Channel) {}
	}
	s := &Session{
		cfg:       cfg,
		upstream:  up,
		fetcher:   fetcher,
		log:       log.With(slog.String("channel", string(cfg.Channel))),
		metrics:   m,
		onEnd:     onEnd,
		stop:      make(chan struct{}),
		lastPrune: time.Now(),
	}
	go s.run()
	return s
}

// Stop cancels the poll loop and this channel's pending cleanup timers.
// In-flight fragment downloads are not force-cancelled; they complete or fail
// against state that is about to be discarded.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.cur != nil {
		for _, t := range s.cur.timers {
			t.Stop()
		}
		s.cur.timers = nil
	}
	s.mu.Unlock()
}

// State returns the machine's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LiveID returns the active broadcast session ID, or "" when idle.
func (s *Session) LiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.id
}

// PlaylistURL returns the externally reachable playlist URL of the active
// session, or "" when idle.
func (s *Session) PlaylistURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.window.BaseURL() + "/" + playlistFilename
}

// AwaitLive waits up to timeout for a broadcast session to be detected,
// polling in short increments, and reports whether one is active.
func (s *Session) AwaitLive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.LiveID() != "" {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ResolveUpstream returns the upstream URL for a fragment of the given
// session, whether pending or complete. ok is false for unknown sessions or
// untracked epochs.
func (s *Session) ResolveUpstream(sessionID string, epoch int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.id != sessionID {
		return "", false
	}
	return s.cur.store.ResolveURL(epoch)
}

// channelDir returns the scratch directory for this channel.
func (s *Session) channelDir() string {
	return filepath.Join(s.cfg.ScratchDir, string(s.cfg.Channel))
}

func (s *Session) run() {
	if err := os.MkdirAll(s.channelDir(), 0o755); err != nil {
		s.log.Error("prepare channel directory", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.cycle()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one poll and classifies its outcome. Errors never escape: every
// cycle is independently fault-isolated so the timer keeps running.
func (s *Session) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	err := s.poll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelNotFound):
		s.abort()
	case errors.Is(err, ErrStreamOffline), errors.Is(err, ErrMalformedPlaylist):
		s.offline()
	case errors.Is(err, ErrCredentialUnavailable):
		s.log.Debug("credentials unavailable, retrying next poll")
	default:
		s.log.Error("poll cycle failed", slog.String("error", err.Error()))
	}
}

func (s *Session) poll(ctx context.Context) error {
	if s.variant == nil {
		if err := s.selectRendition(ctx); err != nil {
			return err
		}
		if s.variant == nil {
			return nil
		}
	}

	body, err := s.upstream.MediaPlaylist(ctx, s.variant.URL)
	if err != nil {
		return err
	}
	lines := strings.Split(body, "\n")
	if strings.TrimSpace(lines[0]) != MagicHeader {
		return fmt.Errorf("%w: %.40q", ErrMalformedPlaylist, body)
	}

	s.scanSessionMarkers(lines)
	s.scanFragments(lines)
	s.writeLivePlaylist()
	s.prune()
	return nil
}

// selectRendition fetches the variant list and caches the chosen rendition.
// No suitable rendition is not an error; the machine stays idle and retries.
func (s *Session) selectRendition(ctx context.Context) error {
	body, err := s.upstream.VariantPlaylist(ctx, s.cfg.Channel)
	if err != nil {
		return err
	}
	variants, err := ParsePlaylist(body)
	if err != nil {
		return err
	}
	v := SelectVariant(variants)
	if v == nil {
		s.log.Warn("no suitable rendition found")
		return nil
	}
	s.variant = v
	s.log.Debug("rendition selected",
		slog.String("quality", v.Stream["VIDEO"]),
		slog.String("bandwidth", v.Stream["BANDWIDTH"]))
	return nil
}

// scanSessionMarkers looks for broadcast session tags. A session ID that
// differs from the tracked one means the previous session (if any) has ended
// and a new one begins.
func (s *Session) scanSessionMarkers(lines []string) {
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if !strings.Contains(line, ":") {
			continue
		}
		attrs := ParseTag(line)
		if attrs["CLASS"] != "twitch-session" {
			continue
		}
		id := attrs["ID"]
		if id == "" {
			continue
		}
		if id == s.LiveID() {
			break
		}
		s.startBroadcast(id, lines)
		break
	}
}

// startBroadcast finalizes any previous session and sets up state for a new
// one: scratch directory, playlist window, fragment store, and the init
// segment download when the rendition carries one.
func (s *Session) startBroadcast(id string, lines []string) {
	initURL := initSegmentURL(lines)

	s.mu.Lock()
	rollover := s.cur != nil
	if rollover {
		// Session rollover without an intervening offline signal: the
		// previous broadcast is finalized as a VOD before being superseded.
		s.finalizeLocked(true)
	}
	b := &broadcast{
		id:        id,
		dir:       filepath.Join(s.channelDir(), id),
		hasMap:    initURL != "",
		startedAt: time.Now(),
		store:     NewFragmentStore(),
	}
	b.window = NewWindow(
		fmt.Sprintf("%s/stream/%s/%s", s.cfg.BaseURL, s.cfg.Channel, id),
		b.hasMap,
		s.cfg.WindowSize,
	)
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		s.log.Error("prepare session directory", slog.String("error", err.Error()))
	}
	s.cur = b
	s.state = StateLive
	s.lastHash = ""
	s.mu.Unlock()

	s.log.Info("session started", slog.String("session", id), slog.Bool("fmp4", b.hasMap))
	if s.metrics != nil {
		if rollover {
			s.metrics.IncSessionsEnded()
		}
		s.metrics.IncSessionsStarted()
	}
	if initURL != "" {
		s.downloadInit(b, initURL)
	}
}

// initSegmentURL returns the #EXT-X-MAP URI if the playlist carries one.
func initSegmentURL(lines []string) string {
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "#EXT-X-MAP") {
			continue
		}
		if uri := ParseTag(line)["URI"]; uri != "" {
			return uri
		}
	}
	return ""
}

// downloadInit fetches the init segment once, to a fixed filename. It shares
// the fragment pool but never enters the playlist window.
func (s *Session) downloadInit(b *broadcast, url string) {
	if !b.store.Observe(InitSegmentEpoch, url) {
		return
	}
	s.fetcher.Submit(func() {
		if err := s.fetchToFile(url, filepath.Join(b.dir, initFilename)); err != nil {
			b.store.MarkFailed(InitSegmentEpoch)
			s.log.Warn("init segment download failed", slog.String("error", err.Error()))
			return
		}
		b.store.MarkComplete(InitSegmentEpoch)
	})
}

// scanFragments registers wall-clock-tagged fragment announcements and
// dispatches downloads for unseen ones. The same tail can be re-scanned on
// every poll; Observe makes discovery idempotent.
func (s *Session) scanFragments(lines []string) {
	s.mu.Lock()
	b := s.cur
	s.mu.Unlock()
	if b == nil {
		return
	}
	for i := 0; i+2 < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME") {
			continue
		}
		stamp, err := time.Parse(time.RFC3339Nano, strings.SplitN(line, ":", 2)[1])
		if err != nil {
			continue
		}
		epoch := stamp.UnixMilli()
		duration := strings.TrimSpace(lines[i+1])
		url := strings.TrimSpace(lines[i+2])
		i += 2
		if !b.store.Observe(epoch, url) {
			continue
		}
		s.dispatchFragment(b, epoch, line, duration, url)
	}
}

// dispatchFragment submits one fragment download. On success the fragment is
// persisted and appended to the playlist window through the serialized
// completion path; on failure its tracking is dropped so the next poll
// rediscovers it.
func (s *Session) dispatchFragment(b *broadcast, epoch int64, timestamp, duration, url string) {
	s.fetcher.Submit(func() {
		name := fmt.Sprintf("%d.%s", epoch, fragmentExtension(b.hasMap))
		if err := s.fetchToFile(url, filepath.Join(b.dir, name)); err != nil {
			b.store.MarkFailed(epoch)
			if s.metrics != nil {
				s.metrics.IncFragmentsFailed()
			}
			s.log.Debug("fragment download failed",
				slog.Int64("epoch", epoch), slog.String("error", err.Error()))
			return
		}
		s.completeFragment(b, epoch, timestamp, duration)
	})
}

func fragmentExtension(hasMap bool) string {
	if hasMap {
		return "mp4"
	}
	return "ts"
}

// completeFragment is the single serialized append path for a session: the
// window is only ever mutated under s.mu, so entries land in wall-clock order
// even though downloads finish out of order.
func (s *Session) completeFragment(b *broadcast, epoch int64, timestamp, duration string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted, ok := b.window.Append(timestamp, duration, epoch)
	b.store.MarkComplete(epoch)
	if ok {
		b.store.Evict(evicted.Epoch)
		s.scheduleRemoveLocked(b, filepath.Join(b.dir, evicted.Filename()))
	}
	if s.metrics != nil {
		s.metrics.IncFragmentsDownloaded()
	}
}

// scheduleRemoveLocked arms a deferred file deletion owned by the broadcast,
// unless the channel keeps its cache. Caller holds s.mu.
func (s *Session) scheduleRemoveLocked(b *broadcast, path string) {
	if s.cfg.KeepCache {
		return
	}
	b.timers = append(b.timers, time.AfterFunc(CleanupDelay, func() {
		_ = os.Remove(path)
	}))
}

// writeLivePlaylist persists the rendered live playlist atomically, skipping
// the write when the content fingerprint has not changed since the last one.
func (s *Session) writeLivePlaylist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return
	}
	text := s.cur.window.RenderLive()
	hash := Fingerprint(text)
	if hash == s.lastHash {
		return
	}
	if err := writeFileAtomic(filepath.Join(s.cur.dir, playlistFilename), text); err != nil {
		s.log.Error("write live playlist", slog.String("error", err.Error()))
		return
	}
	s.lastHash = hash
}

// prune drops stale fragment bookkeeping once a minute. This bounds the
// lookup table for long-running sessions and never deletes files.
func (s *Session) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || time.Since(s.lastPrune) < pruneInterval {
		return
	}
	s.lastPrune = time.Now()
	removed := s.cur.store.Prune(time.Now().Add(-FragmentRetention), s.cur.window.Contains)
	if removed > 0 {
		s.log.Debug("pruned fragment bookkeeping", slog.Int("removed", removed))
	}
}

// offline handles the stream-offline and malformed-playlist signals: an
// active session is finalized and the machine returns to idle polling.
func (s *Session) offline() {
	s.mu.Lock()
	if s.cur == nil {
		s.variant = nil
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	s.log.Info("session ended", slog.String("session", s.cur.id))
	s.finalizeLocked(false)
	s.variant = nil
	s.state = StateIdle
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncSessionsEnded()
	}
}

// finalizeLocked writes the final playlist for the current broadcast, clears
// its fragment tracking, schedules deferred directory cleanup, and drops it.
// A rollover finalizes the full session history as a VOD; a plain offline
// ending terminates the live window. Caller holds s.mu.
func (s *Session) finalizeLocked(asVOD bool) {
	b := s.cur
	if b == nil {
		return
	}
	text := b.window.RenderFinalized()
	if asVOD {
		text = b.window.RenderVOD()
	}
	if err := writeFileAtomic(filepath.Join(b.dir, playlistFilename), text); err != nil {
		s.log.Warn("write finalized playlist", slog.String("error", err.Error()))
	}
	b.store.Clear()
	if !s.cfg.KeepCache {
		dir := b.dir
		b.timers = append(b.timers, time.AfterFunc(CleanupDelay, func() {
			_ = os.RemoveAll(dir)
		}))
	}
	s.cur = nil
	s.lastHash = ""
}

// abort permanently drops a channel that does not exist upstream: polling
// stops, the scratch directory is removed, and the registry is notified.
func (s *Session) abort() {
	s.log.Warn("channel not found, aborting")
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.state = StateAborted
	if s.cur != nil {
		for _, t := range s.cur.timers {
			t.Stop()
		}
		s.cur = nil
	}
	s.mu.Unlock()
	if err := os.RemoveAll(s.channelDir()); err != nil {
		s.log.Debug("remove channel directory", slog.String("error", err.Error()))
	}
	s.onEnd(s.cfg.Channel)
}

// fetchToFile downloads url into path. Downloads are fire-and-forget with
// respect to the poll loop, so they use their own timeout context. The bytes
// land at path only once the download is complete: the handler serves any
// on-disk fragment as-is, so a half-written body must never be visible there.
func (s *Session) fetchToFile(url, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()
	body, err := s.upstream.Open(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := io.Copy(pending, body); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// writeFileAtomic writes text to path with an atomic replace so playlist
// readers never observe a torn write.
func writeFileAtomic(path, text string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := io.WriteString(pending, text); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
