package relay

import (
	"fmt"
	"strings"
	"testing"
)

func timestampTag(epoch int64) string {
	return fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%d", epoch)
}

func TestWindow_capacity_and_eviction(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 0)

	var evicted []PlaylistEntry
	for epoch := int64(0); epoch < 20; epoch++ {
		if e, ok := w.Append(timestampTag(epoch), "#EXTINF:2.000,live", epoch); ok {
			evicted = append(evicted, e)
		}
	}

	if w.Len() != DefaultWindowSize {
		t.Errorf("window length = %d, want %d", w.Len(), DefaultWindowSize)
	}
	if len(evicted) != 5 {
		t.Fatalf("got %d evictions, want 5", len(evicted))
	}
	for i, e := range evicted {
		if e.Epoch != int64(i) {
			t.Errorf("eviction %d removed epoch %d, want oldest %d", i, e.Epoch, i)
		}
		want := fmt.Sprintf("%d.ts", i)
		if e.Filename() != want {
			t.Errorf("evicted filename = %q, want %q", e.Filename(), want)
		}
	}
}

func TestWindow_media_sequence(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 3)
	for epoch := int64(0); epoch < 5; epoch++ {
		w.Append(timestampTag(epoch), "#EXTINF:2.000,live", epoch)
		history := int(epoch) + 1
		window := history
		if window > 3 {
			window = 3
		}
		want := fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", history-window)
		if !strings.Contains(w.RenderLive(), want+"\n") {
			t.Errorf("after %d appends, playlist missing %q:\n%s", history, want, w.RenderLive())
		}
	}
}

func TestWindow_orders_by_epoch(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 15)
	// Downloads complete out of order; entries must still appear in
	// wall-clock order.
	for _, epoch := range []int64{2000, 1000, 3000} {
		w.Append(timestampTag(epoch), "#EXTINF:2.000,live", epoch)
	}
	text := w.RenderLive()
	first := strings.Index(text, "1000.ts")
	second := strings.Index(text, "2000.ts")
	third := strings.Index(text, "3000.ts")
	if first < 0 || second < 0 || third < 0 || first > second || second > third {
		t.Errorf("entries out of wall-clock order:\n%s", text)
	}
}

func TestWindow_render_headers(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", true, 15)
	text := w.RenderLive()
	for _, want := range []string{
		"#EXTM3U\n",
		"#EXT-X-VERSION:3\n",
		"#EXT-X-TARGETDURATION:2\n",
		"#EXT-X-MAP:URI=\"http://127.0.0.1:61616/stream/chan/abc/map.mp4\"\n",
		"#EXT-X-MEDIA-SEQUENCE:0\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("playlist missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "#EXT-X-ENDLIST") {
		t.Errorf("live playlist must not carry the end marker:\n%s", text)
	}
}

func TestWindow_finalized_round_trip(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 15)
	type triple struct{ ts, dur, url string }
	var want []triple
	for epoch := int64(1000); epoch <= 3000; epoch += 1000 {
		ts := timestampTag(epoch)
		dur := "#EXTINF:2.000,live"
		w.Append(ts, dur, epoch)
		want = append(want, triple{ts, dur, fmt.Sprintf("http://127.0.0.1:61616/stream/chan/abc/%d.ts", epoch)})
	}

	text := w.RenderFinalized()
	if !strings.HasSuffix(strings.TrimSpace(text), "#EXT-X-ENDLIST") {
		t.Fatalf("finalized playlist must end with the end marker:\n%s", text)
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	var got []triple
	for i := 0; i+2 < len(lines); i++ {
		if strings.HasPrefix(lines[i], "#EXT-X-PROGRAM-DATE-TIME") {
			got = append(got, triple{lines[i], lines[i+1], lines[i+2]})
			i += 2
		}
	}
	if len(got) != len(want) {
		t.Fatalf("reparsed %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWindow_vod_renders_full_history(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 2)
	for epoch := int64(0); epoch < 5; epoch++ {
		w.Append(timestampTag(epoch), "#EXTINF:2.000,live", epoch)
	}
	vod := w.RenderVOD()
	for epoch := int64(0); epoch < 5; epoch++ {
		if !strings.Contains(vod, fmt.Sprintf("%d.ts", epoch)) {
			t.Errorf("VOD playlist missing epoch %d:\n%s", epoch, vod)
		}
	}
	if !strings.Contains(vod, "#EXT-X-ENDLIST") {
		t.Errorf("VOD playlist missing end marker:\n%s", vod)
	}
}

func TestFingerprint_stable(t *testing.T) {
	w := NewWindow("http://127.0.0.1:61616/stream/chan/abc", false, 15)
	w.Append(timestampTag(1000), "#EXTINF:2.000,live", 1000)
	a, b := Fingerprint(w.RenderLive()), Fingerprint(w.RenderLive())
	if a != b {
		t.Errorf("fingerprint not stable: %s vs %s", a, b)
	}
	w.Append(timestampTag(2000), "#EXTINF:2.000,live", 2000)
	if c := Fingerprint(w.RenderLive()); c == a {
		t.Errorf("fingerprint unchanged after append")
	}
}
