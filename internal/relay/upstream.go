package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Named upstream failures inspected by the session machine. These replace
// exception-dispatch control flow with explicit sentinel checks.
var (
	// ErrStreamOffline means the channel exists but is not broadcasting.
	ErrStreamOffline = errors.New("stream offline")
	// ErrChannelNotFound means the channel does not exist at all; the
	// session machine aborts permanently.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrCredentialUnavailable is a transient authentication failure;
	// the poll loop retries on the next tick.
	ErrCredentialUnavailable = errors.New("credential unavailable")
)

// DefaultUsherURL is the upstream variant playlist URL template. The %s verb
// receives the channel name. Playback-token exchange is handled by the
// upstream edge and is outside this module.
const DefaultUsherURL = "https://usher.ttvnw.net/api/channel/hls/%s.m3u8"

// Upstream is the provider-facing collaborator consumed by the session
// machine and the relay handler.
type Upstream interface {
	// VariantPlaylist fetches the master playlist body for a channel.
	VariantPlaylist(ctx context.Context, channel Channel) (string, error)
	// MediaPlaylist fetches a rendition playlist body, mapping HTTP 404 to
	// ErrStreamOffline.
	MediaPlaylist(ctx context.Context, url string) (string, error)
	// Open returns the streaming body for a fragment URL, for downloads
	// and on-demand relay. The caller closes the returned body.
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

const (
	upstreamTimeout     = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 16
)

// HTTPUpstream is the HTTP implementation of Upstream on a shared tuned
// client.
type HTTPUpstream struct {
	client   *http.Client
	usherURL string
}

// NewHTTPUpstream returns an upstream using usherURL as the variant playlist
// template (DefaultUsherURL when empty).
func NewHTTPUpstream(usherURL string) *HTTPUpstream {
	if usherURL == "" {
		usherURL = DefaultUsherURL
	}
	return &HTTPUpstream{
		usherURL: usherURL,
		client: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

// VariantPlaylist implements Upstream.VariantPlaylist. A 404 from the edge
// means no stream is being delivered for the channel.
func (u *HTTPUpstream) VariantPlaylist(ctx context.Context, channel Channel) (string, error) {
	body, status, err := u.get(ctx, fmt.Sprintf(u.usherURL, channel))
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrStreamOffline
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("variant playlist: unexpected status %d", status)
	}
	return body, nil
}

// MediaPlaylist implements Upstream.MediaPlaylist.
func (u *HTTPUpstream) MediaPlaylist(ctx context.Context, url string) (string, error) {
	body, status, err := u.get(ctx, url)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrStreamOffline
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("media playlist: unexpected status %d", status)
	}
	return body, nil
}

// Open implements Upstream.Open.
func (u *HTTPUpstream) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("fragment: unexpected status %d", res.StatusCode)
	}
	return res.Body, nil
}

func (u *HTTPUpstream) get(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	res, err := u.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", res.StatusCode, err
	}
	return string(body), res.StatusCode, nil
}
