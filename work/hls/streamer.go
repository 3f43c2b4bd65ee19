package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/logger"

	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	maxEmptyRefreshes   = 10
	maxSegmentBytes     = 32 << 20
)

// Streamer turns an HLS playlist URL into a continuous byte stream:
// it resolves the master playlist to one variant, then follows the
// media playlist's live window, fetching segments in order and writing
// them to the sink. Segment fetches ahead of playback run concurrently
// but output order always matches playlist order.
type Streamer struct {
	client     *client.Client
	cache      *SegmentCache
	policy     string
	fetchAhead int
}

// NewStreamer builds a streamer with the given variant policy and
// fetch-ahead bound.
func NewStreamer(httpClient *client.Client, cache *SegmentCache, policy string, fetchAhead int) *Streamer {
	if fetchAhead <= 0 {
		fetchAhead = 4
	}
	return &Streamer{
		client:     httpClient,
		cache:      cache,
		policy:     policy,
		fetchAhead: fetchAhead,
	}
}

// Stream follows the playlist until the context is cancelled, the
// playlist ends, or the upstream stalls. All written bytes are segment
// payloads in playlist order.
func (s *Streamer) Stream(ctx context.Context, playlistURL string, provider *config.ProviderConfig, sink io.Writer) error {
	content, finalURL, err := s.fetchText(ctx, playlistURL, provider)
	if err != nil {
		return fmt.Errorf("playlist fetch failed: %w", err)
	}

	mediaURL := finalURL
	if IsMaster(content) {
		variants, err := ParseMaster(content, finalURL)
		if err != nil {
			return fmt.Errorf("master playlist parse failed: %w", err)
		}
		chosen, err := SelectVariant(variants, s.policy)
		if err != nil {
			return err
		}
		logger.Debug("hls: selected variant %s (%d bps, policy %s)", chosen.Resolution, chosen.Bandwidth, s.policy)
		mediaURL = chosen.URL
		if content, finalURL, err = s.fetchText(ctx, mediaURL, provider); err != nil {
			return fmt.Errorf("variant playlist fetch failed: %w", err)
		}
		mediaURL = finalURL
	}

	seen := newSegmentTracker(128)
	emptyRefreshes := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		media, err := ParseMedia(content, mediaURL)
		if err != nil {
			return fmt.Errorf("media playlist parse failed: %w", err)
		}

		fresh := make([]string, 0, len(media.SegmentURLs))
		for _, u := range media.SegmentURLs {
			if !seen.Seen(u) {
				fresh = append(fresh, u)
			}
		}

		if len(fresh) == 0 {
			emptyRefreshes++
			if emptyRefreshes > maxEmptyRefreshes {
				return fmt.Errorf("upstream stalled: no new segments after %d refreshes", emptyRefreshes)
			}
		} else {
			emptyRefreshes = 0
			if err := s.streamSegments(ctx, fresh, provider, sink); err != nil {
				return err
			}
			for _, u := range fresh {
				seen.Mark(u)
			}
		}

		if media.Ended {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval(media.TargetDuration)):
		}

		if content, _, err = s.fetchText(ctx, mediaURL, provider); err != nil {
			return fmt.Errorf("playlist refresh failed: %w", err)
		}
	}
}

// streamSegments fetches a batch concurrently (bounded) and writes the
// payloads to the sink strictly in playlist order.
func (s *Streamer) streamSegments(ctx context.Context, urls []string, provider *config.ProviderConfig, sink io.Writer) error {
	payloads := make([][]byte, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchAhead)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			data, err := s.fetchSegment(gctx, u, provider)
			if err != nil {
				return fmt.Errorf("segment %s: %w", u, err)
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, data := range payloads {
		if _, err := sink.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) fetchSegment(ctx context.Context, segURL string, provider *config.ProviderConfig) ([]byte, error) {
	if data, ok := s.cache.Get(segURL); ok {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DoFor(req, provider)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return nil, err
	}

	s.cache.Put(segURL, data)
	return data, nil
}

// fetchText fetches playlist content, following redirects, and returns
// the body together with the final URL so relative segment URIs get
// resolved against the real playlist location.
func (s *Streamer) fetchText(ctx context.Context, rawURL string, provider *config.ProviderConfig) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := s.client.DoFor(req, provider)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := readAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	return body, resp.Request.URL.String(), nil
}

func pollInterval(target time.Duration) time.Duration {
	if target <= 0 {
		return defaultPollInterval
	}
	interval := target / 2
	if interval < time.Second {
		return time.Second
	}
	if interval > 5*time.Second {
		return 5 * time.Second
	}
	return interval
}

// segmentTracker remembers recently streamed segment URLs in a bounded
// window so playlist refreshes do not replay them. The window is a
// plain ring: old entries age out as new ones arrive.
type segmentTracker struct {
	order []string
	seen  map[string]struct{}
	next  int
}

func newSegmentTracker(window int) *segmentTracker {
	return &segmentTracker{
		order: make([]string, window),
		seen:  make(map[string]struct{}, window),
	}
}

func (t *segmentTracker) Seen(u string) bool {
	_, ok := t.seen[u]
	return ok
}

func (t *segmentTracker) Mark(u string) {
	if t.Seen(u) {
		return
	}
	if old := t.order[t.next]; old != "" {
		delete(t.seen, old)
	}
	t.order[t.next] = u
	t.seen[u] = struct{}{}
	t.next = (t.next + 1) % len(t.order)
}
