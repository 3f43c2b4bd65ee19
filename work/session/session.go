package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"stream-manager/work/buffer"
	"stream-manager/work/catalog"
	"stream-manager/work/config"
	"stream-manager/work/hls"
	"stream-manager/work/logger"
	"stream-manager/work/metrics"
)

const (
	chunkSize        = 32 * 1024
	firstDataTimeout = 15 * time.Second
	dataStallTimeout = 30 * time.Second
)

// Session is one shared upstream fetch feeding any number of attached
// viewers through a broadcast ring. The fetch loop owns failover: when
// the current upstream dies it walks the channel's priority ranking
// and keeps writing into the same ring, so viewers see a stall at
// worst, never a dropped connection.
type Session struct {
	Key       string
	ChannelID int64
	StartURL  string

	ring     *buffer.Ring
	viewers  atomic.Int32
	bytesIn  atomic.Int64
	lastSeen atomic.Int64 // unix nano of last viewer activity
	cancel   context.CancelFunc
	done     chan struct{}

	mgr *Manager
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Viewers returns the attached viewer count.
func (s *Session) Viewers() int {
	return int(s.viewers.Load())
}

// BytesIn returns total bytes pulled from upstream.
func (s *Session) BytesIn() int64 {
	return s.bytesIn.Load()
}

// IdleFor returns how long the session has been without viewer
// activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// stop cancels the upstream fetch and waits for the loop to exit.
func (s *Session) stop() {
	s.cancel()
	<-s.done
}

// run is the upstream fetch loop. It starts at the resolved stream and
// fails over along the channel's current priority ranking; the ranking
// is re-read from the catalog on every switch so health updates take
// effect mid-session. The ring closes when the loop exits, which ends
// every attached viewer with EOF.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.ring.Close()

	channelLabel := strconv.FormatInt(s.ChannelID, 10)
	currentURL := s.StartURL
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		ranked := s.mgr.store.RankedStreams(s.ChannelID)
		if len(ranked) == 0 {
			logger.Error("session %s: no active streams remain for channel %d", s.Key, s.ChannelID)
			return
		}

		maxAttempts := len(ranked) * 2
		if attempts >= maxAttempts {
			logger.Error("session %s: giving up after %d attempts", s.Key, attempts)
			return
		}

		stream, ok := pickStream(ranked, currentURL)
		if !ok {
			stream = ranked[0]
		}

		provider := s.mgr.providerConfig(stream.ProviderID)
		err := s.pull(ctx, stream.URL, provider)
		if err == nil || ctx.Err() != nil {
			return
		}

		attempts++
		logger.Warn("session %s: upstream %s failed (%v), failing over", s.Key, stream.URL, err)
		metrics.StreamFailovers.WithLabelValues(channelLabel).Inc()

		// Next attempt starts from the best-ranked stream that is not
		// the one that just died.
		currentURL = ""
		for _, cand := range s.mgr.store.RankedStreams(s.ChannelID) {
			if cand.URL != stream.URL {
				currentURL = cand.URL
				break
			}
		}
		if currentURL == "" {
			currentURL = stream.URL // nothing else, retry the same one
		}
	}
}

// pickStream finds the ranked stream matching url.
func pickStream(ranked []catalog.Stream, url string) (catalog.Stream, bool) {
	for _, s := range ranked {
		if s.URL == url {
			return s, true
		}
	}
	return catalog.Stream{}, false
}

// pull streams one upstream into the ring until it errors, ends, or
// the context is cancelled. HLS playlists go through the segment
// streamer; anything else is a plain chunked byte pull.
func (s *Session) pull(ctx context.Context, url string, provider *config.ProviderConfig) error {
	if hls.IsPlaylistURL(url) {
		return s.mgr.hls.Stream(ctx, url, provider, &ringWriter{session: s})
	}
	return s.pullDirect(ctx, url, provider)
}

func (s *Session) pullDirect(parent context.Context, url string, provider *config.ProviderConfig) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.mgr.client.DoFor(req, provider)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Watchdog: cancel the read if the upstream never sends the first
	// byte, or goes quiet mid-stream.
	gotFirst := atomic.Bool{}
	watchdog := time.AfterFunc(firstDataTimeout, cancel)
	defer watchdog.Stop()

	chunk := s.mgr.chunks.Get()
	defer s.mgr.chunks.Put(chunk)

	channelLabel := strconv.FormatInt(s.ChannelID, 10)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if gotFirst.CompareAndSwap(false, true) {
				logger.Debug("session %s: first data from %s", s.Key, url)
			}
			watchdog.Reset(dataStallTimeout)

			s.ring.Write(chunk[:n])
			s.bytesIn.Add(int64(n))
			metrics.BytesServed.WithLabelValues(channelLabel, "in").Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("upstream ended")
			}
			if ctx.Err() != nil && parent.Err() == nil {
				// The watchdog fired, not a caller cancellation.
				if !gotFirst.Load() {
					return fmt.Errorf("no data within %s", firstDataTimeout)
				}
				return fmt.Errorf("upstream stalled for %s", dataStallTimeout)
			}
			return err
		}
	}
}

// ringWriter adapts the session ring to io.Writer for the HLS
// streamer, accounting bytes as they land.
type ringWriter struct {
	session *Session
}

func (w *ringWriter) Write(p []byte) (int, error) {
	w.session.ring.Write(p)
	w.session.bytesIn.Add(int64(len(p)))
	metrics.BytesServed.WithLabelValues(strconv.FormatInt(w.session.ChannelID, 10), "in").Add(float64(len(p)))
	return len(p), nil
}
