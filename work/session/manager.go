package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stream-manager/work/buffer"
	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/hls"
	"stream-manager/work/logger"
	"stream-manager/work/metrics"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrNoActiveStreams is returned when a channel has nothing alive to
// serve. This is the one viewer-visible failure: everything transient
// is absorbed by failover inside the session.
var ErrNoActiveStreams = errors.New("no active streams for channel")

// Manager owns all live sessions. Sessions are keyed by
// (channel, resolved stream URL): every viewer of the same channel at
// the same resolved stream shares one upstream fetch. Upstreams run on
// the manager's own context, never a viewer's request context, so one
// viewer disconnecting cannot kill the shared fetch.
type Manager struct {
	store        catalog.Store
	client       *client.Client
	hls          *hls.Streamer
	chunks       *buffer.ChunkPool
	sessions     *xsync.MapOf[string, *Session]
	providerCfgs map[int64]*config.ProviderConfig

	ringSize      int64
	idleTimeout   time.Duration
	sweepInterval time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewManager wires the session layer together. providerCfgs maps
// catalog provider IDs to their fetch configuration.
func NewManager(store catalog.Store, httpClient *client.Client, hlsStreamer *hls.Streamer,
	providerCfgs map[int64]*config.ProviderConfig, cfg *config.Config) *Manager {

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         store,
		client:        httpClient,
		hls:           hlsStreamer,
		chunks:        buffer.NewChunkPool(chunkSize),
		sessions:      xsync.NewMapOf[string, *Session](),
		providerCfgs:  providerCfgs,
		ringSize:      cfg.RingBufferSizeMB * 1024 * 1024,
		idleTimeout:   cfg.SessionIdleTimeout,
		sweepInterval: cfg.SessionSweepInterval,
		baseCtx:       baseCtx,
		stop:          cancel,
	}
}

// Start launches the idle sweep. The sweep is a safety net for
// sessions leaked by error paths; the normal path tears a session down
// the moment its last viewer detaches.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	m.sessions.Range(func(key string, s *Session) bool {
		if s.Viewers() == 0 && s.IdleFor() > m.idleTimeout {
			logger.Info("session %s: reaping after %s idle", key, s.IdleFor().Round(time.Second))
			m.remove(s)
		}
		return true
	})
}

// Shutdown stops every session and the sweep.
func (m *Manager) Shutdown() {
	m.stop()
	m.sessions.Range(func(key string, s *Session) bool {
		m.sessions.Delete(key)
		s.stop()
		return true
	})
	metrics.ActiveSessions.Set(0)
}

func (m *Manager) providerConfig(id int64) *config.ProviderConfig {
	return m.providerCfgs[id]
}

// remove unlinks the session so new viewers start fresh, then stops
// the upstream only if nobody is still reading. A viewer that raced in
// between keeps the orphaned session alive; its own detach stops it.
func (m *Manager) remove(s *Session) {
	m.sessions.Delete(s.Key)
	if s.Viewers() == 0 {
		s.stop()
	}
	metrics.ActiveSessions.Set(float64(m.sessions.Size()))
}

// getOrCreate returns the session for the resolved stream, creating
// and starting it if absent. A session whose fetch loop has already
// exited is replaced, not reused.
func (m *Manager) getOrCreate(channelID int64, resolved catalog.Stream) *Session {
	key := fmt.Sprintf("%d|%s", channelID, resolved.URL)

	for {
		s, loaded := m.sessions.LoadOrCompute(key, func() *Session {
			ctx, cancel := context.WithCancel(m.baseCtx)
			sess := &Session{
				Key:       key,
				ChannelID: channelID,
				StartURL:  resolved.URL,
				ring:      buffer.NewRing(m.ringSize),
				cancel:    cancel,
				done:      make(chan struct{}),
				mgr:       m,
			}
			sess.touch()
			go sess.run(ctx)
			return sess
		})

		if loaded {
			select {
			case <-s.done:
				// Dead session still in the map; clear it and retry.
				m.sessions.Delete(key)
				continue
			default:
			}
		} else {
			logger.Info("session %s: started", key)
			metrics.ActiveSessions.Set(float64(m.sessions.Size()))
		}
		return s
	}
}

// Attach serves one viewer: resolve the channel's best active stream,
// join (or start) its shared session, and relay the broadcast ring to
// the viewer until either side disconnects.
func (m *Manager) Attach(ctx context.Context, channelID int64, w http.ResponseWriter, r *http.Request) error {
	ranked := m.store.RankedStreams(channelID)
	if len(ranked) == 0 {
		return ErrNoActiveStreams
	}

	sess := m.getOrCreate(channelID, ranked[0])
	viewerID := r.RemoteAddr
	channelLabel := strconv.FormatInt(channelID, 10)

	sess.viewers.Add(1)
	sess.touch()
	metrics.SessionViewers.WithLabelValues(channelLabel).Inc()
	logger.Info("session %s: viewer %s attached (%d total)", sess.Key, viewerID, sess.Viewers())

	defer func() {
		remaining := sess.viewers.Add(-1)
		sess.touch()
		metrics.SessionViewers.WithLabelValues(channelLabel).Dec()
		logger.Info("session %s: viewer %s detached (%d remain)", sess.Key, viewerID, remaining)
		if remaining == 0 {
			m.remove(sess)
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported by connection")
	}

	// Long-lived response: the server's write deadline would kill the
	// stream mid-play.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("session %s: cannot clear write deadline: %v", sess.Key, err)
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// New viewers start at the live edge; they share bytes written from
	// here on, identically ordered with every other viewer.
	cursor := sess.ring.WritePos()
	buf := make([]byte, chunkSize)

	for {
		n, next, err := sess.ring.ReadFrom(ctx, cursor, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil // viewer went away
			}
			flusher.Flush()
			sess.touch()
			cursor = next
			metrics.BytesServed.WithLabelValues(channelLabel, "out").Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return nil // ring closed: upstream exhausted all streams
		}
	}
}

// Stats is a point-in-time snapshot of the session layer.
type Stats struct {
	ActiveSessions int           `json:"activeSessions"`
	TotalViewers   int           `json:"totalViewers"`
	TotalBytesIn   int64         `json:"totalBytesIn"`
	Sessions       []SessionInfo `json:"sessions"`
}

// SessionInfo describes one live session.
type SessionInfo struct {
	ChannelID int64  `json:"channelID"`
	URL       string `json:"url"`
	Viewers   int    `json:"viewers"`
	BytesIn   int64  `json:"bytesIn"`
	IdleSecs  int64  `json:"idleSecs"`
}

// Snapshot collects current session statistics.
func (m *Manager) Snapshot() Stats {
	stats := Stats{}
	m.sessions.Range(func(key string, s *Session) bool {
		info := SessionInfo{
			ChannelID: s.ChannelID,
			URL:       s.StartURL,
			Viewers:   s.Viewers(),
			BytesIn:   s.BytesIn(),
			IdleSecs:  int64(s.IdleFor().Seconds()),
		}
		stats.Sessions = append(stats.Sessions, info)
		stats.ActiveSessions++
		stats.TotalViewers += info.Viewers
		stats.TotalBytesIn += info.BytesIn
		return true
	})
	return stats
}
