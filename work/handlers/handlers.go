package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"stream-manager/work/catalog"
	"stream-manager/work/health"
	"stream-manager/work/hls"
	"stream-manager/work/logger"
	"stream-manager/work/matcher"
	"stream-manager/work/playlist"
	"stream-manager/work/session"

	"github.com/gorilla/mux"
)

// Server bundles the pieces the HTTP surface needs.
type Server struct {
	Store    catalog.Store
	Sessions *session.Manager
	Monitor  *health.Monitor
	Playlist *playlist.Generator
	Segments *hls.SegmentCache
	Matcher  *matcher.Matcher

	// MergeThreshold is the similarity floor for the merge review
	// endpoint.
	MergeThreshold float64
}

// Stream handles GET /auto/v{channelID}: attach the viewer to the
// channel's shared session and relay until disconnect.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(mux.Vars(r)["channelID"], 10, 64)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	if _, ok := s.Store.ChannelByID(channelID); !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	if err := s.Sessions.Attach(r.Context(), channelID, w, r); err != nil {
		if errors.Is(err, session.ErrNoActiveStreams) {
			http.Error(w, "no active streams for channel", http.StatusServiceUnavailable)
			return
		}
		logger.Error("stream: attach failed for channel %d: %v", channelID, err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
	}
}

// PlaylistM3U handles GET /playlist.m3u8.
func (s *Server) PlaylistM3U(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(s.Playlist.Build()))
}

// Channels handles GET /api/channels.
func (s *Server) Channels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Store.Channels())
}

// ChannelStreams handles GET /api/channels/{id}/streams, listing the
// channel's streams in priority order with inactive ones last.
func (s *Server) ChannelStreams(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	if _, ok := s.Store.ChannelByID(id); !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	type streamView struct {
		catalog.Stream
		State string `json:"state"`
	}
	streams := s.Store.StreamsForChannel(id)
	out := make([]streamView, 0, len(streams))
	for _, st := range streams {
		out = append(out, streamView{Stream: st, State: st.State.String()})
	}
	writeJSON(w, out)
}

// MergeCandidates handles GET /api/channels/merge-candidates: channel
// pairs whose names are near-duplicates, for manual review. The fuzzy
// pass is quadratic per region bucket, so it only runs on demand.
func (s *Server) MergeCandidates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Matcher.MergeCandidates(s.MergeThreshold))
}

// HealthCheck handles POST /api/health/check. An optional ?provider=N
// query restricts the run to one provider's streams.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var providerID int64
	if p := r.URL.Query().Get("provider"); p != "" {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			http.Error(w, "invalid provider id", http.StatusBadRequest)
			return
		}
		if _, ok := s.Store.ProviderByID(id); !ok {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		providerID = id
	}

	// The check can take minutes against slow providers; run it off the
	// request and answer immediately.
	go func() {
		n := s.Monitor.RunCheck(context.Background(), providerID)
		logger.Info("api: manual health check finished (%d streams)", n)
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "check started"})
}

// Stats handles GET /api/stats.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	hits, misses := s.Segments.Stats()

	active, suspect, dead := 0, 0, 0
	for _, ch := range s.Store.Channels() {
		for _, st := range s.Store.StreamsForChannel(ch.ID) {
			switch {
			case st.Active:
				active++
			case st.State == catalog.StateSuspect:
				suspect++
			default:
				dead++
			}
		}
	}

	writeJSON(w, map[string]any{
		"channels": s.Store.ChannelCount(),
		"streams": map[string]int{
			"total":   s.Store.StreamCount(),
			"active":  active,
			"suspect": suspect,
			"dead":    dead,
		},
		"sessions": s.Sessions.Snapshot(),
		"segmentCache": map[string]int64{
			"entries": int64(s.Segments.Len()),
			"hits":    hits,
			"misses":  misses,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("api: failed to encode response: %v", err)
	}
}
