package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of shared upstream sessions currently running.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_manager_active_sessions",
	Help: "Number of active shared upstream sessions",
})

// SessionViewers tracks viewers attached per channel. A gauge that moves
// in real time as viewers attach and detach.
var SessionViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stream_manager_session_viewers",
	Help: "Number of viewers attached to a channel session",
}, []string{"channel"})

// BytesServed counts bytes moved per channel. The "direction" label
// distinguishes upstream pulls ("in") from viewer delivery ("out").
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_manager_bytes_total",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// HealthChecks counts probe outcomes. The "result" label is one of
// alive, dead, grace_recovery or timeout.
var HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_manager_health_checks_total",
	Help: "Total health check probes by result",
}, []string{"result"})

// StreamFailovers counts mid-session switches to a lower priority stream.
var StreamFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_manager_failovers_total",
	Help: "Total mid-stream failovers",
}, []string{"channel"})

// SegmentCacheHits counts HLS segment cache hits.
var SegmentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_manager_segment_cache_hits_total",
	Help: "HLS segment cache hits",
})

// SegmentCacheMisses counts HLS segment cache misses.
var SegmentCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_manager_segment_cache_misses_total",
	Help: "HLS segment cache misses",
})

// ChannelsTotal reflects catalog channel count after each ingestion run.
var ChannelsTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_manager_channels_total",
	Help: "Canonical channels in the catalog",
})

// StreamsTotal reflects catalog stream count after each ingestion run.
var StreamsTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_manager_streams_total",
	Help: "Provider streams in the catalog",
})
