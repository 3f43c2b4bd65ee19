package catalog

import (
	"fmt"
	"time"
)

// HealthState is the liveness state of one provider stream.
type HealthState int32

const (
	StateUnknown HealthState = iota
	StateChecking
	StateAlive
	StateSuspect
	StateDead
)

func (s HealthState) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Provider is a configured upstream source. Providers are created from
// configuration at startup and are read-only afterwards.
type Provider struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "xtream" or "m3u"
	Priority int    `json:"priority"`
}

// ChannelKey is the identity triple of a canonical channel. Two raw
// streams whose names normalize to the same triple belong to the same
// channel.
type ChannelKey struct {
	NormalizedName string
	Region         string
	Variant        string
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.NormalizedName, k.Region, k.Variant)
}

// Channel is a canonical merged channel. Channels are never deleted,
// only disabled.
type Channel struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalizedName"`
	Region         string `json:"region"`
	Variant        string `json:"variant"`
	Category       string `json:"category"`
	LogoURL        string `json:"logoURL"`
	Enabled        bool   `json:"enabled"`
	StreamCount    int    `json:"streamCount"`
}

// Key returns the channel's identity triple.
func (c *Channel) Key() ChannelKey {
	return ChannelKey{NormalizedName: c.NormalizedName, Region: c.Region, Variant: c.Variant}
}

// Stream is one raw provider stream bound to exactly one channel and
// one provider. Health fields are mutated continuously by the monitor;
// PriorityOrder is a dense 0..k-1 ranking over the channel's active
// streams, -1 while inactive.
type Stream struct {
	ID         int64  `json:"id"`
	ChannelID  int64  `json:"channelID"`
	ProviderID int64  `json:"providerID"`
	Name       string `json:"name"` // raw display name from the provider
	URL        string `json:"url"`

	Resolution  string  `json:"resolution,omitempty"`
	BitrateKbps int     `json:"bitrateKbps,omitempty"`
	Codec       string  `json:"codec,omitempty"`
	FPS         float64 `json:"fps,omitempty"`

	QualityScore  int         `json:"qualityScore"`
	PriorityOrder int         `json:"priorityOrder"`
	Active        bool        `json:"active"`
	State         HealthState `json:"-"`

	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	FailureReason       string    `json:"failureReason,omitempty"`
	GraceRecovery       bool      `json:"graceRecovery"`
	ResponseTimeMs      int64     `json:"responseTimeMs"`
}

// HealthResult is the outcome of one completed health check, applied
// to the catalog as a single atomic update.
type HealthResult struct {
	StreamID      int64
	Alive         bool
	GraceRecovery bool
	ResponseTime  time.Duration
	Reason        string
	CheckedAt     time.Time
}

// RawStream is one (name, url, provider, metadata) tuple produced by
// provider ingestion, before channel assignment.
type RawStream struct {
	Name       string
	URL        string
	ProviderID int64
	Category   string
	LogoURL    string
	Attributes map[string]string
}
