package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds all runtime settings for the stream manager: provider
// definitions, health checking, session sharing, and HLS proxying.
type Config struct {
	BaseURL              string           `json:"baseURL"`              // External base URL used in generated playlists and lineups
	ListenAddr           string           `json:"listenAddr"`           // HTTP listen address
	DatabasePath         string           `json:"databasePath"`         // SQLite catalog path
	Debug                bool             `json:"debug"`                // Enable debug logging
	ObfuscateUrls        bool             `json:"obfuscateUrls"`        // Obfuscate provider URLs in logs
	DeviceID             string           `json:"deviceID"`             // HDHomeRun device identifier
	TunerCount           int              `json:"tunerCount"`           // Advertised tuner count
	Providers            []ProviderConfig `json:"providers"`            // Configured upstream providers
	SyncInterval         time.Duration    `json:"syncInterval"`         // Interval between provider ingestion runs
	HealthCheckInterval  time.Duration    `json:"healthCheckInterval"`  // Interval between scheduled health runs
	HealthCheckTimeout   time.Duration    `json:"healthCheckTimeout"`   // Per-probe timeout
	HealthConcurrency    int              `json:"healthConcurrency"`    // Max in-flight probes across all providers
	GraceDelay           time.Duration    `json:"graceDelay"`           // Delay before the grace retry of a failed probe
	GraceWindow          time.Duration    `json:"graceWindow"`          // Max total time for probe plus grace retry
	FailureThreshold     int              `json:"failureThreshold"`     // Consecutive failures before a stream is deactivated
	MediaProbeEnabled    bool             `json:"mediaProbeEnabled"`    // Allow ffprobe resolution detection (slow path)
	MediaProbePerSecond  int              `json:"mediaProbePerSecond"`  // Rate limit for ffprobe invocations
	VariantPolicy        string           `json:"variantPolicy"`        // HLS variant selection: best, worst or auto
	SegmentCacheSize     int              `json:"segmentCacheSize"`     // Max entries in the HLS segment cache
	SegmentFetchAhead    int              `json:"segmentFetchAhead"`    // Concurrent segment fetches ahead of playback
	SessionIdleTimeout   time.Duration    `json:"sessionIdleTimeout"`   // Idle time before a viewerless session is reaped
	SessionSweepInterval time.Duration    `json:"sessionSweepInterval"` // Interval of the idle session sweep
	RingBufferSizeMB     int64            `json:"ringBufferSizeMB"`     // Broadcast ring buffer size per session, in MB
	PlaylistCacheTTL     time.Duration    `json:"playlistCacheTTL"`     // TTL for generated playlist/lineup responses
	MergeThreshold       float64          `json:"mergeThreshold"`       // Similarity threshold for merge candidate review
}

// ProviderConfig describes one upstream source. Type selects the
// ingestion path: "xtream" talks to a player_api.php endpoint, "m3u"
// fetches a playlist URL. Backup hosts/URLs are tried in order when
// the primary fails.
type ProviderConfig struct {
	Name         string        `json:"name"`
	Type         string        `json:"type"`     // "xtream" or "m3u"
	Priority     int           `json:"priority"` // Higher wins score ties
	Host         string        `json:"host"`     // Xtream base host, e.g. http://host:port
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	BackupHosts  []string      `json:"backupHosts,omitempty"`
	URL          string        `json:"url"` // M3U playlist URL
	BackupURLs   []string      `json:"backupUrls,omitempty"`
	RatePerSec   int           `json:"ratePerSec"` // API request rate limit toward this provider
	FetchTimeout time.Duration `json:"fetchTimeout"`
	UserAgent    string        `json:"userAgent"`
	ReqOrigin    string        `json:"reqOrigin"`
	ReqReferrer  string        `json:"reqReferrer"`
}

// ConfigFile mirrors Config for JSON marshaling; duration fields are
// strings like "30s" or "12h" and parsed on load.
type ConfigFile struct {
	BaseURL              string               `json:"baseURL"`
	ListenAddr           string               `json:"listenAddr"`
	DatabasePath         string               `json:"databasePath"`
	Debug                bool                 `json:"debug"`
	ObfuscateUrls        bool                 `json:"obfuscateUrls"`
	DeviceID             string               `json:"deviceID"`
	TunerCount           int                  `json:"tunerCount"`
	Providers            []ProviderConfigFile `json:"providers"`
	SyncInterval         string               `json:"syncInterval"`
	HealthCheckInterval  string               `json:"healthCheckInterval"`
	HealthCheckTimeout   string               `json:"healthCheckTimeout"`
	HealthConcurrency    int                  `json:"healthConcurrency"`
	GraceDelay           string               `json:"graceDelay"`
	GraceWindow          string               `json:"graceWindow"`
	FailureThreshold     int                  `json:"failureThreshold"`
	MediaProbeEnabled    bool                 `json:"mediaProbeEnabled"`
	MediaProbePerSecond  int                  `json:"mediaProbePerSecond"`
	VariantPolicy        string               `json:"variantPolicy"`
	SegmentCacheSize     int                  `json:"segmentCacheSize"`
	SegmentFetchAhead    int                  `json:"segmentFetchAhead"`
	SessionIdleTimeout   string               `json:"sessionIdleTimeout"`
	SessionSweepInterval string               `json:"sessionSweepInterval"`
	RingBufferSizeMB     int64                `json:"ringBufferSizeMB"`
	PlaylistCacheTTL     string               `json:"playlistCacheTTL"`
	MergeThreshold       float64              `json:"mergeThreshold"`
}

// ProviderConfigFile is the JSON form of ProviderConfig.
type ProviderConfigFile struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Priority     int      `json:"priority"`
	Host         string   `json:"host"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	BackupHosts  []string `json:"backupHosts,omitempty"`
	URL          string   `json:"url"`
	BackupURLs   []string `json:"backupUrls,omitempty"`
	RatePerSec   int      `json:"ratePerSec"`
	FetchTimeout string   `json:"fetchTimeout"`
	UserAgent    string   `json:"userAgent"`
	ReqOrigin    string   `json:"reqOrigin"`
	ReqReferrer  string   `json:"reqReferrer"`
}

// DefaultPath is where LoadConfig looks when no explicit path is given.
const DefaultPath = "/settings/config.json"

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads configuration from DefaultPath, falling back to
// defaults when the file is missing or invalid. The result is cached;
// subsequent calls return the same instance until ClearConfigCache.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := LoadFromFile(DefaultPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", DefaultPath, err)
		log.Printf("Falling back to default configuration")
		cfg = defaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg

	if cfg.Debug {
		log.Printf("Configuration loaded: %d providers", len(cfg.Providers))
		for i := range cfg.Providers {
			p := &cfg.Providers[i]
			log.Printf("  Provider %d (%s, %s): %s (priority %d)",
				i+1, p.Name, p.Type, obfuscateURL(p.endpoint()), p.Priority)
		}
	}

	return cfg
}

// LoadFromFile reads and parses a JSON configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

func (p *ProviderConfig) endpoint() string {
	if p.Type == "m3u" {
		return p.URL
	}
	return p.Host
}

// parseDuration parses a duration string, treating "" as zero so
// omitted fields fall through to defaults instead of erroring.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:             cf.BaseURL,
		ListenAddr:          cf.ListenAddr,
		DatabasePath:        cf.DatabasePath,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		DeviceID:            cf.DeviceID,
		TunerCount:          cf.TunerCount,
		HealthConcurrency:   cf.HealthConcurrency,
		FailureThreshold:    cf.FailureThreshold,
		MediaProbeEnabled:   cf.MediaProbeEnabled,
		MediaProbePerSecond: cf.MediaProbePerSecond,
		VariantPolicy:       cf.VariantPolicy,
		SegmentCacheSize:    cf.SegmentCacheSize,
		SegmentFetchAhead:   cf.SegmentFetchAhead,
		RingBufferSizeMB:    cf.RingBufferSizeMB,
		MergeThreshold:      cf.MergeThreshold,
	}

	var err error
	durations := []struct {
		dst   *time.Duration
		field string
		src   string
	}{
		{&cfg.SyncInterval, "syncInterval", cf.SyncInterval},
		{&cfg.HealthCheckInterval, "healthCheckInterval", cf.HealthCheckInterval},
		{&cfg.HealthCheckTimeout, "healthCheckTimeout", cf.HealthCheckTimeout},
		{&cfg.GraceDelay, "graceDelay", cf.GraceDelay},
		{&cfg.GraceWindow, "graceWindow", cf.GraceWindow},
		{&cfg.SessionIdleTimeout, "sessionIdleTimeout", cf.SessionIdleTimeout},
		{&cfg.SessionSweepInterval, "sessionSweepInterval", cf.SessionSweepInterval},
		{&cfg.PlaylistCacheTTL, "playlistCacheTTL", cf.PlaylistCacheTTL},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.field, d.src); err != nil {
			return nil, err
		}
	}

	cfg.Providers = make([]ProviderConfig, len(cf.Providers))
	for i, pf := range cf.Providers {
		p := &cfg.Providers[i]
		p.Name = pf.Name
		p.Type = pf.Type
		p.Priority = pf.Priority
		p.Host = pf.Host
		p.Username = pf.Username
		p.Password = pf.Password
		p.BackupHosts = pf.BackupHosts
		p.URL = pf.URL
		p.BackupURLs = pf.BackupURLs
		p.RatePerSec = pf.RatePerSec
		p.UserAgent = pf.UserAgent
		p.ReqOrigin = pf.ReqOrigin
		p.ReqReferrer = pf.ReqReferrer
		if p.FetchTimeout, err = parseDuration("fetchTimeout for provider "+p.Name, pf.FetchTimeout); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8080",
		ListenAddr: ":8080",
		Providers:  []ProviderConfig{},
	}
}

// validateAndSetDefaults fills safe defaults for missing or invalid
// values so a partial config file still yields a working setup.
func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/settings/stream-manager.db"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "12345678"
	}
	if cfg.TunerCount <= 0 {
		cfg.TunerCount = 4
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 12 * time.Hour
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Minute
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 10 * time.Second
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = 50
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 300 * time.Millisecond
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MediaProbePerSecond <= 0 {
		cfg.MediaProbePerSecond = 1
	}
	switch cfg.VariantPolicy {
	case "best", "worst", "auto":
	default:
		cfg.VariantPolicy = "best"
	}
	if cfg.SegmentCacheSize <= 0 {
		cfg.SegmentCacheSize = 50
	}
	if cfg.SegmentFetchAhead <= 0 {
		cfg.SegmentFetchAhead = 4
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 5 * time.Minute
	}
	if cfg.SessionSweepInterval <= 0 {
		cfg.SessionSweepInterval = 30 * time.Second
	}
	if cfg.RingBufferSizeMB <= 0 {
		cfg.RingBufferSizeMB = 1
	}
	if cfg.PlaylistCacheTTL <= 0 {
		cfg.PlaylistCacheTTL = 30 * time.Second
	}
	if cfg.MergeThreshold <= 0 || cfg.MergeThreshold > 1 {
		cfg.MergeThreshold = 0.85
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("Provider_%d", i+1)
		}
		if p.Type == "" {
			if p.URL != "" {
				p.Type = "m3u"
			} else {
				p.Type = "xtream"
			}
		}
		if p.Priority <= 0 {
			p.Priority = len(cfg.Providers) - i
		}
		if p.RatePerSec <= 0 {
			p.RatePerSec = 5
		}
		if p.FetchTimeout <= 0 {
			p.FetchTimeout = 2 * time.Minute
		}
		if p.UserAgent == "" {
			p.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
		}
	}
}

// GetProviderByName returns the provider with the given name, or nil.
func (c *Config) GetProviderByName(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// ClearConfigCache forces the next LoadConfig to re-read the file.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks the path, query and fragment of a URL, keeping
// only scheme and host for log output.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
