package scorer

import (
	"strings"

	"github.com/grafana/regexp"
)

// Resolution tiers in descending order of quality. Detection walks the
// list top-down so "4k uhd 1080p" style names resolve to the best tier
// mentioned.
type tier struct {
	Label   string
	Score   int
	pattern *regexp.Regexp
}

var tiers = []tier{
	{"8K", 1000, regexp.MustCompile(`(?i)\b(8k|4320p)\b`)},
	{"4K", 900, regexp.MustCompile(`(?i)\b(4k|uhd|2160p?)\b`)},
	{"1440p", 800, regexp.MustCompile(`(?i)\b(1440p|2k|qhd)\b`)},
	{"1080p", 700, regexp.MustCompile(`(?i)\b(1080[pi]?|fhd|full\s?hd)\b`)},
	{"720p", 600, regexp.MustCompile(`(?i)\b(720p?|hd)\b`)},
	{"576p", 500, regexp.MustCompile(`(?i)\b576[pi]?\b`)},
	{"480p", 400, regexp.MustCompile(`(?i)\b480[pi]?\b`)},
	{"SD", 300, regexp.MustCompile(`(?i)\bsd\b`)},
	{"360p", 200, regexp.MustCompile(`(?i)\b360p\b`)},
	{"240p", 100, regexp.MustCompile(`(?i)\b240p\b`)},
}

// expectedBitrate is the bitrate (kbps) a stream of that tier should
// sustain. Tiers without an entry skip the bitrate adjustment.
var expectedBitrate = map[string]int{
	"8K":    15000,
	"4K":    15000,
	"1080p": 5000,
	"720p":  2500,
	"480p":  1000,
	"360p":  500,
}

// baseScore returns the score for a resolution label, 0 for unknown.
func baseScore(resolution string) int {
	for _, t := range tiers {
		if strings.EqualFold(t.Label, resolution) {
			return t.Score
		}
	}
	return 0
}

// Score maps quality metadata to a 0-1000 rank. An unknown resolution
// scores 0 regardless of bitrate. A known resolution earns its tier's
// base score; a bitrate at or above the tier's expectation adds a flat
// bonus, a shortfall scales the base down proportionally.
func Score(resolution string, bitrateKbps int) int {
	score := baseScore(resolution)
	if score == 0 {
		return 0
	}

	expected, ok := expectedBitrate[normalizeLabel(resolution)]
	if ok && bitrateKbps > 0 {
		if bitrateKbps >= expected {
			score += 50
		} else {
			score = score * bitrateKbps / expected
		}
	}

	if score > 1000 {
		score = 1000
	}
	if score < 0 {
		score = 0
	}
	return score
}

func normalizeLabel(resolution string) string {
	for _, t := range tiers {
		if strings.EqualFold(t.Label, resolution) {
			return t.Label
		}
	}
	return resolution
}

// DetectResolution finds a resolution label in the display name first,
// then the URL. Both are pure string scans; the slow media probe path
// lives in prober.go and is only used when explicitly requested.
func DetectResolution(name, url string) string {
	if label := matchResolution(name); label != "" {
		return label
	}
	return matchResolution(url)
}

func matchResolution(s string) string {
	if s == "" {
		return ""
	}
	for _, t := range tiers {
		if t.pattern.MatchString(s) {
			return t.Label
		}
	}
	return ""
}

// LabelForHeight maps a probed frame height to the nearest tier label.
func LabelForHeight(height int) string {
	switch {
	case height >= 4000:
		return "8K"
	case height >= 2000:
		return "4K"
	case height >= 1300:
		return "1440p"
	case height >= 1000:
		return "1080p"
	case height >= 700:
		return "720p"
	case height >= 560:
		return "576p"
	case height >= 440:
		return "480p"
	case height >= 340:
		return "360p"
	case height > 0:
		return "240p"
	default:
		return ""
	}
}
