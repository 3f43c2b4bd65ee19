package matcher

import (
	"sort"
	"strings"

	"stream-manager/work/catalog"
	"stream-manager/work/logger"
	"stream-manager/work/scorer"

	"github.com/grafana/regexp"
)

var (
	bracketed  = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	separators = regexp.MustCompile(`[-_./]+`)
	countryTag = regexp.MustCompile(`(?i)^(usa?|uk|ca|au|de|fr|es|nl)\s*[:|]\s*`)
	whitespace = regexp.MustCompile(`\s+`)

	regionPattern = regexp.MustCompile(`(?i)\b(east|west|central|pacific|mountain|atlantic)\b`)

	variantPatterns = []struct {
		label   string
		pattern *regexp.Regexp
	}{
		{"4K", regexp.MustCompile(`(?i)\b(4k|uhd|2160p?)\b`)},
		{"Plus", regexp.MustCompile(`(?i)\bplus\b|\+$`)},
	}

	// Resolution and feed markers carry quality information, not channel
	// identity; they are consumed by the scorer and stripped here so
	// "ESPN HD" and "ESPN" land on the same channel.
	noisePattern = regexp.MustCompile(`(?i)\b(8k|4k|uhd|2160p?|1440p|qhd|1080[pi]?|fhd|full\s?hd|720p?|576[pi]?|480[pi]?|360p|240p|hd|sd|hevc|h\.?26[45]|raw|vip|backup|feed|east|west|central|pacific|mountain|atlantic|plus)\b`)
)

// Matcher assigns raw provider streams to canonical channels through
// an exact indexed lookup on the (normalized name, region, variant)
// triple. Catalogs run to tens of thousands of streams, so nothing on
// this path may scan all channels.
type Matcher struct {
	store catalog.Store
}

// New creates a matcher over the given catalog.
func New(store catalog.Store) *Matcher {
	return &Matcher{store: store}
}

// Normalize produces the canonical form of a channel name: lower case,
// bracketed chunks and country prefixes removed, separators flattened,
// quality and region tokens stripped, whitespace collapsed.
func Normalize(name string) string {
	s := strings.ToLower(name)
	s = bracketed.ReplaceAllString(s, " ")
	s = countryTag.ReplaceAllString(s, "")
	s = separators.ReplaceAllString(s, " ")
	s = noisePattern.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ExtractRegion returns the region tag found in the raw name, or "".
func ExtractRegion(name string) string {
	return titleCase(regionPattern.FindString(name))
}

// ExtractVariant returns the variant tag found in the raw name, or "".
func ExtractVariant(name string) string {
	for _, v := range variantPatterns {
		if v.pattern.MatchString(name) {
			return v.label
		}
	}
	return ""
}

// KeyFor computes the channel identity triple for a raw name.
func KeyFor(name string) catalog.ChannelKey {
	return catalog.ChannelKey{
		NormalizedName: Normalize(name),
		Region:         ExtractRegion(name),
		Variant:        ExtractVariant(name),
	}
}

// Assign attaches one raw stream to its canonical channel, creating
// the channel on first sight of the triple. The stream is scored from
// its name/URL/attribute metadata before ranking.
func (m *Matcher) Assign(raw catalog.RawStream) (catalog.Channel, catalog.Stream) {
	key := KeyFor(raw.Name)
	if key.NormalizedName == "" {
		key.NormalizedName = strings.ToLower(strings.TrimSpace(raw.Name))
	}

	display := displayName(key)
	ch, created := m.store.EnsureChannel(key, display, raw.Category, raw.LogoURL)
	if created {
		logger.Debug("matcher: new channel %q (region=%q variant=%q)", display, key.Region, key.Variant)
	}

	resolution := scorer.DetectResolution(raw.Name, raw.URL)
	bitrate := bitrateFromAttributes(raw.Attributes)

	s := catalog.Stream{
		ChannelID:   ch.ID,
		ProviderID:  raw.ProviderID,
		Name:        raw.Name,
		URL:         raw.URL,
		Resolution:  resolution,
		BitrateKbps: bitrate,
	}
	s.QualityScore = scorer.Score(resolution, bitrate)

	return ch, m.store.AttachStream(s)
}

// displayName renders a human-readable channel name from the triple.
func displayName(key catalog.ChannelKey) string {
	words := strings.Fields(key.NormalizedName)
	for i, w := range words {
		words[i] = titleCase(w)
	}
	name := strings.Join(words, " ")
	if key.Region != "" {
		name += " " + key.Region
	}
	if key.Variant != "" {
		name += " " + key.Variant
	}
	return name
}

func titleCase(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}

func bitrateFromAttributes(attrs map[string]string) int {
	if attrs == nil {
		return 0
	}
	for _, k := range []string{"bitrate", "bandwidth"} {
		if v, ok := attrs[k]; ok {
			kbps := 0
			for _, c := range v {
				if c < '0' || c > '9' {
					break
				}
				kbps = kbps*10 + int(c-'0')
			}
			if k == "bandwidth" {
				kbps /= 1000 // bandwidth attributes are bits per second
			}
			if kbps > 0 {
				return kbps
			}
		}
	}
	return 0
}

// MergeCandidate is a pair of channels whose names are similar enough
// that they may be duplicates worth a manual merge.
type MergeCandidate struct {
	A, B       catalog.Channel
	Similarity float64
}

// MergeCandidates runs the fuzzy pass over the whole catalog. This is
// an explicit review operation, deliberately kept off the ingestion
// path: it is O(n^2) over channels sharing a region/variant bucket.
func (m *Matcher) MergeCandidates(threshold float64) []MergeCandidate {
	if threshold <= 0 {
		threshold = 0.85
	}

	channels := m.store.Channels()
	buckets := make(map[[2]string][]catalog.Channel)
	for _, ch := range channels {
		k := [2]string{ch.Region, ch.Variant}
		buckets[k] = append(buckets[k], ch)
	}

	var out []MergeCandidate
	for _, bucket := range buckets {
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				sim := Similarity(bucket[i].NormalizedName, bucket[j].NormalizedName)
				if sim >= threshold && sim < 1.0 {
					out = append(out, MergeCandidate{A: bucket[i], B: bucket[j], Similarity: sim})
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// Similarity combines a token-set ratio with a character-level ratio,
// returning the higher of the two. Token order does not matter; "fox
// sports 1" and "sports fox 1" compare as equal.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ts := tokenSetRatio(a, b)
	lv := levenshteinRatio(a, b)
	if ts > lv {
		return ts
	}
	return lv
}

func tokenSetRatio(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}

func levenshteinRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	d := levenshtein(a, b)
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return 1.0 - float64(d)/float64(max)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
