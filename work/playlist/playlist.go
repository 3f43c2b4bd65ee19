package playlist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stream-manager/work/catalog"

	"github.com/maypok86/otter/v2"
)

// Generator renders the merged channel lineup as an M3U playlist. The
// rendered text is cached with a short TTL so playlist polling by
// players does not walk the catalog on every request.
type Generator struct {
	store   catalog.Store
	baseURL string
	cache   *otter.Cache[string, string]
}

// New creates a generator. ttl bounds how stale a served playlist can
// be after a catalog change.
func New(store catalog.Store, baseURL string, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Generator{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      4,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		}),
	}
}

// Build returns the playlist text, rendering it on cache miss.
func (g *Generator) Build() string {
	if cached, ok := g.cache.GetIfPresent("m3u"); ok {
		return cached
	}

	text := g.render()
	g.cache.Set("m3u", text)
	return text
}

// Invalidate drops the cached playlist, forcing a re-render on the
// next request.
func (g *Generator) Invalidate() {
	g.cache.Invalidate("m3u")
}

func (g *Generator) render() string {
	channels := g.store.Channels()
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })

	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	for _, ch := range channels {
		if !ch.Enabled || ch.StreamCount == 0 {
			continue
		}

		b.WriteString(fmt.Sprintf(`#EXTINF:-1 tvg-id="%d" tvg-name="%s"`, ch.ID, escapeAttr(ch.Name)))
		if ch.LogoURL != "" {
			b.WriteString(fmt.Sprintf(` tvg-logo="%s"`, escapeAttr(ch.LogoURL)))
		}
		if ch.Category != "" {
			b.WriteString(fmt.Sprintf(` group-title="%s"`, escapeAttr(ch.Category)))
		}
		b.WriteString(fmt.Sprintf(",%s\n", ch.Name))
		b.WriteString(fmt.Sprintf("%s/auto/v%d\n", g.baseURL, ch.ID))
	}

	return b.String()
}

// escapeAttr keeps quoted attribute values parseable. M3U has no
// escape syntax, so double quotes are simply dropped.
func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}
