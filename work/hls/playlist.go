package hls

import (
	"bufio"
	"errors"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// Variant is one quality rendition advertised by a master playlist.
type Variant struct {
	URL        string
	Bandwidth  int // bits per second as advertised
	Resolution string
	Codecs     string
}

// MediaInfo is the useful subset of a media playlist: the segment URLs
// in playlist order plus refresh timing.
type MediaInfo struct {
	SegmentURLs    []string
	TargetDuration time.Duration
	Ended          bool // playlist carried #EXT-X-ENDLIST
}

var (
	errNoVariants = errors.New("no variants in master playlist")
	errNotHLS     = errors.New("not an HLS playlist")
)

// attrPattern matches KEY=VALUE pairs inside #EXT-X-STREAM-INF lines,
// used by the fallback parser when the strict decoder rejects a
// playlist (providers emit plenty of almost-valid ones).
var attrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]+)`)

// IsMaster reports whether raw playlist content is a master playlist.
func IsMaster(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

// ParseMaster extracts variants from master playlist content. Relative
// variant URIs are resolved against the playlist's own URL. The strict
// grafov decoder is tried first; a line scanner picks up the rest.
func ParseMaster(content, playlistURL string) ([]Variant, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, err
	}

	if variants, err := parseMasterStrict(content, base); err == nil && len(variants) > 0 {
		return variants, nil
	}
	return parseMasterFallback(content, base)
}

func parseMasterStrict(content string, base *url.URL) ([]Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(content)), true)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MASTER {
		return nil, errNotHLS
	}

	master := playlist.(*m3u8.MasterPlaylist)
	variants := make([]Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		variants = append(variants, Variant{
			URL:        resolveAgainst(base, v.URI),
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
		})
	}
	if len(variants) == 0 {
		return nil, errNoVariants
	}
	return variants, nil
}

func parseMasterFallback(content string, base *url.URL) ([]Variant, error) {
	var variants []Variant
	var pending *Variant

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			v := Variant{}
			for _, m := range attrPattern.FindAllStringSubmatch(line, -1) {
				val := strings.Trim(m[2], `"`)
				switch m[1] {
				case "BANDWIDTH":
					v.Bandwidth, _ = strconv.Atoi(val)
				case "RESOLUTION":
					v.Resolution = val
				case "CODECS":
					v.Codecs = val
				}
			}
			pending = &v
		} else if pending != nil && line != "" && !strings.HasPrefix(line, "#") {
			pending.URL = resolveAgainst(base, line)
			variants = append(variants, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, errNoVariants
	}
	return variants, nil
}

// audioOnly reports whether a variant advertises no video codec.
func audioOnly(v Variant) bool {
	if v.Resolution != "" {
		return false
	}
	if v.Codecs == "" {
		return false
	}
	for _, c := range strings.Split(v.Codecs, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if !strings.HasPrefix(c, "mp4a") && !strings.HasPrefix(c, "ac-3") && !strings.HasPrefix(c, "ec-3") {
			return false
		}
	}
	return true
}

// SelectVariant picks one variant per policy: "best" takes the highest
// advertised bandwidth, "worst" the lowest, "auto" the median. Audio
// only renditions are ignored unless nothing else exists.
func SelectVariant(variants []Variant, policy string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, errNoVariants
	}

	candidates := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if !audioOnly(v) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		candidates = variants
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Bandwidth > candidates[j].Bandwidth
	})

	switch policy {
	case "worst":
		return candidates[len(candidates)-1], nil
	case "auto":
		return candidates[len(candidates)/2], nil
	default: // "best"
		return candidates[0], nil
	}
}

// ParseMedia extracts segment URLs from a media playlist, resolving
// relative URIs against the playlist's own URL.
func ParseMedia(content, playlistURL string) (MediaInfo, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return MediaInfo{}, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(content)), true)
	if err == nil && listType == m3u8.MEDIA {
		media := playlist.(*m3u8.MediaPlaylist)
		info := MediaInfo{
			TargetDuration: time.Duration(media.TargetDuration * float64(time.Second)),
			Ended:          media.Closed,
		}
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			info.SegmentURLs = append(info.SegmentURLs, resolveAgainst(base, seg.URI))
		}
		return info, nil
	}

	return parseMediaFallback(content, base)
}

func parseMediaFallback(content string, base *url.URL) (MediaInfo, error) {
	var info MediaInfo
	sawExtinf := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				info.TargetDuration = time.Duration(secs * float64(time.Second))
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			sawExtinf = true
		case line == "#EXT-X-ENDLIST":
			info.Ended = true
		case sawExtinf && line != "" && !strings.HasPrefix(line, "#"):
			info.SegmentURLs = append(info.SegmentURLs, resolveAgainst(base, line))
			sawExtinf = false
		}
	}
	if err := scanner.Err(); err != nil {
		return MediaInfo{}, err
	}
	if len(info.SegmentURLs) == 0 {
		return MediaInfo{}, errNotHLS
	}
	return info, nil
}

func resolveAgainst(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// readAll is a small helper bound to playlist-sized responses.
func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, 4<<20))
	return string(b), err
}
