package hls

import (
	"net/url"
	"path"
	"strings"
)

// IsPlaylistURL reports whether a stream URL looks like an HLS
// playlist. Detection is purely syntactic (extension and path/query
// hints); no request is made. Raw transport streams and everything
// else go down the plain byte-proxy path.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".m3u8", ".m3u":
		return true
	case ".ts", ".mp4", ".mkv", ".avi", ".flv":
		return false
	}

	p := strings.ToLower(u.Path)
	if strings.Contains(p, "/hls/") || strings.HasSuffix(p, "/playlist") || strings.HasSuffix(p, "/index") {
		return true
	}

	q := strings.ToLower(u.RawQuery)
	return strings.Contains(q, "m3u8") || strings.Contains(q, "type=hls")
}
