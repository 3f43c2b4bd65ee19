package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/logger"
	"stream-manager/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"go.uber.org/ratelimit"
)

// extinfAttr matches key="value" pairs inside an #EXTINF line. Quoted
// values may contain spaces and commas, which is why this is not a
// strings.Fields split.
var extinfAttr = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

// ParseM3U fetches a provider playlist and converts its entries to raw
// stream tuples. The primary URL is tried first, then each backup URL.
func ParseM3U(ctx context.Context, httpClient *client.Client, limiter ratelimit.Limiter,
	p *config.ProviderConfig, providerID int64, obfuscate bool) ([]catalog.RawStream, error) {

	urls := append([]string{p.URL}, p.BackupURLs...)

	var lastErr error
	for _, u := range urls {
		if u == "" {
			continue
		}

		limiter.Take()
		streams, err := fetchAndScan(ctx, httpClient, p, u, providerID)
		if err != nil {
			lastErr = err
			logger.Warn("m3u: fetch from %s failed: %v", utils.LogURL(obfuscate, u), err)
			continue
		}

		logger.Info("m3u: provider %s produced %d streams", p.Name, len(streams))
		return streams, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable playlist URLs configured")
	}
	return nil, fmt.Errorf("m3u provider %s: %w", p.Name, lastErr)
}

func fetchAndScan(ctx context.Context, httpClient *client.Client, p *config.ProviderConfig,
	playlistURL string, providerID int64) ([]catalog.RawStream, error) {

	ctx, cancel := context.WithTimeout(ctx, p.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.DoFor(req, p)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodePlaylist(data, playlistURL, providerID)
}

// decodePlaylist tries the strict grafov decoder first. Provider
// playlists stuffed with tvg attributes usually fail strict HLS
// decoding, which drops us to the EXTINF scanner.
func decodePlaylist(data []byte, playlistURL string, providerID int64) ([]catalog.RawStream, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(data)), true)
	if err == nil {
		if streams := grafovStreams(playlist, listType, playlistURL, providerID); len(streams) > 0 {
			return streams, nil
		}
	} else {
		logger.Debug("m3u: grafov decode failed, using fallback scanner: %v", err)
	}
	return ScanM3U(bytes.NewReader(data), providerID)
}

// grafovStreams converts a decoded HLS playlist to raw tuples. A master
// playlist yields one tuple per variant; a media playlist is itself a
// single direct stream.
func grafovStreams(playlist m3u8.Playlist, listType m3u8.ListType, playlistURL string, providerID int64) []catalog.RawStream {
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var streams []catalog.RawStream
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			name := v.Name
			if name == "" && v.Resolution != "" {
				name = fmt.Sprintf("Stream %s", v.Resolution)
			} else if name == "" {
				name = fmt.Sprintf("Stream %d", v.Bandwidth)
			}
			attrs := make(map[string]string)
			if v.Bandwidth > 0 {
				attrs["bandwidth"] = fmt.Sprintf("%d", v.Bandwidth)
			}
			if v.Resolution != "" {
				attrs["resolution"] = v.Resolution
			}
			streams = append(streams, catalog.RawStream{
				Name:       name,
				URL:        v.URI,
				ProviderID: providerID,
				Attributes: attrs,
			})
		}
		return streams
	case m3u8.MEDIA:
		return []catalog.RawStream{{
			Name:       "Direct Stream",
			URL:        playlistURL,
			ProviderID: providerID,
			Attributes: make(map[string]string),
		}}
	}
	return nil
}

// ScanM3U walks playlist lines, pairing each #EXTINF header with the
// URL on the following non-comment line.
func ScanM3U(r io.Reader, providerID int64) ([]catalog.RawStream, error) {
	var streams []catalog.RawStream
	var pending map[string]string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			pending = parseEXTINF(line)
		case pending != nil && line != "" && !strings.HasPrefix(line, "#"):
			name := pending["tvg-name"]
			if name == "" {
				name = pending["display-name"]
			}
			if name == "" {
				name = "Unknown"
			}
			streams = append(streams, catalog.RawStream{
				Name:       name,
				URL:        line,
				ProviderID: providerID,
				Category:   pending["group-title"],
				LogoURL:    pending["tvg-logo"],
				Attributes: pending,
			})
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return streams, nil
}

// parseEXTINF splits an #EXTINF line into its attribute map. The
// display name follows the last comma outside quotes and lands under
// "display-name"; it becomes the stream name when no tvg-name
// attribute is present.
func parseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	body := strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(body) - 1; i >= 0; i-- {
		switch body[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				lastComma = i
			}
		}
		if lastComma >= 0 {
			break
		}
	}

	attrPart := body
	if lastComma >= 0 {
		attrPart = body[:lastComma]
		if name := strings.TrimSpace(body[lastComma+1:]); name != "" {
			attrs["display-name"] = name
		}
	}

	for _, m := range extinfAttr.FindAllStringSubmatch(attrPart, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}

	return attrs
}
