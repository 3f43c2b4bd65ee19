package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/logger"
	"stream-manager/work/utils"

	"go.uber.org/ratelimit"
)

// FlexInt tolerates providers that serialize numeric IDs as strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

type xcLiveStream struct {
	Num        FlexInt `json:"num"`
	Name       string  `json:"name"`
	StreamID   FlexInt `json:"stream_id"`
	StreamIcon string  `json:"stream_icon"`
	CategoryID string  `json:"category_id"`
}

type xcCategory struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

// fetchXC retrieves one player_api.php action and decodes its JSON
// array payload.
func fetchXC[T any](ctx context.Context, httpClient *client.Client, p *config.ProviderConfig, host, action string) ([]T, error) {
	apiURL := fmt.Sprintf("%s/player_api.php?username=%s&password=%s&action=%s",
		host, url.QueryEscape(p.Username), url.QueryEscape(p.Password), action)

	ctx, cancel := context.WithTimeout(ctx, p.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.DoFor(req, p)
	if err != nil {
		return nil, fmt.Errorf("xtream api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xtream api returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	var out []T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("xtream api decode failed for %s: %w", action, err)
	}
	return out, nil
}

// ParseXtream pulls the live stream list from an Xtream-Codes provider
// and converts it to raw stream tuples. The primary host is tried
// first, then each backup host in order. Every API call takes a token
// from the provider's rate limiter first.
func ParseXtream(ctx context.Context, httpClient *client.Client, limiter ratelimit.Limiter,
	p *config.ProviderConfig, providerID int64, obfuscate bool) ([]catalog.RawStream, error) {

	hosts := append([]string{p.Host}, p.BackupHosts...)

	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}

		limiter.Take()
		categories, err := fetchXC[xcCategory](ctx, httpClient, p, host, "get_live_categories")
		if err != nil {
			logger.Warn("xtream: category fetch from %s failed: %v", utils.LogURL(obfuscate, host), err)
			// Categories are decoration; keep going with an empty map.
			categories = nil
		}
		categoryNames := make(map[string]string, len(categories))
		for _, c := range categories {
			categoryNames[c.CategoryID] = c.CategoryName
		}

		limiter.Take()
		live, err := fetchXC[xcLiveStream](ctx, httpClient, p, host, "get_live_streams")
		if err != nil {
			lastErr = err
			logger.Warn("xtream: live stream fetch from %s failed: %v", utils.LogURL(obfuscate, host), err)
			continue
		}

		streams := make([]catalog.RawStream, 0, len(live))
		for _, s := range live {
			if s.Name == "" || s.StreamID == 0 {
				continue
			}
			streams = append(streams, catalog.RawStream{
				Name:       s.Name,
				URL:        fmt.Sprintf("%s/live/%s/%s/%d.ts", host, p.Username, p.Password, int64(s.StreamID)),
				ProviderID: providerID,
				Category:   categoryNames[s.CategoryID],
				LogoURL:    s.StreamIcon,
			})
		}

		logger.Info("xtream: provider %s produced %d live streams", p.Name, len(streams))
		return streams, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable hosts configured")
	}
	return nil, fmt.Errorf("xtream provider %s: %w", p.Name, lastErr)
}
