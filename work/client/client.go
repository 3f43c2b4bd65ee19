package client

import (
	"net/http"
	"time"

	"stream-manager/work/config"
)

// Client wraps http.Client with a transport tuned for long-lived
// streaming pulls: no overall timeout, only a header timeout, so a
// healthy stream can run indefinitely while a hung upstream still
// fails fast.
type Client struct {
	*http.Client
}

// New builds the shared streaming client.
func New() *Client {
	return &Client{
		Client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// DoFor executes the request with the provider's identity headers
// applied. Providers routinely reject requests without a player-like
// User-Agent, so every upstream call goes through here.
func (c *Client) DoFor(req *http.Request, p *config.ProviderConfig) (*http.Response, error) {
	SetProviderHeaders(req, p)
	return c.Client.Do(req)
}

// SetProviderHeaders applies User-Agent, Origin and Referer from the
// provider configuration.
func SetProviderHeaders(req *http.Request, p *config.ProviderConfig) {
	ua := "VLC/3.0.18 LibVLC/3.0.18"
	if p != nil && p.UserAgent != "" {
		ua = p.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if p != nil && p.ReqOrigin != "" {
		req.Header.Set("Origin", p.ReqOrigin)
	}
	if p != nil && p.ReqReferrer != "" {
		req.Header.Set("Referer", p.ReqReferrer)
	}
}
