package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Outcome is the result of a single liveness probe.
type Outcome struct {
	Alive        bool
	StatusCode   int
	ResponseTime time.Duration
	Reason       string
}

// Prober issues one liveness probe against a stream URL. The monitor
// only depends on this interface so the state machine is testable with
// a fake.
type Prober interface {
	Probe(ctx context.Context, url string) Outcome
}

// aliveStatuses are the HTTP statuses that count as a living stream.
// Redirects count: many providers front their streams with one.
var aliveStatuses = map[int]bool{
	http.StatusOK:               true,
	http.StatusPartialContent:   true,
	http.StatusMovedPermanently: true,
	http.StatusFound:            true,
}

// HTTPProber probes with a HEAD request, falling back to a small
// ranged GET for servers that reject HEAD outright.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber builds a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			// Redirect targets are not followed; a redirect is already
			// proof of life and following it would double the probe cost.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	status, err := p.request(ctx, http.MethodHead, url)
	if err == nil && !aliveStatuses[status] {
		// Some servers reject HEAD outright (405, 403) yet serve GET
		// fine; retry with a small ranged GET before declaring the
		// stream down.
		status, err = p.request(ctx, http.MethodGet, url)
	}
	elapsed := time.Since(start)

	if err != nil {
		reason := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		return Outcome{Alive: false, ResponseTime: elapsed, Reason: reason}
	}

	if aliveStatuses[status] {
		return Outcome{Alive: true, StatusCode: status, ResponseTime: elapsed}
	}
	return Outcome{
		Alive:        false,
		StatusCode:   status,
		ResponseTime: elapsed,
		Reason:       fmt.Sprintf("HTTP %d", status),
	}
}

func (p *HTTPProber) request(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	if method == http.MethodGet {
		// Only the first KB; the probe cares about existence, not content.
		req.Header.Set("Range", "bytes=0-1023")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
