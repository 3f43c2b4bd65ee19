package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"
)

// MediaProbe runs ffprobe against a stream URL to recover resolution
// and bitrate when neither the name nor the URL reveal them. Probes
// open a real connection to the provider, so they are rate limited
// independently of the string-based detection.
type MediaProbe struct {
	enabled bool
	limiter ratelimit.Limiter
	timeout time.Duration
}

// ProbeResult holds the media attributes recovered from one probe.
type ProbeResult struct {
	Resolution  string
	Width       int
	Height      int
	BitrateKbps int
	Codec       string
	FPS         float64
}

// ErrProbeDisabled is returned when probing is switched off in config.
var ErrProbeDisabled = errors.New("media probe disabled")

// NewMediaProbe builds a probe limited to perSecond invocations.
func NewMediaProbe(enabled bool, perSecond int) *MediaProbe {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &MediaProbe{
		enabled: enabled,
		limiter: ratelimit.New(perSecond),
		timeout: 15 * time.Second,
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		BitRate      string `json:"bit_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		BitRate string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects the stream with ffprobe. Blocks on the rate limiter
// before touching the network.
func (p *MediaProbe) Probe(ctx context.Context, url string) (ProbeResult, error) {
	if !p.enabled {
		return ProbeResult{}, ErrProbeDisabled
	}

	p.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		"-analyzeduration", "2000000",
		"-probesize", "2000000",
		url)

	out, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe output parse failed: %w", err)
	}

	var res ProbeResult
	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		res.Width = s.Width
		res.Height = s.Height
		res.Codec = s.CodecName
		res.FPS = parseFrameRate(s.AvgFrameRate)
		if kbps := parseBitrate(s.BitRate); kbps > 0 {
			res.BitrateKbps = kbps
		}
		break
	}
	if res.BitrateKbps == 0 {
		res.BitrateKbps = parseBitrate(parsed.Format.BitRate)
	}
	res.Resolution = LabelForHeight(res.Height)

	if res.Height == 0 && res.BitrateKbps == 0 {
		return res, errors.New("no video stream information in probe output")
	}
	return res, nil
}

// parseFrameRate handles ffprobe's "30000/1001" rational notation.
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseBitrate(s string) int {
	if s == "" {
		return 0
	}
	bps, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return bps / 1000
}
