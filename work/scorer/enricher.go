package scorer

import (
	"context"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/logger"
)

// Enricher fills in media attributes for streams whose names revealed
// nothing. It walks the catalog on a slow cadence and probes only
// active streams with unknown resolution, so providers see at most the
// probe's own rate limit.
type Enricher struct {
	store    catalog.Store
	probe    *MediaProbe
	interval time.Duration
}

// NewEnricher wires the probe loop. interval defaults to an hour.
func NewEnricher(store catalog.Store, probe *MediaProbe, interval time.Duration) *Enricher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Enricher{store: store, probe: probe, interval: interval}
}

// Start runs enrichment passes until the context is cancelled.
func (e *Enricher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce probes every active stream still lacking a resolution and
// returns the number of streams updated.
func (e *Enricher) RunOnce(ctx context.Context) int {
	updated := 0
	for _, id := range e.store.StreamIDs(0) {
		if ctx.Err() != nil {
			break
		}

		s, ok := e.store.StreamByID(id)
		if !ok || !s.Active || s.Resolution != "" {
			continue
		}

		res, err := e.probe.Probe(ctx, s.URL)
		if err != nil {
			if err == ErrProbeDisabled {
				return updated
			}
			logger.Debug("enrich: probe of stream %d failed: %v", id, err)
			continue
		}

		score := Score(res.Resolution, res.BitrateKbps)
		e.store.SetQuality(id, res.Resolution, res.BitrateKbps, res.Codec, res.FPS, score)
		updated++
	}

	if updated > 0 {
		logger.Info("enrich: updated media attributes for %d streams", updated)
	}
	return updated
}
