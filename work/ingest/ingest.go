package ingest

import (
	"context"
	"fmt"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/logger"
	"stream-manager/work/matcher"
	"stream-manager/work/metrics"
	"stream-manager/work/parser"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Source produces raw stream tuples from one provider. The matcher
// never sees provider types, only tuples.
type Source interface {
	Fetch(ctx context.Context) ([]catalog.RawStream, error)
	Name() string
}

// Runner drives periodic provider ingestion: each run pulls every
// provider concurrently, feeds all tuples through the matcher, and
// refreshes catalog gauges. One failing provider never aborts the run.
type Runner struct {
	sources  []Source
	match    *matcher.Matcher
	store    catalog.Store
	interval time.Duration
}

// New builds a runner with one source per configured provider.
// providerIDs maps provider names to their catalog IDs.
func New(cfg *config.Config, httpClient *client.Client, store catalog.Store,
	match *matcher.Matcher, providerIDs map[string]int64) *Runner {

	sources := make([]Source, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		id, ok := providerIDs[p.Name]
		if !ok {
			continue
		}
		sources = append(sources, &providerSource{
			provider:   p,
			providerID: id,
			client:     httpClient,
			limiter:    ratelimit.New(p.RatePerSec),
			obfuscate:  cfg.ObfuscateUrls,
		})
	}

	return &Runner{
		sources:  sources,
		match:    match,
		store:    store,
		interval: cfg.SyncInterval,
	}
}

// Start runs one immediate ingestion, then repeats on the interval
// until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		if err := r.RunOnce(ctx); err != nil {
			logger.Error("ingest: initial run failed: %v", err)
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					logger.Error("ingest: scheduled run failed: %v", err)
				}
			}
		}
	}()
}

// RunOnce ingests every provider once. Providers fetch concurrently;
// assignment happens as tuples arrive since the catalog handles
// concurrent attaches.
func (r *Runner) RunOnce(ctx context.Context) error {
	if len(r.sources) == 0 {
		return fmt.Errorf("no providers configured")
	}

	start := time.Now()
	var g errgroup.Group
	for _, src := range r.sources {
		src := src
		g.Go(func() error {
			raw, err := src.Fetch(ctx)
			if err != nil {
				logger.Error("ingest: provider %s failed: %v", src.Name(), err)
				return nil // isolate provider failures
			}
			for _, rs := range raw {
				r.match.Assign(rs)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	channels := r.store.ChannelCount()
	streams := r.store.StreamCount()
	metrics.ChannelsTotal.Set(float64(channels))
	metrics.StreamsTotal.Set(float64(streams))

	logger.Info("ingest: run finished in %s (%d channels, %d streams)",
		time.Since(start).Round(time.Millisecond), channels, streams)
	return nil
}

// providerSource adapts one configured provider to the Source
// interface, dispatching on its type.
type providerSource struct {
	provider   *config.ProviderConfig
	providerID int64
	client     *client.Client
	limiter    ratelimit.Limiter
	obfuscate  bool
}

func (s *providerSource) Name() string { return s.provider.Name }

func (s *providerSource) Fetch(ctx context.Context) ([]catalog.RawStream, error) {
	switch s.provider.Type {
	case "m3u":
		return parser.ParseM3U(ctx, s.client, s.limiter, s.provider, s.providerID, s.obfuscate)
	default:
		return parser.ParseXtream(ctx, s.client, s.limiter, s.provider, s.providerID, s.obfuscate)
	}
}
