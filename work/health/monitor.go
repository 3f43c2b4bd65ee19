package health

import (
	"context"
	"sync"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/logger"
	"stream-manager/work/metrics"

	"github.com/panjf2000/ants/v2"
)

// Options configure the monitor. Zero values fall back to the defaults
// validated by the config package, so tests can construct Options
// directly.
type Options struct {
	Interval         time.Duration
	GraceDelay       time.Duration
	GraceWindow      time.Duration
	FailureThreshold int
	Concurrency      int
}

// Monitor drives periodic liveness checks over the whole catalog. One
// check walks every stream through the unknown/checking/alive/suspect/
// dead state machine; a first failure gets one grace retry before it
// counts. Probes run on a bounded worker pool: exceeding a provider's
// rate tolerance gets accounts banned, so the bound is a correctness
// requirement, not an optimization.
type Monitor struct {
	store  catalog.Store
	prober Prober
	opts   Options
	pool   *ants.Pool

	mu      sync.Mutex
	running bool
}

// New creates a monitor. The pool is sized to opts.Concurrency.
func New(store catalog.Store, prober Prober, opts Options) (*Monitor, error) {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = 300 * time.Millisecond
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 2 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}

	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		store:  store,
		prober: prober,
		opts:   opts,
		pool:   pool,
	}, nil
}

// Start runs scheduled checks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunCheck(ctx, 0)
			}
		}
	}()
}

// Close releases the worker pool.
func (m *Monitor) Close() {
	m.pool.Release()
}

// RunCheck checks every stream, or only one provider's streams when
// providerID is non-zero. Safe to call concurrently with the schedule;
// overlapping runs are skipped rather than stacked.
func (m *Monitor) RunCheck(ctx context.Context, providerID int64) int {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Debug("health: check already running, skipping")
		return 0
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ids := m.store.StreamIDs(providerID)
	if len(ids) == 0 {
		return 0
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		streamID := id
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			m.checkOne(ctx, streamID)
		})
		if err != nil {
			wg.Done()
			logger.Warn("health: failed to submit check for stream %d: %v", streamID, err)
		}
	}
	wg.Wait()

	logger.Info("health: checked %d streams in %s", len(ids), time.Since(start).Round(time.Millisecond))
	return len(ids)
}

// checkOne runs the full state machine for a single stream: probe,
// optional grace retry, then one atomic catalog update.
func (m *Monitor) checkOne(ctx context.Context, streamID int64) {
	s, ok := m.store.StreamByID(streamID)
	if !ok {
		return
	}

	m.store.SetState(streamID, catalog.StateChecking)
	res := m.Check(ctx, s.URL)
	res.StreamID = streamID

	updated, ok := m.store.ApplyHealthResult(res, m.opts.FailureThreshold)
	if !ok {
		return
	}

	switch {
	case res.Alive && res.GraceRecovery:
		metrics.HealthChecks.WithLabelValues("grace_recovery").Inc()
		logger.Debug("health: stream %d recovered on grace retry", streamID)
	case res.Alive:
		metrics.HealthChecks.WithLabelValues("alive").Inc()
	case res.Reason == "timeout":
		metrics.HealthChecks.WithLabelValues("timeout").Inc()
	default:
		metrics.HealthChecks.WithLabelValues("dead").Inc()
	}

	if !res.Alive && !updated.Active {
		logger.Warn("health: stream %d (channel %d) deactivated after %d failures: %s",
			streamID, updated.ChannelID, updated.ConsecutiveFailures, updated.FailureReason)
	}
}

// Check performs the probe-with-grace-retry sequence and returns the
// health result to apply. Exposed for tests with a fake prober.
func (m *Monitor) Check(ctx context.Context, url string) catalog.HealthResult {
	deadline := time.Now().Add(m.opts.GraceWindow)

	first := m.prober.Probe(ctx, url)
	now := time.Now()
	if first.Alive {
		return catalog.HealthResult{
			Alive:        true,
			ResponseTime: first.ResponseTime,
			CheckedAt:    now,
		}
	}

	// One retry after a short pause, inside the grace window. A success
	// here means the failure was a blip, not a dead stream.
	wait := m.opts.GraceDelay
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	if ctx.Err() == nil && time.Now().Before(deadline) {
		retry := m.prober.Probe(ctx, url)
		if retry.Alive {
			return catalog.HealthResult{
				Alive:         true,
				GraceRecovery: true,
				ResponseTime:  retry.ResponseTime,
				CheckedAt:     time.Now(),
			}
		}
		first = retry
	}

	return catalog.HealthResult{
		Alive:        false,
		ResponseTime: first.ResponseTime,
		Reason:       first.Reason,
		CheckedAt:    time.Now(),
	}
}
