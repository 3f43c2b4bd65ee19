package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/database"
	"stream-manager/work/handlers"
	"stream-manager/work/hdhr"
	"stream-manager/work/health"
	"stream-manager/work/hls"
	"stream-manager/work/ingest"
	"stream-manager/work/logger"
	"stream-manager/work/matcher"
	"stream-manager/work/middleware"
	"stream-manager/work/playlist"
	"stream-manager/work/scorer"
	"stream-manager/work/session"
)

var Version = "v0.1.0"

func main() {
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	store := catalog.NewMemoryStore(db)
	if err := db.LoadCatalog(store); err != nil {
		logger.Error("failed to restore catalog: %v", err)
		os.Exit(1)
	}

	// Providers come from config, not the database; their IDs are stable
	// per config order so restored streams keep pointing at the right one.
	providerIDs := make(map[string]int64, len(cfg.Providers))
	providerCfgs := make(map[int64]*config.ProviderConfig, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		id := int64(i + 1)
		prov := catalog.Provider{ID: id, Name: p.Name, Type: p.Type, Priority: p.Priority}
		store.AddProvider(prov)
		if err := db.SaveProvider(prov); err != nil {
			logger.Warn("failed to persist provider %s: %v", p.Name, err)
		}
		providerIDs[p.Name] = id
		providerCfgs[id] = p
	}

	httpClient := client.New()
	match := matcher.New(store)

	probe := scorer.NewMediaProbe(cfg.MediaProbeEnabled, cfg.MediaProbePerSecond)
	enricher := scorer.NewEnricher(store, probe, 0)

	segments, err := hls.NewSegmentCache(cfg.SegmentCacheSize)
	if err != nil {
		logger.Error("failed to create segment cache: %v", err)
		os.Exit(1)
	}
	hlsStreamer := hls.NewStreamer(httpClient, segments, cfg.VariantPolicy, cfg.SegmentFetchAhead)

	monitor, err := health.New(store, health.NewHTTPProber(cfg.HealthCheckTimeout), health.Options{
		Interval:         cfg.HealthCheckInterval,
		GraceDelay:       cfg.GraceDelay,
		GraceWindow:      cfg.GraceWindow,
		FailureThreshold: cfg.FailureThreshold,
		Concurrency:      cfg.HealthConcurrency,
	})
	if err != nil {
		logger.Error("failed to create health monitor: %v", err)
		os.Exit(1)
	}
	defer monitor.Close()

	sessions := session.NewManager(store, httpClient, hlsStreamer, providerCfgs, cfg)
	runner := ingest.New(cfg, httpClient, store, match, providerIDs)
	gen := playlist.New(store, cfg.BaseURL, cfg.PlaylistCacheTTL)
	tuner := hdhr.New(store, cfg.BaseURL, cfg.DeviceID, cfg.TunerCount)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start(ctx)
	monitor.Start(ctx)
	sessions.Start(ctx)
	if cfg.MediaProbeEnabled {
		enricher.Start(ctx)
	}

	srv := &handlers.Server{
		Store:    store,
		Sessions: sessions,
		Monitor:  monitor,
		Playlist: gen,
		Segments: segments,
		Matcher:  match,

		MergeThreshold: cfg.MergeThreshold,
	}

	router := mux.NewRouter()

	// Stream route stays uncompressed; everything else may gzip.
	router.HandleFunc("/auto/v{channelID:[0-9]+}", srv.Stream).Methods("GET")

	router.HandleFunc("/playlist.m3u8", middleware.Gzip(srv.PlaylistM3U)).Methods("GET")
	router.HandleFunc("/api/channels", middleware.Gzip(srv.Channels)).Methods("GET")
	router.HandleFunc("/api/channels/{id:[0-9]+}/streams", middleware.Gzip(srv.ChannelStreams)).Methods("GET")
	router.HandleFunc("/api/channels/merge-candidates", middleware.Gzip(srv.MergeCandidates)).Methods("GET")
	router.HandleFunc("/api/health/check", srv.HealthCheck).Methods("POST")
	router.HandleFunc("/api/stats", middleware.Gzip(srv.Stats)).Methods("GET")

	// HDHomeRun discovery surface.
	router.HandleFunc("/discover.json", tuner.Discover).Methods("GET")
	router.HandleFunc("/lineup_status.json", tuner.LineupStatus).Methods("GET")
	router.HandleFunc("/lineup.json", middleware.Gzip(tuner.Lineup)).Methods("GET")
	router.HandleFunc("/device.xml", tuner.DeviceXML).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: stream responses are open-ended.
	}

	logger.Info("stream manager %s listening on %s", Version, cfg.ListenAddr)
	logger.Info("  base URL:        %s", cfg.BaseURL)
	logger.Info("  providers:       %d", len(cfg.Providers))
	logger.Info("  sync interval:   %s", cfg.SyncInterval)
	logger.Info("  health interval: %s", cfg.HealthCheckInterval)
	logger.Info("  variant policy:  %s", cfg.VariantPolicy)
	logger.Info("  debug:           %v", cfg.Debug)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sessions.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed: %v", err)
		os.Exit(1)
	}
}
