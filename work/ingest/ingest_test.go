package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/matcher"
)

func testProviderConfig(name, url string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:         name,
		Type:         "m3u",
		URL:          url,
		Priority:     1,
		RatePerSec:   100,
		FetchTimeout: 5 * time.Second,
	}
}

func TestRunOnce(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXTINF:-1 tvg-name=\"ESPN\",ESPN\nhttp://p/espn.ts\n"+
			"#EXTINF:-1 tvg-name=\"ESPN HD\",ESPN HD\nhttp://p/espn-hd.ts\n"+
			"#EXTINF:-1 tvg-name=\"CNN\",CNN\nhttp://p/cnn.ts\n")
	}))
	defer srv.Close()

	store := catalog.NewMemoryStore(nil)
	store.AddProvider(catalog.Provider{ID: 1, Name: "src", Priority: 1})
	cfg := &config.Config{
		Providers:    []config.ProviderConfig{testProviderConfig("src", srv.URL+"/playlist.m3u")},
		SyncInterval: time.Hour,
	}

	r := New(cfg, client.New(), store, matcher.New(store), map[string]int64{"src": 1})
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// ESPN and ESPN HD merge into one channel.
	if got := store.ChannelCount(); got != 2 {
		t.Errorf("ChannelCount = %d, want 2", got)
	}
	if got := store.StreamCount(); got != 3 {
		t.Errorf("StreamCount = %d, want 3", got)
	}

	// A second run must not duplicate anything.
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := store.StreamCount(); got != 3 {
		t.Errorf("StreamCount after re-run = %d, want 3", got)
	}
	if fetches.Load() != 2 {
		t.Errorf("playlist fetches = %d, want 2", fetches.Load())
	}
}

func TestRunOnceProviderFailureIsolated(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:-1 tvg-name=\"ESPN\",ESPN\nhttp://p/espn.ts\n")
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := catalog.NewMemoryStore(nil)
	store.AddProvider(catalog.Provider{ID: 1, Name: "good", Priority: 1})
	store.AddProvider(catalog.Provider{ID: 2, Name: "bad", Priority: 1})
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			testProviderConfig("good", good.URL+"/playlist.m3u"),
			testProviderConfig("bad", bad.URL+"/playlist.m3u"),
		},
		SyncInterval: time.Hour,
	}

	r := New(cfg, client.New(), store, matcher.New(store), map[string]int64{"good": 1, "bad": 2})
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("one failing provider must not fail the run: %v", err)
	}
	if got := store.StreamCount(); got != 1 {
		t.Errorf("StreamCount = %d, want the good provider's stream", got)
	}
}

func TestRunOnceNoProviders(t *testing.T) {
	store := catalog.NewMemoryStore(nil)
	r := New(&config.Config{SyncInterval: time.Hour}, client.New(), store, matcher.New(store), nil)
	if err := r.RunOnce(context.Background()); err == nil {
		t.Error("no providers should be an error")
	}
}
