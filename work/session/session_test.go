package session

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/client"
	"stream-manager/work/config"
	"stream-manager/work/hls"
)

// captureWriter is a flushable ResponseWriter that signals once a
// target byte count has arrived.
type captureWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
	want   int
	ready  chan struct{}
	once   sync.Once
}

func newCaptureWriter(want int) *captureWriter {
	return &captureWriter{header: make(http.Header), want: want, ready: make(chan struct{})}
}

func (c *captureWriter) Header() http.Header { return c.header }
func (c *captureWriter) WriteHeader(int)     {}
func (c *captureWriter) Flush()              {}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
	if c.buf.Len() >= c.want {
		c.once.Do(func() { close(c.ready) })
	}
	return len(p), nil
}

func (c *captureWriter) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func testConfig() *config.Config {
	return &config.Config{
		RingBufferSizeMB:     1,
		SessionIdleTimeout:   time.Minute,
		SessionSweepInterval: time.Minute,
	}
}

func newTestManager(t *testing.T, store catalog.Store) *Manager {
	t.Helper()
	httpClient := client.New()
	cache, err := hls.NewSegmentCache(8)
	if err != nil {
		t.Fatal(err)
	}
	streamer := hls.NewStreamer(httpClient, cache, "best", 2)
	return NewManager(store, httpClient, streamer, nil, testConfig())
}

func seedChannel(t *testing.T, store *catalog.MemoryStore, url string) catalog.Channel {
	t.Helper()
	store.AddProvider(catalog.Provider{ID: 1, Name: "p", Priority: 1})
	ch, _ := store.EnsureChannel(catalog.ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	store.AttachStream(catalog.Stream{ChannelID: ch.ID, ProviderID: 1, URL: url, QualityScore: 500})
	return ch
}

// All viewers of one channel must share a single upstream connection
// and observe identical bytes.
func TestSharedUpstreamFanout(t *testing.T) {
	payload := []byte("mpegts-payload-0123456789")
	release := make(chan struct{})
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.Write(payload)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := catalog.NewMemoryStore(nil)
	ch := seedChannel(t, store, srv.URL+"/live.ts")
	mgr := newTestManager(t, store)
	defer mgr.Shutdown()

	const viewers = 3
	writers := make([]*captureWriter, viewers)
	cancels := make([]context.CancelFunc, viewers)
	var wg sync.WaitGroup

	for i := 0; i < viewers; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancels[i] = cancel
		writers[i] = newCaptureWriter(len(payload))

		wg.Add(1)
		go func(w *captureWriter, ctx context.Context) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/auto/v1", nil)
			if err := mgr.Attach(ctx, ch.ID, w, req); err != nil {
				t.Errorf("Attach: %v", err)
			}
		}(writers[i], ctx)
	}

	// Wait until everyone is attached before the upstream sends a byte,
	// so every cursor sits at position zero.
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Snapshot().TotalViewers < viewers {
		if time.Now().After(deadline) {
			t.Fatal("viewers never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the last viewer a beat to settle its ring cursor.
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i, w := range writers {
		select {
		case <-w.ready:
		case <-time.After(2 * time.Second):
			t.Fatalf("viewer %d never received the payload", i)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
	wg.Wait()

	for i, w := range writers {
		if !bytes.Equal(w.Bytes(), payload) {
			t.Errorf("viewer %d got %q, want %q", i, w.Bytes(), payload)
		}
	}
	if requests.Load() != 1 {
		t.Errorf("upstream saw %d requests, want 1 shared fetch", requests.Load())
	}
	if got := mgr.Snapshot().ActiveSessions; got != 0 {
		t.Errorf("%d sessions alive after all viewers detached, want 0", got)
	}
}

func TestAttachNoActiveStreams(t *testing.T) {
	store := catalog.NewMemoryStore(nil)
	ch, _ := store.EnsureChannel(catalog.ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	mgr := newTestManager(t, store)
	defer mgr.Shutdown()

	w := newCaptureWriter(1)
	req := httptest.NewRequest(http.MethodGet, "/auto/v1", nil)
	if err := mgr.Attach(context.Background(), ch.ID, w, req); !errors.Is(err, ErrNoActiveStreams) {
		t.Errorf("err = %v, want ErrNoActiveStreams", err)
	}
}

// When the serving stream dies the session must switch to the next
// ranked stream without dropping the viewer.
func TestFailoverMidStream(t *testing.T) {
	var primaryHit, backupHit atomic.Bool
	release := make(chan struct{})

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHit.Store(true)
		<-release
		w.Write([]byte("first-"))
		w.(http.Flusher).Flush()
		// Connection drops after the first chunk.
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHit.Store(true)
		w.Write([]byte("second"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer backup.Close()

	store := catalog.NewMemoryStore(nil)
	store.AddProvider(catalog.Provider{ID: 1, Name: "p", Priority: 1})
	ch, _ := store.EnsureChannel(catalog.ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	store.AttachStream(catalog.Stream{ChannelID: ch.ID, ProviderID: 1, URL: primary.URL + "/a.ts", QualityScore: 900})
	store.AttachStream(catalog.Stream{ChannelID: ch.ID, ProviderID: 1, URL: backup.URL + "/b.ts", QualityScore: 500})

	mgr := newTestManager(t, store)
	defer mgr.Shutdown()

	w := newCaptureWriter(len("first-second"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodGet, "/auto/v1", nil)
		mgr.Attach(ctx, ch.ID, w, req)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Snapshot().TotalViewers < 1 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-w.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("failover never delivered; got %q", w.Bytes())
	}
	cancel()
	<-done

	if !primaryHit.Load() || !backupHit.Load() {
		t.Errorf("hit primary=%v backup=%v, want both", primaryHit.Load(), backupHit.Load())
	}
	if got := string(w.Bytes()); got != "first-second" {
		t.Errorf("viewer got %q, want seamless %q", got, "first-second")
	}
}

// A second viewer joining later must not start a second upstream fetch.
func TestLateJoinerReusesSession(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				w.Write([]byte("chunk"))
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	store := catalog.NewMemoryStore(nil)
	ch := seedChannel(t, store, srv.URL+"/live.ts")
	mgr := newTestManager(t, store)
	defer mgr.Shutdown()

	attach := func(ctx context.Context, w *captureWriter) chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			req := httptest.NewRequest(http.MethodGet, "/auto/v1", nil)
			mgr.Attach(ctx, ch.ID, w, req)
		}()
		return done
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	w1 := newCaptureWriter(5)
	done1 := attach(ctx1, w1)
	<-w1.ready

	ctx2, cancel2 := context.WithCancel(context.Background())
	w2 := newCaptureWriter(5)
	done2 := attach(ctx2, w2)
	<-w2.ready

	cancel1()
	cancel2()
	<-done1
	<-done2

	if requests.Load() != 1 {
		t.Errorf("upstream saw %d requests, want 1", requests.Load())
	}
}
