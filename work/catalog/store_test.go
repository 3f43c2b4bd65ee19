package catalog

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore() *MemoryStore {
	s := NewMemoryStore(nil)
	s.AddProvider(Provider{ID: 1, Name: "alpha", Type: "xtream", Priority: 10})
	s.AddProvider(Provider{ID: 2, Name: "beta", Type: "m3u", Priority: 5})
	return s
}

func attach(t *testing.T, s *MemoryStore, channelID, providerID int64, url string, score int) Stream {
	t.Helper()
	return s.AttachStream(Stream{
		ChannelID:  channelID,
		ProviderID: providerID,
		Name:       url,
		URL:        url,
		QualityScore: score,
	})
}

func TestEnsureChannel(t *testing.T) {
	s := newTestStore()
	key := ChannelKey{NormalizedName: "espn", Region: "", Variant: ""}

	ch, created := s.EnsureChannel(key, "ESPN", "Sports", "")
	if !created {
		t.Fatal("first EnsureChannel should create")
	}
	if !ch.Enabled {
		t.Error("new channels should be enabled")
	}

	again, created := s.EnsureChannel(key, "ESPN", "Sports", "")
	if created {
		t.Fatal("second EnsureChannel should not create")
	}
	if again.ID != ch.ID {
		t.Errorf("got channel %d, want %d", again.ID, ch.ID)
	}

	other, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn", Variant: "4K"}, "ESPN 4K", "", "")
	if other.ID == ch.ID {
		t.Error("different variant must be a different channel")
	}
}

func TestAttachStreamIdempotent(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")

	first := attach(t, s, ch.ID, 1, "http://p/espn.ts", 600)
	second := s.AttachStream(Stream{
		ChannelID: ch.ID, ProviderID: 1, Name: "ESPN HD", URL: "http://p/espn.ts",
		Resolution: "720p", QualityScore: 600,
	})

	if second.ID != first.ID {
		t.Errorf("re-attach created stream %d, want existing %d", second.ID, first.ID)
	}
	if second.Resolution != "720p" {
		t.Errorf("re-attach should refresh metadata, got resolution %q", second.Resolution)
	}
	if s.StreamCount() != 1 {
		t.Errorf("StreamCount() = %d, want 1", s.StreamCount())
	}

	// Same URL from a different provider is a different stream.
	third := attach(t, s, ch.ID, 2, "http://p/espn.ts", 600)
	if third.ID == first.ID {
		t.Error("same URL from another provider must attach separately")
	}
}

func TestAttachStreamRefreshKeepsEnrichedQuality(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")

	// Name and URL reveal nothing, so ingestion scores this stream zero.
	st := s.AttachStream(Stream{ChannelID: ch.ID, ProviderID: 1, Name: "ESPN", URL: "http://p/espn.ts"})
	s.SetQuality(st.ID, "1080p", 6000, "h264", 50, 750)

	// The next sync presents the same blind tuple again.
	after := s.AttachStream(Stream{ChannelID: ch.ID, ProviderID: 1, Name: "ESPN", URL: "http://p/espn.ts"})
	if after.Resolution != "1080p" || after.QualityScore != 750 {
		t.Errorf("re-attach lost enrichment: resolution=%q score=%d, want 1080p/750",
			after.Resolution, after.QualityScore)
	}

	// A tuple that does detect a resolution still refreshes the score.
	after = s.AttachStream(Stream{
		ChannelID: ch.ID, ProviderID: 1, Name: "ESPN 720p", URL: "http://p/espn.ts",
		Resolution: "720p", QualityScore: 600,
	})
	if after.Resolution != "720p" || after.QualityScore != 600 {
		t.Errorf("detected resolution should refresh: resolution=%q score=%d, want 720p/600",
			after.Resolution, after.QualityScore)
	}
}

func TestPriorityRanking(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")

	low := attach(t, s, ch.ID, 1, "http://p/low", 300)
	high := attach(t, s, ch.ID, 1, "http://p/high", 900)
	mid := attach(t, s, ch.ID, 2, "http://p/mid", 600)

	ranked := s.RankedStreams(ch.ID)
	if len(ranked) != 3 {
		t.Fatalf("got %d ranked streams, want 3", len(ranked))
	}
	wantOrder := []int64{high.ID, mid.ID, low.ID}
	for i, want := range wantOrder {
		if ranked[i].ID != want {
			t.Errorf("rank %d = stream %d, want %d", i, ranked[i].ID, want)
		}
		if ranked[i].PriorityOrder != i {
			t.Errorf("stream %d PriorityOrder = %d, want %d", ranked[i].ID, ranked[i].PriorityOrder, i)
		}
	}
}

func TestPriorityTieBreaks(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "cnn"}, "CNN", "", "")

	// Same score: provider priority decides (alpha=10 beats beta=5).
	fromBeta := attach(t, s, ch.ID, 2, "http://b/cnn", 500)
	fromAlpha := attach(t, s, ch.ID, 1, "http://a/cnn", 500)

	ranked := s.RankedStreams(ch.ID)
	if ranked[0].ID != fromAlpha.ID || ranked[1].ID != fromBeta.ID {
		t.Errorf("provider priority tie-break failed: got order %d, %d", ranked[0].ID, ranked[1].ID)
	}

	// Same score and provider: faster responder wins.
	slow := attach(t, s, ch.ID, 1, "http://a/cnn2", 500)
	fast := attach(t, s, ch.ID, 1, "http://a/cnn3", 500)
	now := time.Now()
	s.ApplyHealthResult(HealthResult{StreamID: slow.ID, Alive: true, ResponseTime: 900 * time.Millisecond, CheckedAt: now}, 3)
	s.ApplyHealthResult(HealthResult{StreamID: fast.ID, Alive: true, ResponseTime: 50 * time.Millisecond, CheckedAt: now}, 3)

	ranked = s.RankedStreams(ch.ID)
	posOf := func(id int64) int {
		for i, st := range ranked {
			if st.ID == id {
				return i
			}
		}
		return -1
	}
	if posOf(fast.ID) > posOf(slow.ID) {
		t.Error("faster responder should outrank slower one at equal score and provider")
	}
}

func TestApplyHealthResultStateMachine(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	st := attach(t, s, ch.ID, 1, "http://p/espn", 600)

	fail := func() Stream {
		updated, _ := s.ApplyHealthResult(HealthResult{
			StreamID: st.ID, Alive: false, Reason: "connection refused", CheckedAt: time.Now(),
		}, 3)
		return updated
	}

	one := fail()
	if one.State != StateSuspect || !one.Active || one.ConsecutiveFailures != 1 {
		t.Errorf("after 1 failure: state=%v active=%v failures=%d", one.State, one.Active, one.ConsecutiveFailures)
	}

	fail()
	three := fail()
	if three.State != StateDead || three.Active || three.ConsecutiveFailures != 3 {
		t.Errorf("after 3 failures: state=%v active=%v failures=%d", three.State, three.Active, three.ConsecutiveFailures)
	}
	if three.PriorityOrder != -1 {
		t.Errorf("deactivated stream PriorityOrder = %d, want -1", three.PriorityOrder)
	}
	if got := len(s.RankedStreams(ch.ID)); got != 0 {
		t.Errorf("RankedStreams after deactivation = %d entries, want 0", got)
	}

	// A later success reactivates and resets the counter.
	back, _ := s.ApplyHealthResult(HealthResult{
		StreamID: st.ID, Alive: true, ResponseTime: 80 * time.Millisecond, CheckedAt: time.Now(),
	}, 3)
	if back.State != StateAlive || !back.Active || back.ConsecutiveFailures != 0 {
		t.Errorf("after recovery: state=%v active=%v failures=%d", back.State, back.Active, back.ConsecutiveFailures)
	}
	if back.FailureReason != "" {
		t.Errorf("recovery should clear failure reason, got %q", back.FailureReason)
	}
}

func TestApplyHealthResultGraceRecovery(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	st := attach(t, s, ch.ID, 1, "http://p/espn", 600)

	updated, ok := s.ApplyHealthResult(HealthResult{
		StreamID: st.ID, Alive: true, GraceRecovery: true, CheckedAt: time.Now(),
	}, 3)
	if !ok {
		t.Fatal("stream should exist")
	}
	if !updated.GraceRecovery {
		t.Error("grace recovery marker not set")
	}
	if updated.ConsecutiveFailures != 0 {
		t.Errorf("grace recovery counts as success, failures = %d", updated.ConsecutiveFailures)
	}
}

func TestDenseRankingAcrossDeactivation(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")

	var ids []int64
	for i := 0; i < 5; i++ {
		st := attach(t, s, ch.ID, 1, fmt.Sprintf("http://p/%d", i), 900-i*100)
		ids = append(ids, st.ID)
	}

	// Kill the middle stream; the remaining ranks must stay dense 0..3.
	for i := 0; i < 3; i++ {
		s.ApplyHealthResult(HealthResult{StreamID: ids[2], Alive: false, Reason: "timeout", CheckedAt: time.Now()}, 3)
	}

	ranked := s.RankedStreams(ch.ID)
	if len(ranked) != 4 {
		t.Fatalf("got %d active streams, want 4", len(ranked))
	}
	for i, st := range ranked {
		if st.PriorityOrder != i {
			t.Errorf("rank %d holds PriorityOrder %d, want dense ordering", i, st.PriorityOrder)
		}
		if st.ID == ids[2] {
			t.Error("deactivated stream still ranked")
		}
	}
}

func TestStreamIDsByProvider(t *testing.T) {
	s := newTestStore()
	ch, _ := s.EnsureChannel(ChannelKey{NormalizedName: "espn"}, "ESPN", "", "")
	attach(t, s, ch.ID, 1, "http://a/1", 500)
	attach(t, s, ch.ID, 1, "http://a/2", 500)
	attach(t, s, ch.ID, 2, "http://b/1", 500)

	if got := len(s.StreamIDs(0)); got != 3 {
		t.Errorf("StreamIDs(0) = %d, want 3", got)
	}
	if got := len(s.StreamIDs(1)); got != 2 {
		t.Errorf("StreamIDs(1) = %d, want 2", got)
	}
	if got := len(s.StreamIDs(2)); got != 1 {
		t.Errorf("StreamIDs(2) = %d, want 1", got)
	}
}

func TestLoadAdvancesCounters(t *testing.T) {
	s := newTestStore()
	s.LoadChannel(Channel{ID: 7, Name: "ESPN", NormalizedName: "espn", Enabled: true})
	s.LoadStream(Stream{ID: 42, ChannelID: 7, ProviderID: 1, URL: "http://p/espn", Active: true})

	ch, created := s.EnsureChannel(ChannelKey{NormalizedName: "cnn"}, "CNN", "", "")
	if !created || ch.ID <= 7 {
		t.Errorf("new channel ID = %d, want > 7", ch.ID)
	}

	st := attach(t, s, ch.ID, 1, "http://p/cnn", 500)
	if st.ID <= 42 {
		t.Errorf("new stream ID = %d, want > 42", st.ID)
	}

	// Loaded streams are findable through the URL index.
	dup := s.AttachStream(Stream{ChannelID: 7, ProviderID: 1, URL: "http://p/espn"})
	if dup.ID != 42 {
		t.Errorf("re-attach of loaded stream = %d, want 42", dup.ID)
	}
}
