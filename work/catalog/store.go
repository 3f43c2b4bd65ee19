package catalog

import (
	"fmt"
	"sort"
	"sync"

	"stream-manager/work/logger"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store is the shared channel catalog. All mutations are atomic with
// respect to readers: a reader never observes a partially applied
// ranking update.
type Store interface {
	AddProvider(p Provider)
	Providers() []Provider
	ProviderByID(id int64) (Provider, bool)

	// EnsureChannel returns the channel for the key, creating it on
	// first sight. The bool reports whether it was created.
	EnsureChannel(key ChannelKey, displayName, category, logo string) (Channel, bool)
	LookupChannel(key ChannelKey) (Channel, bool)
	ChannelByID(id int64) (Channel, bool)
	Channels() []Channel

	// AttachStream binds a stream to its channel and returns the stored
	// copy with its assigned ID.
	AttachStream(s Stream) Stream
	StreamByID(id int64) (Stream, bool)
	StreamsForChannel(channelID int64) []Stream
	// RankedStreams returns the channel's active streams ordered by
	// priority, 0 first.
	RankedStreams(channelID int64) []Stream
	StreamIDs(providerID int64) []int64 // providerID 0 means all

	SetQuality(streamID int64, resolution string, bitrateKbps int, codec string, fps float64, score int)
	SetState(streamID int64, state HealthState)
	ApplyHealthResult(res HealthResult, failureThreshold int) (Stream, bool)
	RecomputePriorities(channelID int64)

	ChannelCount() int
	StreamCount() int
}

// Persister receives write-through copies of catalog mutations. A nil
// persister disables persistence.
type Persister interface {
	SaveChannel(c Channel) error
	SaveStream(s Stream) error
}

// MemoryStore is the in-memory Store implementation. The channel key
// index lives in a lock-free map so matcher lookups stay O(1) without
// taking the catalog lock; all row data sits behind one RWMutex.
type MemoryStore struct {
	mu             sync.RWMutex
	providers      map[int64]Provider
	channels       map[int64]*Channel
	streams        map[int64]*Stream
	channelStreams map[int64][]int64
	index          *xsync.MapOf[string, int64]
	urlIndex       map[string]int64 // provider|url -> stream ID, makes re-ingestion idempotent

	nextChannelID int64
	nextStreamID  int64

	persist Persister
}

// NewMemoryStore creates an empty store. persist may be nil.
func NewMemoryStore(persist Persister) *MemoryStore {
	return &MemoryStore{
		providers:      make(map[int64]Provider),
		channels:       make(map[int64]*Channel),
		streams:        make(map[int64]*Stream),
		channelStreams: make(map[int64][]int64),
		index:          xsync.NewMapOf[string, int64](),
		urlIndex:       make(map[string]int64),
		persist:        persist,
	}
}

func (m *MemoryStore) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

func (m *MemoryStore) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ProviderByID(id int64) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

func (m *MemoryStore) EnsureChannel(key ChannelKey, displayName, category, logo string) (Channel, bool) {
	if id, ok := m.index.Load(key.String()); ok {
		m.mu.RLock()
		ch := *m.channels[id]
		m.mu.RUnlock()
		return ch, false
	}

	m.mu.Lock()
	// Re-check under the write lock; another goroutine may have created
	// the channel between the index miss and here.
	if id, ok := m.index.Load(key.String()); ok {
		ch := *m.channels[id]
		m.mu.Unlock()
		return ch, false
	}

	m.nextChannelID++
	ch := &Channel{
		ID:             m.nextChannelID,
		Name:           displayName,
		NormalizedName: key.NormalizedName,
		Region:         key.Region,
		Variant:        key.Variant,
		Category:       category,
		LogoURL:        logo,
		Enabled:        true,
	}
	m.channels[ch.ID] = ch
	m.index.Store(key.String(), ch.ID)
	snapshot := *ch
	m.mu.Unlock()

	m.persistChannel(snapshot)
	return snapshot, true
}

func (m *MemoryStore) LookupChannel(key ChannelKey) (Channel, bool) {
	id, ok := m.index.Load(key.String())
	if !ok {
		return Channel{}, false
	}
	return m.ChannelByID(id)
}

func (m *MemoryStore) ChannelByID(id int64) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

func (m *MemoryStore) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) AttachStream(s Stream) Stream {
	urlKey := fmt.Sprintf("%d|%s", s.ProviderID, s.URL)

	m.mu.Lock()
	// A later ingestion run presenting a known stream refreshes its
	// metadata instead of attaching a duplicate.
	if id, ok := m.urlIndex[urlKey]; ok {
		existing := m.streams[id]
		existing.Name = s.Name
		if s.Resolution != "" {
			existing.Resolution = s.Resolution
		}
		if s.BitrateKbps > 0 {
			existing.BitrateKbps = s.BitrateKbps
		}
		// A tuple whose name and URL revealed no resolution carries no
		// quality signal; keep the stored score so probe-derived
		// enrichment survives re-ingestion.
		if s.Resolution != "" {
			existing.QualityScore = s.QualityScore
		}
		m.recomputeLocked(existing.ChannelID)
		snapshot := *existing
		m.mu.Unlock()
		m.persistStream(snapshot)
		return snapshot
	}

	m.nextStreamID++
	s.ID = m.nextStreamID
	if s.State == StateUnknown {
		s.Active = true // optimistic until the first health check says otherwise
	}
	s.PriorityOrder = -1
	stored := s
	m.streams[s.ID] = &stored
	m.channelStreams[s.ChannelID] = append(m.channelStreams[s.ChannelID], s.ID)
	m.urlIndex[urlKey] = s.ID

	ch := m.channels[s.ChannelID]
	var chSnap Channel
	if ch != nil {
		ch.StreamCount = len(m.channelStreams[s.ChannelID])
		chSnap = *ch
	}
	m.recomputeLocked(s.ChannelID)
	snapshot := *m.streams[s.ID]
	m.mu.Unlock()

	if ch != nil {
		m.persistChannel(chSnap)
	}
	m.persistStream(snapshot)
	return snapshot
}

func (m *MemoryStore) StreamByID(id int64) (Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

func (m *MemoryStore) StreamsForChannel(channelID int64) []Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.channelStreams[channelID]
	out := make([]Stream, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.streams[id])
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].PriorityOrder, out[j].PriorityOrder
		if pi < 0 {
			pi = 1 << 30
		}
		if pj < 0 {
			pj = 1 << 30
		}
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) RankedStreams(channelID int64) []Stream {
	all := m.StreamsForChannel(channelID)
	out := all[:0]
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryStore) StreamIDs(providerID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.streams))
	for id, s := range m.streams {
		if providerID == 0 || s.ProviderID == providerID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *MemoryStore) SetQuality(streamID int64, resolution string, bitrateKbps int, codec string, fps float64, score int) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if resolution != "" {
		s.Resolution = resolution
	}
	if bitrateKbps > 0 {
		s.BitrateKbps = bitrateKbps
	}
	if codec != "" {
		s.Codec = codec
	}
	if fps > 0 {
		s.FPS = fps
	}
	s.QualityScore = score
	m.recomputeLocked(s.ChannelID)
	snapshot := *s
	m.mu.Unlock()

	m.persistStream(snapshot)
}

func (m *MemoryStore) SetState(streamID int64, state HealthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamID]; ok {
		s.State = state
	}
}

// ApplyHealthResult folds one check outcome into the stream's health
// fields and re-ranks the channel, all under a single lock acquisition
// so concurrent attach calls see either the old or the new ranking,
// never a mix.
func (m *MemoryStore) ApplyHealthResult(res HealthResult, failureThreshold int) (Stream, bool) {
	m.mu.Lock()
	s, ok := m.streams[res.StreamID]
	if !ok {
		m.mu.Unlock()
		return Stream{}, false
	}

	s.LastCheck = res.CheckedAt
	s.ResponseTimeMs = res.ResponseTime.Milliseconds()
	if res.Alive {
		s.ConsecutiveFailures = 0
		s.Active = true
		s.State = StateAlive
		s.LastSuccess = res.CheckedAt
		s.GraceRecovery = res.GraceRecovery
		s.FailureReason = ""
	} else {
		s.ConsecutiveFailures++
		s.LastFailure = res.CheckedAt
		s.FailureReason = res.Reason
		s.GraceRecovery = false
		if s.ConsecutiveFailures >= failureThreshold {
			s.Active = false
			s.State = StateDead
		} else {
			s.State = StateSuspect
		}
	}

	m.recomputeLocked(s.ChannelID)
	snapshot := *s
	m.mu.Unlock()

	m.persistStream(snapshot)
	return snapshot, true
}

func (m *MemoryStore) RecomputePriorities(channelID int64) {
	m.mu.Lock()
	m.recomputeLocked(channelID)
	m.mu.Unlock()
}

// recomputeLocked assigns a dense 0..k-1 priority over the channel's
// active streams, best quality first. Ties go to the higher priority
// provider, then to the faster responder. Inactive streams get -1.
// Caller holds the write lock.
func (m *MemoryStore) recomputeLocked(channelID int64) {
	ids := m.channelStreams[channelID]
	active := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		s := m.streams[id]
		if s.Active {
			active = append(active, s)
		} else {
			s.PriorityOrder = -1
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		pa := m.providers[a.ProviderID].Priority
		pb := m.providers[b.ProviderID].Priority
		if pa != pb {
			return pa > pb
		}
		ra, rb := a.ResponseTimeMs, b.ResponseTimeMs
		if ra <= 0 {
			ra = 1 << 30
		}
		if rb <= 0 {
			rb = 1 << 30
		}
		return ra < rb
	})

	for rank, s := range active {
		s.PriorityOrder = rank
	}
}

func (m *MemoryStore) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

func (m *MemoryStore) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// LoadChannel and LoadStream restore persisted rows at startup,
// keeping their stored IDs and advancing the ID counters past them.

func (m *MemoryStore) LoadChannel(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := c
	m.channels[c.ID] = &stored
	m.index.Store(c.Key().String(), c.ID)
	if c.ID > m.nextChannelID {
		m.nextChannelID = c.ID
	}
}

func (m *MemoryStore) LoadStream(s Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := s
	m.streams[s.ID] = &stored
	m.channelStreams[s.ChannelID] = append(m.channelStreams[s.ChannelID], s.ID)
	m.urlIndex[fmt.Sprintf("%d|%s", s.ProviderID, s.URL)] = s.ID
	if ch, ok := m.channels[s.ChannelID]; ok {
		ch.StreamCount = len(m.channelStreams[s.ChannelID])
	}
	if s.ID > m.nextStreamID {
		m.nextStreamID = s.ID
	}
}

func (m *MemoryStore) persistChannel(c Channel) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveChannel(c); err != nil {
		logger.Warn("catalog: failed to persist channel %d (%s): %v", c.ID, c.Name, err)
	}
}

func (m *MemoryStore) persistStream(s Stream) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveStream(s); err != nil {
		logger.Warn("catalog: failed to persist stream %d (channel %d): %v", s.ID, s.ChannelID, err)
	}
}
