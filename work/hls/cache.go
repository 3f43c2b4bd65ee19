package hls

import (
	"sync/atomic"

	"stream-manager/work/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SegmentCache is a bounded LRU over fetched segments, keyed by
// absolute segment URL. Live HLS windows slide, so size alone bounds
// the working set; there is no TTL. The win case is a second viewer
// joining the same live edge and replaying recent segments from
// memory.
type SegmentCache struct {
	lru    *lru.Cache[string, []byte]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewSegmentCache creates a cache holding at most capacity segments.
func NewSegmentCache(capacity int) (*SegmentCache, error) {
	c, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &SegmentCache{lru: c}, nil
}

// Get returns the cached segment bytes and whether they were present.
func (c *SegmentCache) Get(url string) ([]byte, bool) {
	data, ok := c.lru.Get(url)
	if ok {
		c.hits.Add(1)
		metrics.SegmentCacheHits.Inc()
	} else {
		c.misses.Add(1)
		metrics.SegmentCacheMisses.Inc()
	}
	return data, ok
}

// Put stores a segment, evicting the least recently used entry when
// the cache is at capacity.
func (c *SegmentCache) Put(url string, data []byte) {
	c.lru.Add(url, data)
}

// Len returns the current entry count.
func (c *SegmentCache) Len() int {
	return c.lru.Len()
}

// Stats returns lifetime hit and miss counts.
func (c *SegmentCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
