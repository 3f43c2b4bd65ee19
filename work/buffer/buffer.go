package buffer

import (
	"context"
	"io"
	"sync"
)

// ChunkPool hands out fixed-size byte slices for upstream reads so the
// fetch loop does not allocate per chunk.
type ChunkPool struct {
	pool sync.Pool
	size int
}

// NewChunkPool creates a pool of chunkSize-byte slices.
func NewChunkPool(chunkSize int) *ChunkPool {
	p := &ChunkPool{size: chunkSize}
	p.pool.New = func() interface{} {
		return make([]byte, chunkSize)
	}
	return p
}

// Get returns a chunk of the pool's configured size.
func (p *ChunkPool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a chunk to the pool. Wrong-sized slices are dropped.
func (p *ChunkPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	p.pool.Put(b[:p.size])
}

// Ring is a broadcast ring buffer with one writer and many readers.
// The writer appends at an ever-growing absolute position; each reader
// holds its own absolute cursor and copies out whatever lies between
// its cursor and the write position. A reader that falls more than one
// buffer length behind is snapped forward to the oldest retained byte,
// losing data rather than stalling the writer.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	size     int64
	writePos int64
	notify   chan struct{}
	closed   bool
}

// NewRing creates a ring of the given size in bytes.
func NewRing(size int64) *Ring {
	return &Ring{
		data:   make([]byte, size),
		size:   size,
		notify: make(chan struct{}),
	}
}

// Write copies p into the ring and wakes all waiting readers. Writes
// after Close are dropped.
func (r *Ring) Write(p []byte) {
	if len(p) == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	for _, b := range p {
		r.data[r.writePos%r.size] = b
		r.writePos++
	}

	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Close marks the stream finished and wakes all readers. Idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.notify)
	}
	r.mu.Unlock()
}

// WritePos returns the absolute number of bytes written so far.
func (r *Ring) WritePos() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos
}

// ReadFrom copies bytes starting at absolute position pos into p,
// blocking until data past pos exists, the ring closes, or the context
// is cancelled. It returns the byte count and the reader's new cursor.
// io.EOF signals a closed ring with nothing left to read.
func (r *Ring) ReadFrom(ctx context.Context, pos int64, p []byte) (int, int64, error) {
	for {
		r.mu.Lock()
		wp := r.writePos
		closed := r.closed
		ch := r.notify

		if wp > pos {
			// Lagging reader: the oldest retained byte wins over stalling.
			if wp-pos > r.size {
				pos = wp - r.size
			}

			n := int64(len(p))
			if avail := wp - pos; avail < n {
				n = avail
			}
			for i := int64(0); i < n; i++ {
				p[i] = r.data[(pos+i)%r.size]
			}
			r.mu.Unlock()
			return int(n), pos + n, nil
		}
		r.mu.Unlock()

		if closed {
			return 0, pos, io.EOF
		}

		select {
		case <-ctx.Done():
			return 0, pos, ctx.Err()
		case <-ch:
		}
	}
}
