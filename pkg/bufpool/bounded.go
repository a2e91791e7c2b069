package bufpool

import (
	"github.com/oxtoacart/bpool"
)

// BoundedPool hands out fragments of one fixed width and keeps at most a
// bounded number of idle fragments for reuse. Returning a fragment to a full
// pool drops it.
//
// Requests larger than the width are allocated directly and never pooled.
type BoundedPool struct {
	pool  *bpool.BytePool
	width int
}

// NewBoundedPool creates a pool of width-byte fragments holding at most
// maxIdle of them.
func NewBoundedPool(maxIdle, width int) *BoundedPool {
	if width <= 0 {
		width = DefaultSmallSize
	}
	if maxIdle <= 0 {
		maxIdle = 1024
	}
	return &BoundedPool{
		pool:  bpool.NewBytePool(maxIdle, width),
		width: width,
	}
}

// Width returns the fragment width.
func (p *BoundedPool) Width() int {
	return p.width
}

// Idle returns the number of fragments waiting in the free list.
func (p *BoundedPool) Idle() int {
	return p.pool.NumPooled()
}

// Get returns a slice of exactly size bytes.
func (p *BoundedPool) Get(size int) []byte {
	if size > p.width {
		return make([]byte, size)
	}
	return p.pool.Get()[:size]
}

// Put returns a fragment to the free list.
func (p *BoundedPool) Put(buf []byte) {
	if cap(buf) != p.width {
		return
	}
	p.pool.Put(buf[:p.width])
}
