// Package bufpool supplies and reclaims the byte fragments that dynamic
// buffers are built from.
//
// The buffer engine never allocates raw memory itself: every fragment is
// borrowed from an Allocator and handed back when the read cursor moves past
// it or the write cursor recedes below it.
//
// # Implementations
//
//   - Pool: tiered sync.Pool (small/medium/large size classes). Requests
//     above the large tier are allocated directly and never pooled.
//   - BoundedPool: fixed-width fragments with a bounded free list, backed by
//     github.com/oxtoacart/bpool.
//   - Instrumented: wraps any Allocator and reports takes/returns to a
//     metrics.PoolMetrics.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
//
// # Usage
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import (
	"fmt"
	"sync"
)

// Allocator is the segment pool contract consumed by dynbuf.
//
// Get must return a slice whose length is at least size; a shorter slice is
// treated by callers as a fatal contract violation. Put accepts slices
// obtained from Get of the same Allocator; anything else may be dropped.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// Default buffer size classes.
const (
	// DefaultSmallSize is the default fragment size of a dynamic buffer (4KB)
	DefaultSmallSize = 4 << 10

	// DefaultMediumSize covers transcoding scratch space and large frames (64KB)
	DefaultMediumSize = 64 << 10

	// DefaultLargeSize covers bulk transfers (1MB)
	DefaultLargeSize = 1 << 20
)

// Pool hands out fragments from three size classes (small, medium, large),
// each backed by a sync.Pool. Requests above the large class are allocated
// directly and never pooled.
type Pool struct {
	classes [3]sizeClass
}

// sizeClass pools arrays of exactly width bytes. It serves requests in
// (floor, width].
type sizeClass struct {
	floor int
	width int
	pool  sync.Pool
}

// Config holds configuration for creating a custom buffer pool.
type Config struct {
	// SmallSize is the size of small buffers (default: 4KB)
	SmallSize int

	// MediumSize is the size of medium buffers (default: 64KB)
	MediumSize int

	// LargeSize is the size of large buffers (default: 1MB)
	LargeSize int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

// NewPool creates a tiered pool. A nil cfg uses DefaultConfig. Each class is
// forced to be wider than the one below it.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.SmallSize <= 0 {
		c.SmallSize = DefaultSmallSize
	}
	if c.MediumSize <= c.SmallSize {
		c.MediumSize = max(DefaultMediumSize, c.SmallSize*2)
	}
	if c.LargeSize <= c.MediumSize {
		c.LargeSize = max(DefaultLargeSize, c.MediumSize*2)
	}

	p := &Pool{}
	floor := 0
	for i, width := range []int{c.SmallSize, c.MediumSize, c.LargeSize} {
		class := &p.classes[i]
		class.floor, class.width = floor, width
		class.pool.New = func() any {
			buf := make([]byte, width)
			return &buf
		}
		floor = width
	}
	return p
}

// class returns the class serving size, or nil when size is above the
// large class.
func (p *Pool) class(size int) *sizeClass {
	for i := range p.classes {
		if size <= p.classes[i].width {
			return &p.classes[i]
		}
	}
	return nil
}

// Get returns a slice of exactly size bytes whose capacity is the width of
// the class serving size. A negative size panics.
//
// The caller must call Put() when finished with the buffer.
func (p *Pool) Get(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("bufpool: negative size %d", size))
	}
	class := p.class(size)
	if class == nil {
		return make([]byte, size)
	}
	buf := *class.pool.Get().(*[]byte)
	return buf[:size]
}

// Put recycles buf if Get could have returned it. Anything else is left to
// the garbage collector.
func (p *Pool) Put(buf []byte) {
	if class := p.recyclable(buf); class != nil {
		full := buf[:class.width]
		class.pool.Put(&full)
	}
}

// recyclable returns the class buf belongs to: its capacity must be the
// class width and its length must fall in the range that class serves.
func (p *Pool) recyclable(buf []byte) *sizeClass {
	class := p.class(cap(buf))
	if class == nil || cap(buf) != class.width {
		return nil
	}
	if n := len(buf); class.floor > 0 && n <= class.floor {
		return nil
	}
	return class
}

// =============================================================================
// Global Pool
// =============================================================================

var globalPool = NewPool(nil)

// Default returns the package-level pool.
func Default() *Pool {
	return globalPool
}

// Get returns a byte slice of at least the requested size from the global pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
