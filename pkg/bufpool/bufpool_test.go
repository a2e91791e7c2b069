package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGet(t *testing.T) {
	p := NewPool(&Config{SmallSize: 16, MediumSize: 64, LargeSize: 256})

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"small exact", 16, 16},
		{"small partial", 3, 16},
		{"medium", 17, 64},
		{"large", 100, 256},
		{"oversized", 1000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
			p.Put(buf)
		})
	}
}

func TestPoolConfigNormalization(t *testing.T) {
	p := NewPool(&Config{SmallSize: 8, MediumSize: 4, LargeSize: 2})
	assert.Equal(t, 8, p.classes[0].width)
	assert.Greater(t, p.classes[1].width, p.classes[0].width)
	assert.Greater(t, p.classes[2].width, p.classes[1].width)
	assert.Equal(t, p.classes[0].width, p.classes[1].floor)

	d := NewPool(nil)
	assert.Equal(t, DefaultSmallSize, d.classes[0].width)

	// the caller's config is left untouched
	cfg := &Config{SmallSize: 8}
	NewPool(cfg)
	assert.Zero(t, cfg.MediumSize)
}

func TestPoolGetNegativeSizePanics(t *testing.T) {
	p := NewPool(nil)
	assert.Panics(t, func() { p.Get(-1) })
}

func TestPoolPutKeepsOnlyFragmentsGetCouldReturn(t *testing.T) {
	p := NewPool(&Config{SmallSize: 16, MediumSize: 64, LargeSize: 256})

	tests := []struct {
		name string
		buf  []byte
		kept bool
	}{
		{"small full", make([]byte, 16), true},
		{"small partial", make([]byte, 3, 16), true},
		{"small empty", make([]byte, 0, 16), true},
		{"medium full", make([]byte, 64), true},
		{"medium partial", make([]byte, 17, 64), true},
		{"medium array resliced to small length", make([]byte, 10, 64), false},
		{"large array resliced to medium length", make([]byte, 64, 256), false},
		{"capacity between classes", make([]byte, 20, 32), false},
		{"oversized", make([]byte, 1000), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := p.recyclable(tt.buf)
			if !tt.kept {
				assert.Nil(t, class)
				p.Put(tt.buf)
				return
			}
			require.NotNil(t, class)
			assert.Equal(t, cap(tt.buf), class.width)
			p.Put(tt.buf)
		})
	}
}

func TestPoolPutForeignBuffer(t *testing.T) {
	p := NewPool(&Config{SmallSize: 16, MediumSize: 64, LargeSize: 256})
	// Buffers of unknown capacity are dropped without panicking.
	p.Put(make([]byte, 17))
	p.Put(nil)
}

func TestPoolConcurrent(t *testing.T) {
	p := NewPool(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := p.Get(DefaultSmallSize)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}

func TestBoundedPool(t *testing.T) {
	p := NewBoundedPool(2, 8)
	require.Equal(t, 8, p.Width())

	a := p.Get(8)
	b := p.Get(5)
	c := p.Get(8)
	assert.Len(t, b, 5)
	assert.Equal(t, 8, cap(b))

	p.Put(a)
	p.Put(b)
	p.Put(c) // free list full, dropped
	assert.Equal(t, 2, p.Idle())

	big := p.Get(20)
	assert.Len(t, big, 20)
	p.Put(big)
	assert.Equal(t, 2, p.Idle())
}

type countingMetrics struct {
	mu       sync.Mutex
	taken    int
	returned int
}

func (c *countingMetrics) RecordFragmentTaken(size int) {
	c.mu.Lock()
	c.taken++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordFragmentReturned(size int) {
	c.mu.Lock()
	c.returned++
	c.mu.Unlock()
}

func TestInstrumented(t *testing.T) {
	m := &countingMetrics{}
	alloc := Instrumented(NewPool(nil), m)

	buf := alloc.Get(10)
	alloc.Put(buf)
	alloc.Put(nil)

	assert.Equal(t, 1, m.taken)
	assert.Equal(t, 1, m.returned)

	plain := NewPool(nil)
	assert.Same(t, plain, Instrumented(plain, nil))
}
