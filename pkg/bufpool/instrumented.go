package bufpool

import (
	"github.com/marmos91/dittosock/pkg/metrics"
)

type instrumented struct {
	Allocator
	metrics metrics.PoolMetrics
}

// Instrumented wraps alloc so every Get and Put is reported to m. A nil m
// returns alloc unchanged.
func Instrumented(alloc Allocator, m metrics.PoolMetrics) Allocator {
	if m == nil {
		return alloc
	}
	return &instrumented{Allocator: alloc, metrics: m}
}

func (i *instrumented) Get(size int) []byte {
	buf := i.Allocator.Get(size)
	i.metrics.RecordFragmentTaken(len(buf))
	return buf
}

func (i *instrumented) Put(buf []byte) {
	if buf == nil {
		return
	}
	i.metrics.RecordFragmentReturned(len(buf))
	i.Allocator.Put(buf)
}
