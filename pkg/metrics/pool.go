package metrics

// PoolMetrics tracks fragments handed out by a segment pool.
type PoolMetrics interface {
	// RecordFragmentTaken counts a fragment of size bytes leaving the pool.
	RecordFragmentTaken(size int)

	// RecordFragmentReturned counts a fragment of size bytes coming back.
	RecordFragmentReturned(size int)
}

// NewNoopPoolMetrics returns a PoolMetrics that discards everything.
func NewNoopPoolMetrics() PoolMetrics {
	return noopPoolMetrics{}
}

type noopPoolMetrics struct{}

func (noopPoolMetrics) RecordFragmentTaken(size int)    {}
func (noopPoolMetrics) RecordFragmentReturned(size int) {}
