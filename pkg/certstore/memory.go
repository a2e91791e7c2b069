package certstore

// MemoryStore keeps generated certificates for its own lifetime.
type MemoryStore struct {
	*cachingStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(options Options) *MemoryStore {
	return &MemoryStore{cachingStore: newCachingStore("memory", nil, options)}
}
