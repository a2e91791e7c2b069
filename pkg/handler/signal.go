package handler

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const signalShards = 32

type signalKey struct {
	supplier ID
	name     string
}

// signalWait is a pending WaitForSignal request.
type signalWait struct {
	supplier     *Handler
	name         string
	seq          uint64
	pollFallback bool
}

func (w *signalWait) key() signalKey {
	return signalKey{supplier: w.supplier.id, name: w.name}
}

// signalEntry exists only while someone waits on its key.
type signalEntry struct {
	waiters map[ID]struct{}
}

type signalShard struct {
	mu      sync.Mutex
	entries map[signalKey]*signalEntry
}

type waitResult int

const (
	waitRegistered waitResult = iota
	waitRaised
	waitSupplierClosed
)

// signalTable maps (supplier, name) to the handlers waiting for it.
// Entries are spread over shards by an xxhash of the key.
//
// Raises are ordered by a table-wide clock. Each supplier remembers the
// clock of its latest raise, so a waiter that read the clock before any
// raise of that supplier refuses to park. This can wake a waiter for a
// different name of the same supplier; protocols re-check their condition
// on EventSignal.
//
// Lock order: shard, then mu.
type signalTable struct {
	shards [signalShards]signalShard
	clock  atomic.Uint64

	mu       sync.Mutex
	supplied map[ID]map[string]struct{}
}

func newSignalTable() *signalTable {
	t := &signalTable{supplied: make(map[ID]map[string]struct{})}
	for i := range t.shards {
		t.shards[i].entries = make(map[signalKey]*signalEntry)
	}
	return t
}

func (t *signalTable) shard(key signalKey) *signalShard {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], uint64(key.supplier))
	d := xxhash.New()
	_, _ = d.Write(id[:])
	_, _ = d.WriteString(key.name)
	return &t.shards[d.Sum64()%signalShards]
}

func (t *signalTable) index(key signalKey) {
	t.mu.Lock()
	names := t.supplied[key.supplier]
	if names == nil {
		names = make(map[string]struct{})
		t.supplied[key.supplier] = names
	}
	names[key.name] = struct{}{}
	t.mu.Unlock()
}

func (t *signalTable) unindex(key signalKey) {
	t.mu.Lock()
	if names := t.supplied[key.supplier]; names != nil {
		delete(names, key.name)
		if len(names) == 0 {
			delete(t.supplied, key.supplier)
		}
	}
	t.mu.Unlock()
}

// now reads the raise clock. Pass it to wait.
func (t *signalTable) now() uint64 {
	return t.clock.Load()
}

// wait registers waiter on (supplier, name) unless supplier raised a signal
// after seq was read or its signals are closed.
func (t *signalTable) wait(supplier *Handler, name string, seq uint64, waiter ID) waitResult {
	key := signalKey{supplier: supplier.id, name: name}
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier.signalsClosed.Load() {
		return waitSupplierClosed
	}
	if supplier.lastSignal.Load() > seq {
		return waitRaised
	}

	e := s.entries[key]
	if e == nil {
		e = &signalEntry{waiters: make(map[ID]struct{})}
		s.entries[key] = e
		t.index(key)
	}
	e.waiters[waiter] = struct{}{}

	// dropSupplier may have read the index before we added to it
	if supplier.signalsClosed.Load() {
		t.removeLocked(s, key, e, waiter)
		return waitSupplierClosed
	}
	return waitRegistered
}

func (t *signalTable) unwait(key signalKey, waiter ID) {
	s := t.shard(key)
	s.mu.Lock()
	if e := s.entries[key]; e != nil {
		t.removeLocked(s, key, e, waiter)
	}
	s.mu.Unlock()
}

func (t *signalTable) removeLocked(s *signalShard, key signalKey, e *signalEntry, waiter ID) {
	delete(e.waiters, waiter)
	if len(e.waiters) == 0 {
		delete(s.entries, key)
		t.unindex(key)
	}
}

// raise stamps supplier with a new clock value and detaches the waiters of
// (supplier, name). Nothing is stored for a key nobody waits on.
func (t *signalTable) raise(supplier *Handler, name string) []ID {
	stamp := t.clock.Add(1)
	for {
		cur := supplier.lastSignal.Load()
		if cur >= stamp || supplier.lastSignal.CompareAndSwap(cur, stamp) {
			break
		}
	}

	key := signalKey{supplier: supplier.id, name: name}
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return nil
	}
	woken := make([]ID, 0, len(e.waiters))
	for id := range e.waiters {
		woken = append(woken, id)
	}
	delete(s.entries, key)
	t.unindex(key)
	return woken
}

// dropSupplier removes every entry supplied by id and returns the handlers
// that were still waiting on them, keyed by signal name.
func (t *signalTable) dropSupplier(id ID) map[string][]ID {
	t.mu.Lock()
	names := t.supplied[id]
	delete(t.supplied, id)
	t.mu.Unlock()

	orphans := make(map[string][]ID)
	for name := range names {
		key := signalKey{supplier: id, name: name}
		s := t.shard(key)
		s.mu.Lock()
		if e := s.entries[key]; e != nil {
			for waiter := range e.waiters {
				orphans[name] = append(orphans[name], waiter)
			}
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
	return orphans
}

// size reports the number of live entries, for tests.
func (t *signalTable) size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// suppliers reports how many suppliers have indexed entries, for tests.
func (t *signalTable) suppliers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.supplied)
}
