// Package sideband implements C5: a concurrent uuid-keyed table of tenant
// metadata, consulted by worker-side native-function handlers routed back
// through the host.
package sideband

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of independent locked buckets the table is
// split across, so reads/writes under concurrency stay lock-scoped to one
// shard rather than a single global mutex (spec §5's "lock-free or
// sharded" requirement for the sideband).
const shardCount = 16

// Entry is the tenant metadata stored per in-flight request, keyed by its
// uuid.
type Entry struct {
	RequestUUID string
	CodeToken   string
	Metadata    map[string]string
	MinLogLevel int
}

type shard struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// Table is the sharded uuid -> Entry map.
type Table struct {
	shards [shardCount]*shard
}

// New constructs an empty Table.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{data: make(map[string]Entry)}
	}
	return t
}

func (t *Table) shardFor(uuid string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uuid))
	return t.shards[h.Sum32()%shardCount]
}

// Put inserts uuid -> entry, present for the full duration of the request's
// Running state.
func (t *Table) Put(uuid string, entry Entry) {
	s := t.shardFor(uuid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[uuid] = entry
}

// Get returns the entry for uuid and whether it was present.
func (t *Table) Get(uuid string) (Entry, bool) {
	s := t.shardFor(uuid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[uuid]
	return e, ok
}

// Delete removes uuid's entry. Called by the Dispatcher after the user
// callback is prepared, per the C5 removal invariant.
func (t *Table) Delete(uuid string) {
	s := t.shardFor(uuid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, uuid)
}

// Len returns the total number of live entries, for tests and diagnostics.
func (t *Table) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.RLock()
		total += len(s.data)
		s.mu.RUnlock()
	}
	return total
}
