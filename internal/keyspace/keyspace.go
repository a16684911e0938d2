// Package keyspace is an in-memory key -> hash lookup table: fnv32
// shard routing with a bloom-filter negative-lookup fast path. It is
// the "db" collaborator the expiration engine operates against; hashes
// are the only value type it stores.
package keyspace

import (
	"hash/fnv"
	"sync"

	"github.com/AutoCookies/hfe-engine/internal/hashval"
	"github.com/AutoCookies/hfe-engine/packages/ds/bloom"
)

const defaultShardCount = 256

// bloomExpectedItems and bloomFPRate size the negative-lookup filter;
// chosen generously since a false positive only costs a wasted shard
// lookup, never a correctness bug.
const bloomExpectedItems = 1 << 20
const bloomFPRate = 0.01

type shard struct {
	mu    sync.RWMutex
	items map[string]*hashval.Hash
}

// Keyspace owns the key -> *hashval.Hash mapping. It does not know
// about TTL policy or the global expiration index; those are layered
// on top by internal/expire, which only needs lookup, insert, delete,
// and rename.
type Keyspace struct {
	shards     []*shard
	shardCount uint32
	cfg        *hashval.Config

	bloomMu sync.Mutex
	bloom   *bloom.BloomFilter
}

// New creates an empty keyspace with shardCount shards (0 uses a
// sensible default) and the given hash encoding thresholds, applied to
// every hash the keyspace creates.
func New(shardCount int, cfg *hashval.Config) *Keyspace {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	if cfg == nil {
		cfg = hashval.DefaultConfig()
	}
	ks := &Keyspace{
		shards:     make([]*shard, shardCount),
		shardCount: uint32(shardCount),
		cfg:        cfg,
		bloom:      bloom.NewOptimal(bloomExpectedItems, bloomFPRate),
	}
	for i := range ks.shards {
		ks.shards[i] = &shard{items: make(map[string]*hashval.Hash)}
	}
	return ks
}

func (ks *Keyspace) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return ks.shards[h.Sum32()%ks.shardCount]
}

// Lookup finds an existing hash by key. It consults the bloom filter
// first: a MayContain miss means the key is certainly absent, so the
// shard lock and map probe are skipped entirely.
func (ks *Keyspace) Lookup(key string) (*hashval.Hash, bool) {
	if !ks.bloom.MayContain(key) {
		return nil, false
	}
	sh := ks.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	h, ok := sh.items[key]
	return h, ok
}

// Insert stores h under key, replacing any previous hash. The bloom
// filter sees the key added regardless of whether it overwrote an
// existing entry.
func (ks *Keyspace) Insert(key string, h *hashval.Hash) {
	sh := ks.shardFor(key)
	sh.mu.Lock()
	sh.items[key] = h
	sh.mu.Unlock()

	ks.bloomMu.Lock()
	ks.bloom.Add(key)
	ks.bloomMu.Unlock()
}

// FindOrCreate returns the existing hash for key, or creates and
// inserts a fresh one using the keyspace's configured thresholds.
func (ks *Keyspace) FindOrCreate(key string) (h *hashval.Hash, created bool) {
	if existing, ok := ks.Lookup(key); ok {
		return existing, false
	}
	sh := ks.shardFor(key)
	sh.mu.Lock()
	if existing, ok := sh.items[key]; ok {
		sh.mu.Unlock()
		return existing, false
	}
	h = hashval.New(key, ks.cfg)
	sh.items[key] = h
	sh.mu.Unlock()

	ks.bloomMu.Lock()
	ks.bloom.Add(key)
	ks.bloomMu.Unlock()
	return h, true
}

// Delete removes key outright. The bloom filter is left as-is: it only
// ever produces false positives, never false negatives, so a stale
// "may contain" entry after a delete only costs an extra shard probe.
func (ks *Keyspace) Delete(key string) bool {
	sh := ks.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[key]; !ok {
		return false
	}
	delete(sh.items, key)
	return true
}

// Rename moves the hash stored at oldKey to newKey, updating the
// hash's own borrowed key reference before the new mapping becomes
// visible, and returns false if oldKey didn't exist.
func (ks *Keyspace) Rename(oldKey, newKey string) bool {
	oldShard := ks.shardFor(oldKey)
	oldShard.mu.Lock()
	h, ok := oldShard.items[oldKey]
	if ok {
		delete(oldShard.items, oldKey)
	}
	oldShard.mu.Unlock()
	if !ok {
		return false
	}

	h.SetKey(newKey)
	ks.Insert(newKey, h)
	return true
}

// ForEachKey visits every live key under a read lock per shard. This
// is a bulk helper for snapshotting and diagnostics; the active
// expiration cycle sweeps the global index instead, never the whole
// keyspace.
func (ks *Keyspace) ForEachKey(fn func(key string, h *hashval.Hash)) {
	for _, sh := range ks.shards {
		sh.mu.RLock()
		for k, h := range sh.items {
			fn(k, h)
		}
		sh.mu.RUnlock()
	}
}

// Len returns the total number of keys across all shards.
func (ks *Keyspace) Len() int {
	n := 0
	for _, sh := range ks.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}
