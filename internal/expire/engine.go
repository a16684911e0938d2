// Package expire implements lazy and active expiration of hash fields
// plus the hash read/write API, wired against a process-wide global
// expiration index that tracks every hash by its earliest field
// deadline. Reads delete-and-propagate a field found past its deadline
// before reporting it missing; a periodic sweep drains the global
// index under a bounded per-cycle budget.
package expire

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/AutoCookies/hfe-engine/internal/ebuckets"
	"github.com/AutoCookies/hfe-engine/internal/engine/concurrency"
	"github.com/AutoCookies/hfe-engine/internal/hashval"
	"github.com/AutoCookies/hfe-engine/internal/keyspace"
	"github.com/AutoCookies/hfe-engine/internal/memguard"
	"github.com/AutoCookies/hfe-engine/internal/propagation"
)

// ReadResult classifies the outcome of a read that may have observed
// an expired field. Expired and ExpiredHash are distinct from Missing
// so a caller can tell a lazy deletion apart from a plain miss.
type ReadResult int

const (
	Found ReadResult = iota
	Missing
	Expired
	ExpiredHash
)

func (r ReadResult) String() string {
	switch r {
	case Found:
		return "found"
	case Missing:
		return "missing"
	case Expired:
		return "expired"
	case ExpiredHash:
		return "expired_hash"
	default:
		return "unknown"
	}
}

// minDiffThresholdMs floors the republish threshold: a hash's
// global-index entry is only moved when its minimum shifts by at least
// max(4000ms, one bucket quantum).
const minDiffThresholdMs = 4000

const minLogInterval = int64(time.Second)

// Engine couples one keyspace with the process-wide global expiration
// index and a deletion-propagation sink. All process-wide state lives
// on the Engine value and is passed explicitly, never reached through
// package globals.
type Engine struct {
	ks     *keyspace.Keyspace
	global *ebuckets.Index
	sink   *propagation.Sink
	dbID   int
	cfg    *hashval.Config

	coalesce *concurrency.Coalescer
	mem      *memguard.Guard

	lazyDisabled atomic.Bool
	loading      atomic.Bool
	fromReplica  atomic.Bool

	diffThreshold int64

	logEnabled    atomic.Bool
	lastActiveLog int64
}

// New builds an Engine over an existing keyspace. precisionMs sizes the
// global index's bucket quantum (0 uses ebuckets.DefaultPrecisionMs);
// sink may be nil only in tests that don't care about propagation;
// production callers must supply one.
func New(ks *keyspace.Keyspace, sink *propagation.Sink, cfg *hashval.Config, precisionMs int64, dbID int) *Engine {
	if cfg == nil {
		cfg = hashval.DefaultConfig()
	}
	threshold := int64(minDiffThresholdMs)
	p := precisionMs
	if p <= 0 {
		p = ebuckets.DefaultPrecisionMs
	}
	if p > threshold {
		threshold = p
	}
	e := &Engine{
		ks:            ks,
		global:        ebuckets.New(precisionMs),
		sink:          sink,
		cfg:           cfg,
		dbID:          dbID,
		coalesce:      concurrency.NewCoalescer(),
		diffThreshold: threshold,
	}
	e.logEnabled.Store(true)
	return e
}

// SetLazyExpireDisabled toggles the global "lazy expire disabled"
// flag; while set, read paths never delete expired fields.
func (e *Engine) SetLazyExpireDisabled(disabled bool) { e.lazyDisabled.Store(disabled) }

// SetLoading marks/unmarks snapshot-load mode, which also suppresses
// lazy expiration.
func (e *Engine) SetLoading(loading bool) { e.loading.Store(loading) }

// SetFromReplica marks/unmarks replica-stream mode. Commands arriving
// from the upstream replica stream never expire fields locally; the
// upstream's explicit deletions are trusted instead.
func (e *Engine) SetFromReplica(fromReplica bool) { e.fromReplica.Store(fromReplica) }

// SetMemoryGuard attaches a byte-budget guard. Writes through Set and
// SetIfAbsent are rejected when the budget is exhausted and the
// configured reclaimer can't free enough; LoadSnapshot bypasses the
// guard via ReserveForced. The SetLoading/SetFromReplica flags do not
// change how Set reserves.
func (e *Engine) SetMemoryGuard(g *memguard.Guard) { e.mem = g }

func fieldByteSize(field, value []byte) int64 {
	return int64(len(field) + len(value))
}

func (e *Engine) lazyAllowed() bool {
	return !e.loading.Load() && !e.fromReplica.Load() && !e.lazyDisabled.Load()
}

// enterExecutionUnit / exitExecutionUnit bracket every engine-initiated
// run of propagation calls so a batch's deletions flush to the append
// log and replica stream as one coalesced unit instead of one emit per
// field.
func (e *Engine) enterExecutionUnit() {
	if e.sink != nil {
		e.sink.EnterExecutionUnit()
	}
}

func (e *Engine) exitExecutionUnit() {
	if e.sink != nil {
		e.sink.ExitExecutionUnit()
		e.sink.PostExecutionUnit()
	}
}

func (e *Engine) propagateFieldDelete(key string, name []byte) {
	if e.sink == nil {
		return
	}
	e.sink.PropagateFieldDelete(e.dbID, key, string(name))
}

func (e *Engine) propagateKeyDelete(key string) {
	if e.sink == nil {
		return
	}
	e.sink.PropagateKeyDelete(e.dbID, key)
}

// dropEmptyHash removes key from the keyspace and the global index and
// propagates the key-level deletion. A hash emptied by expiration does
// not linger in the keyspace.
func (e *Engine) dropEmptyHash(key string, h *hashval.Hash) {
	e.ks.Delete(key)
	if h.Handle() != nil {
		e.global.Remove(h)
	}
	e.propagateKeyDelete(key)
}

// syncGlobalLink re-derives h's linkage in the global index from its
// current MinExpire(), unconditionally. Delete and Persist use it; the
// diff-threshold throttle applies only to the batched set-expiry
// protocol's finalize phase.
func (e *Engine) syncGlobalLink(h *hashval.Hash) {
	minT, hasMin := h.MinExpire()
	if !hasMin {
		if h.Handle() != nil {
			e.global.Remove(h)
		}
		return
	}
	e.global.Add(h, minT)
}

// expireFieldLazily deletes name from h (already confirmed past its
// deadline) and propagates the deletion.
func (e *Engine) expireFieldLazily(key string, h *hashval.Hash, name []byte) {
	e.releaseFieldBudget(h, name)
	h.Delete(name)
	e.propagateFieldDelete(key, name)
	e.syncGlobalLink(h)
}

// releaseFieldBudget returns name's current byte footprint to the
// memory guard, if one is attached.
func (e *Engine) releaseFieldBudget(h *hashval.Hash, name []byte) {
	if e.mem == nil {
		return
	}
	if v, _, _, found := h.Get(name); found {
		e.mem.Release(fieldByteSize(name, v))
	}
}

// Get returns the field's value, lazily expiring it first if its
// deadline has passed.
func (e *Engine) Get(key string, field []byte, nowMs int64) (value []byte, result ReadResult) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return nil, Missing
	}
	v, expireAtMs, hasTTL, found := h.Get(field)
	if !found {
		return nil, Missing
	}
	if hasTTL && expireAtMs <= nowMs && e.lazyAllowed() {
		e.enterExecutionUnit()
		defer e.exitExecutionUnit()
		e.expireFieldLazily(key, h, field)
		if h.IsEmpty() {
			e.dropEmptyHash(key, h)
			return nil, ExpiredHash
		}
		return nil, Expired
	}
	return v, Found
}

// Exists reports field presence, lazily expiring first.
func (e *Engine) Exists(key string, field []byte, nowMs int64) bool {
	_, result := e.Get(key, field, nowMs)
	return result == Found
}

// Set creates or overwrites a field. keepTTL preserves an existing
// field's TTL across the overwrite. If a memory guard is attached
// (SetMemoryGuard) and it cannot reserve room for the incoming
// field+value, the write is rejected and the hash is left untouched.
func (e *Engine) Set(key string, field, value []byte, keepTTL bool) (created bool) {
	oldSize := int64(-1)
	if e.mem != nil {
		if h, ok := e.ks.Lookup(key); ok {
			if v, _, _, found := h.Get(field); found {
				oldSize = fieldByteSize(field, v)
			}
		}
		if !e.mem.Reserve(fieldByteSize(field, value)) {
			return false
		}
	}
	h, _ := e.ks.FindOrCreate(key)
	created = h.Set(field, value, keepTTL)
	if e.mem != nil && oldSize >= 0 {
		e.mem.Release(oldSize)
	}
	if !created && !keepTTL {
		// An overwrite without keepTTL drops the field's TTL, which may
		// have been the hash's minimum.
		e.syncGlobalLink(h)
	}
	return created
}

// SetIfAbsent implements HSETNX semantics: created(1) | existed(0).
func (e *Engine) SetIfAbsent(key string, field, value []byte) (created bool) {
	if e.mem != nil && !e.mem.Reserve(fieldByteSize(field, value)) {
		return false
	}
	h, _ := e.ks.FindOrCreate(key)
	created = h.SetIfAbsent(field, value)
	if !created && e.mem != nil {
		e.mem.Release(fieldByteSize(field, value))
	}
	return created
}

// Delete removes a field, dropping the owning hash from the keyspace
// if it becomes empty.
func (e *Engine) Delete(key string, field []byte) (deleted bool) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return false
	}
	e.releaseFieldBudget(h, field)
	if !h.Delete(field) {
		return false
	}
	if h.IsEmpty() {
		e.dropEmptyHash(key, h)
		return true
	}
	e.syncGlobalLink(h)
	return true
}

// IncrBy adds delta to an integer-valued field, preserving any
// existing TTL.
func (e *Engine) IncrBy(key string, field []byte, delta int64) (int64, error) {
	h, _ := e.ks.FindOrCreate(key)
	return h.IncrBy(field, delta)
}

// IncrByFloat is the float counterpart of IncrBy.
func (e *Engine) IncrByFloat(key string, field []byte, delta float64) (float64, error) {
	h, _ := e.ks.FindOrCreate(key)
	return h.IncrByFloat(field, delta)
}

// Length returns the field count; subtractExpired excludes fields
// whose deadline is already past via a dry-run count.
func (e *Engine) Length(key string, nowMs int64, subtractExpired bool) int {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return 0
	}
	if !subtractExpired {
		return h.Len()
	}
	return h.Len() - h.ExpireDryRun(nowMs)
}

// IsEmpty reports whether the hash has no live fields, treating
// all-expired as empty.
func (e *Engine) IsEmpty(key string, nowMs int64) bool {
	return e.Length(key, nowMs, true) == 0
}

// RandomElement returns one uniformly chosen field. It samples from
// the hash as stored and does not skip expired fields; callers relying
// on freshness should re-read the returned field.
func (e *Engine) RandomElement(key string) (hashval.FieldView, bool) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return hashval.FieldView{}, false
	}
	return h.RandomField()
}

// RandomElements returns up to count fields, mirroring HRANDFIELD's
// count convention (negative draws with replacement).
func (e *Engine) RandomElements(key string, count int) []hashval.FieldView {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return nil
	}
	return h.RandomFields(count)
}

// All enumerates every live field, skipping fields that are
// expired-as-of-nowMs (the normal command path, unlike RandomElement).
func (e *Engine) All(key string, nowMs int64) []hashval.FieldView {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return nil
	}
	all := h.All()
	out := make([]hashval.FieldView, 0, len(all))
	for _, fv := range all {
		if fv.HasTTL && fv.ExpireAtMs <= nowMs {
			continue
		}
		out = append(out, fv)
	}
	return out
}

// Keys and Values are thin projections of All.
func (e *Engine) Keys(key string, nowMs int64) [][]byte {
	all := e.All(key, nowMs)
	out := make([][]byte, len(all))
	for i, fv := range all {
		out[i] = fv.Name
	}
	return out
}

func (e *Engine) Values(key string, nowMs int64) [][]byte {
	all := e.All(key, nowMs)
	out := make([][]byte, len(all))
	for i, fv := range all {
		out[i] = fv.Value
	}
	return out
}

// ScanPage returns one page of an incremental iteration. It never
// lazily expires what it visits, so cursors stay deterministic with
// respect to expiration running between pages.
func (e *Engine) ScanPage(key string, cursor uint64, count int) ([]hashval.FieldView, uint64) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return nil, 0
	}
	return h.ScanPage(cursor, count)
}

// Duplicate copies the hash at key to newKey, preserving every field's
// TTL, and registers the copy in the global index under its own
// minimum.
func (e *Engine) Duplicate(key, newKey string) bool {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return false
	}
	e.unlinkDisplaced(newKey)
	dup := h.Duplicate(newKey)
	e.ks.Insert(newKey, dup)
	e.syncGlobalLink(dup)
	return true
}

// unlinkDisplaced detaches from the global index any hash about to be
// overwritten at key, so an active-expire pass can never pop a hash
// that is no longer reachable through the keyspace and delete its
// successor's key by mistake.
func (e *Engine) unlinkDisplaced(key string) {
	if old, ok := e.ks.Lookup(key); ok && old.Handle() != nil {
		e.global.Remove(old)
	}
}

// RenameTo moves the hash to newKey. The keyspace updates the hash's
// borrowed key reference before returning, so no subsequent
// active-expire pass can observe a stale key.
func (e *Engine) RenameTo(key, newKey string) bool {
	if key == newKey {
		_, ok := e.ks.Lookup(key)
		return ok
	}
	e.unlinkDisplaced(newKey)
	return e.ks.Rename(key, newKey)
}

// FieldExpiryResult is one field's outcome from a batched set-expiry
// command.
type FieldExpiryResult struct {
	Field []byte
	Code  hashval.FieldCode
}

// SetFieldsExpiry applies one expiration command as a batch: every
// named field in the hash at key is given the same absolute deadline
// expireAtMs, gated by cond, and the hash's global-index linkage is
// synchronized once at the end under the diff-threshold rule.
// anyChanged reports whether at least one field was updated or
// deleted, i.e. whether the caller must emit a keyspace event and bump
// its "data changed" counter; keyDeleted reports whether the hash
// itself was removed because it became empty.
func (e *Engine) SetFieldsExpiry(key string, fields [][]byte, expireAtMs int64, cond hashval.ExpireCond, nowMs int64) (results []FieldExpiryResult, anyChanged bool, keyDeleted bool) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		results = make([]FieldExpiryResult, len(fields))
		for i, f := range fields {
			results[i] = FieldExpiryResult{Field: f, Code: hashval.CodeNoField}
		}
		return results, false, false
	}

	minBefore, hadMin := h.MinExpire()

	e.enterExecutionUnit()
	defer e.exitExecutionUnit()

	results = make([]FieldExpiryResult, 0, len(fields))
	for _, f := range fields {
		var doomedSize int64 = -1
		if e.mem != nil && expireAtMs <= nowMs {
			if v, _, _, found := h.Get(f); found {
				doomedSize = fieldByteSize(f, v)
			}
		}
		code := h.SetFieldExpiry(f, expireAtMs, cond, nowMs)
		results = append(results, FieldExpiryResult{Field: f, Code: code})
		switch code {
		case hashval.CodeOK:
			anyChanged = true
		case hashval.CodeDeleted:
			anyChanged = true
			if doomedSize >= 0 {
				e.mem.Release(doomedSize)
			}
			e.propagateFieldDelete(key, f)
		}
	}

	if h.IsEmpty() {
		e.dropEmptyHash(key, h)
		return results, anyChanged, true
	}

	if anyChanged {
		e.republishIfNeeded(h, minBefore, hadMin)
	}
	return results, anyChanged, false
}

// republishIfNeeded applies the finalize diff-threshold: a hash
// already linked in the global index is only relinked if its minimum
// moved by at least the configured threshold, or if it just acquired
// its first TTL (nothing to compare against, so it must be linked
// regardless of threshold). Small drift is absorbed by the active
// expirer within one scan instead of churning the index per write.
func (e *Engine) republishIfNeeded(h *hashval.Hash, minBefore int64, hadMin bool) {
	minAfter, hasAfter := h.MinExpire()
	if !hasAfter {
		if h.Handle() != nil {
			e.global.Remove(h)
		}
		return
	}
	if !hadMin {
		e.global.Add(h, minAfter)
		return
	}
	diff := minAfter - minBefore
	if diff < 0 {
		diff = -diff
	}
	if diff >= e.diffThreshold {
		e.global.Add(h, minAfter)
	}
}

// Persist implements HPERSIST for one field, always performing an exact
// (non-throttled) resync of the hash's global linkage since persisting
// removes a deadline outright rather than nudging it.
func (e *Engine) Persist(key string, field []byte) hashval.FieldCode {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return hashval.CodeNoField
	}
	code := h.Persist(field)
	if code == hashval.CodeOK {
		e.syncGlobalLink(h)
	}
	return code
}

// TTLMs, ExpireTimeMs mirror the corresponding Hash methods, reached
// through the engine so callers never touch *hashval.Hash directly.
func (e *Engine) TTLMs(key string, field []byte, nowMs int64) (int64, hashval.FieldCode) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return 0, hashval.CodeNoField
	}
	return h.TTLMs(field, nowMs)
}

func (e *Engine) ExpireTimeMs(key string, field []byte) (int64, hashval.FieldCode) {
	h, ok := e.ks.Lookup(key)
	if !ok {
		return 0, hashval.CodeNoField
	}
	return h.ExpireTimeMs(field)
}

// ActiveExpireCycle walks the global index popping hashes whose bucket
// lower bound has elapsed, expires up to the remaining quota of fields
// from each, and relinks each hash under its next deadline, drops it,
// or stops when the budget runs out. Concurrent calls are coalesced
// (see package concurrency) since only one sweep should be in flight
// at a time.
func (e *Engine) ActiveExpireCycle(nowMs int64, maxFields int) (fieldsExpired int) {
	v, _, _ := e.coalesce.Do("active-expire", func() (interface{}, error) {
		return e.runActiveExpireCycle(nowMs, maxFields), nil
	})
	n, _ := v.(int)
	return n
}

func (e *Engine) runActiveExpireCycle(nowMs int64, maxFields int) int {
	e.enterExecutionUnit()
	defer e.exitExecutionUnit()

	quota := maxFields
	total := 0

	for quota > 0 {
		nextT, ok := e.global.NextExpireTime()
		if !ok || nextT > nowMs {
			break
		}

		progressed := false
		e.global.Expire(nowMs, 1, func(item ebuckets.Item) (ebuckets.Action, int64) {
			h := item.(*hashval.Hash)
			key := h.Key()

			n, nextExpire, hasNext := h.ExpireBudget(nowMs, quota, func(name, value []byte) {
				if e.mem != nil {
					e.mem.Release(fieldByteSize(name, value))
				}
				e.propagateFieldDelete(key, name)
			})
			total += n
			quota -= n
			if n > 0 {
				progressed = true
			}

			if h.IsEmpty() {
				e.ks.Delete(key)
				e.propagateKeyDelete(key)
				return ebuckets.ActionRemove, 0
			}
			if quota <= 0 {
				return ebuckets.ActionStop, 0
			}
			if hasNext {
				return ebuckets.ActionUpdateKey, nextExpire
			}
			return ebuckets.ActionRemove, 0
		})

		if !progressed {
			// The bucket's quantized lower bound was <= now, but no
			// field in it actually is yet (coarse precision). Nothing
			// more to reclaim this cycle.
			break
		}
	}

	if total > 0 {
		e.rateLimitedLog("expired %d fields, quota_remaining=%d", total, quota)
	}
	return total
}

func (e *Engine) rateLimitedLog(format string, args ...interface{}) {
	if !e.logEnabled.Load() {
		return
	}
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&e.lastActiveLog)
	if now-last < minLogInterval {
		return
	}
	if atomic.CompareAndSwapInt64(&e.lastActiveLog, last, now) {
		log.Printf("[HFE-ACTIVE] "+format, args...)
	}
}

// SetLogging toggles the rate-limited active-expire-cycle log line.
func (e *Engine) SetLogging(enabled bool) { e.logEnabled.Store(enabled) }

// NextGlobalExpireTime exposes the global index's earliest bucket lower
// bound, mainly for tests and host schedulers deciding how soon to run
// the next active-expire cycle.
func (e *Engine) NextGlobalExpireTime() (int64, bool) {
	return e.global.NextExpireTime()
}

// GlobalLinkedCount reports how many hashes are currently linked in
// the global index, i.e. carry at least one field with a finite
// deadline.
func (e *Engine) GlobalLinkedCount() int {
	return e.global.Len()
}
