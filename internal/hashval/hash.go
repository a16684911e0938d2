package hashval

import (
	"encoding/hex"
	"log"

	"github.com/AutoCookies/hfe-engine/internal/ebuckets"
	"github.com/AutoCookies/hfe-engine/internal/field"
)

// Hash is a single hash-type value: a sum of its three encodings, with
// transitions between them folded into the mutating methods below so
// callers never see an encoding switch as a distinct operation.
//
// Hash implements ebuckets.Item so the collaborator that owns the
// process-wide global index can link a Hash directly under its
// earliest field deadline, exactly like a Field links into a private
// per-hash index.
type Hash struct {
	key      string
	cfg      *Config
	encoding Encoding

	lp   []*field.Field // Listpack
	lpex []*field.Field // ListpackEx: sorted ascending by sortKey

	table map[string]*field.Field // HT
	hfe   *ebuckets.Index         // HT: private index of fields with a TTL

	globalHandle *ebuckets.Handle
}

// New creates an empty hash in the LISTPACK encoding.
func New(key string, cfg *Config) *Hash {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Hash{key: key, cfg: cfg, encoding: Listpack}
}

// Key returns the hash's owning key name.
func (h *Hash) Key() string { return h.key }

// SetKey updates the owning key name, used on rename.
func (h *Hash) SetKey(key string) { h.key = key }

// Encoding reports the hash's current representation.
func (h *Hash) Encoding() Encoding { return h.encoding }

// Handle implements ebuckets.Item, for linkage into the global index.
func (h *Hash) Handle() *ebuckets.Handle { return h.globalHandle }

// SetHandle implements ebuckets.Item.
func (h *Hash) SetHandle(handle *ebuckets.Handle) { h.globalHandle = handle }

// Len returns the raw field count, including fields whose TTL has
// already elapsed but have not yet been lazily or actively expired.
// Callers needing the "live" count must consult ExpireDryRun too.
func (h *Hash) Len() int {
	switch h.encoding {
	case Listpack:
		return len(h.lp)
	case ListpackEx:
		return len(h.lpex)
	default:
		return len(h.table)
	}
}

// IsEmpty reports whether the hash has zero fields.
func (h *Hash) IsEmpty() bool { return h.Len() == 0 }

func (h *Hash) lookup(name []byte) (*field.Field, int) {
	switch h.encoding {
	case Listpack:
		return lpFind(h.lp, name)
	case ListpackEx:
		return lpexFind(h.lpex, name)
	default:
		f, ok := h.table[string(name)]
		if !ok {
			return nil, -1
		}
		return f, 0
	}
}

// Get returns the field's decoded value and expiration state. found is
// false if the field does not exist, regardless of whether its TTL has
// elapsed — lazy-expiration policy belongs to the caller, not to this
// data structure.
func (h *Hash) Get(name []byte) (value []byte, expireAtMs int64, hasTTL bool, found bool) {
	f, _ := h.lookup(name)
	if f == nil {
		return nil, 0, false, false
	}
	t, ok := f.ExpireAtMs()
	return f.Value(), t, ok, true
}

// Exists reports raw field presence, ignoring TTL state.
func (h *Hash) Exists(name []byte) bool {
	f, _ := h.lookup(name)
	return f != nil
}

// Set creates or overwrites a field. When keepTTL is false (the
// default HSET behavior), overwriting a field clears any TTL it held.
// Returns whether the field was newly created.
func (h *Hash) Set(name, value []byte, keepTTL bool) bool {
	f, idx := h.lookup(name)
	if f != nil {
		if !keepTTL {
			h.clearFieldExpiry(f)
		}
		f.SetValue(value)
		h.onFieldGrew(f, idx)
		return false
	}
	h.insertPlain(name, value)
	return true
}

// SetWithCond applies cond before writing, implementing HSET vs HSETNX
// style gating at the field level.
func (h *Hash) SetWithCond(name, value []byte, cond FieldCond) bool {
	if cond == FieldDontOverwrite && h.Exists(name) {
		return false
	}
	return h.Set(name, value, false)
}

// SetIfAbsent creates the field only if it doesn't already exist,
// mirroring HSETNX. Returns whether it was created.
func (h *Hash) SetIfAbsent(name, value []byte) bool {
	return h.SetWithCond(name, value, FieldDontOverwrite)
}

// Delete removes a field outright, detaching it from whichever index
// held its TTL linkage. Returns whether the field existed.
func (h *Hash) Delete(name []byte) bool {
	switch h.encoding {
	case Listpack:
		idx := lpIndex(h.lp, name)
		if idx < 0 {
			return false
		}
		h.lp = append(h.lp[:idx], h.lp[idx+1:]...)
		return true
	case ListpackEx:
		idx := lpexIndex(h.lpex, name)
		if idx < 0 {
			return false
		}
		h.lpex = append(h.lpex[:idx], h.lpex[idx+1:]...)
		return true
	default:
		f, ok := h.table[string(name)]
		if !ok {
			return false
		}
		if h.hfe != nil {
			h.hfe.Remove(f)
		}
		delete(h.table, string(name))
		return true
	}
}

// insertPlain adds a brand new field with no TTL, then checks whether
// the insertion pushed the hash over a size threshold.
func (h *Hash) insertPlain(name, value []byte) {
	f := field.New(name, value)
	switch h.encoding {
	case Listpack:
		h.lp = append(h.lp, f)
	case ListpackEx:
		f.SetExpireAtMs(0)
		h.lpex = insertSorted(h.lpex, f)
	default:
		h.table[string(name)] = f
	}
	h.maybeUpgrade()
}

func (h *Hash) onFieldGrew(f *field.Field, idx int) {
	_ = idx
	h.maybeUpgrade()
}

// maybeUpgrade promotes the hash to a larger encoding if it now
// exceeds the configured thresholds. Both inline encodings upgrade
// straight to HT; there is no automatic downgrade.
func (h *Hash) maybeUpgrade() {
	if h.encoding == HT {
		return
	}
	if h.overThreshold() {
		h.upgradeToHT()
	}
}

func (h *Hash) overThreshold() bool {
	if h.Len() > h.cfg.MaxListpackEntries {
		return true
	}
	var fields []*field.Field
	if h.encoding == Listpack {
		fields = h.lp
	} else {
		fields = h.lpex
	}
	for _, f := range fields {
		if f.NameLen() > h.cfg.MaxListpackValue || f.ValueLen() > h.cfg.MaxListpackValue {
			return true
		}
	}
	return false
}

func (h *Hash) upgradeToHT() {
	table := make(map[string]*field.Field, h.Len())
	var fields []*field.Field
	if h.encoding == Listpack {
		fields = h.lp
	} else {
		fields = h.lpex
	}
	for _, f := range fields {
		if _, dup := table[f.NameString()]; dup {
			// A listpack-encoded hash can never legally hold the same
			// field twice; the buffer is corrupt and continuing risks
			// silent data loss.
			log.Printf("[HFE] corrupt listpack in hash %q, duplicate field during conversion:\n%s",
				h.key, hex.Dump(dumpFields(fields)))
			panic("hashval: duplicate field in listpack buffer")
		}
		table[f.NameString()] = f
	}
	h.table = table
	h.lp = nil
	h.lpex = nil
	h.encoding = HT
	h.hfe = ebuckets.New(ebuckets.DefaultPrecisionMs)
	for _, f := range table {
		if t, ok := f.ExpireAtMs(); ok {
			h.hfe.Add(f, t)
		}
	}
}

// convertToListpackEx reshapes a plain pair-list hash into the
// TTL-aware triple list, giving every existing field a zero (no-TTL)
// expiry slot. Called the first time any field in the hash is given a
// TTL, if the hash is still small enough to avoid jumping straight to
// HT.
func (h *Hash) convertToListpackEx() {
	out := make([]*field.Field, 0, len(h.lp))
	for _, f := range h.lp {
		f.SetExpireAtMs(0)
		out = append(out, f)
	}
	h.lp = nil
	h.lpex = sortFields(out)
	h.encoding = ListpackEx
}

// LoadField inserts a field exactly as read from a snapshot or replica
// stream, unconditionally — unlike SetFieldExpiry it never deletes the
// field even if expireAtMs is already in the past; reaping stale
// fields after a load is the expiration engine's job. expireAtMs == 0
// means no TTL.
func (h *Hash) LoadField(name, value []byte, expireAtMs int64) {
	h.insertPlain(name, value)
	if expireAtMs == 0 {
		return
	}
	f, _ := h.lookup(name)
	h.applyFieldExpiry(f, expireAtMs)
}

// dumpFields flattens the inline buffer's name/value bytes for the
// corruption hex dump.
func dumpFields(fields []*field.Field) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, f.Name()...)
		out = append(out, 0)
		out = append(out, f.Value()...)
		out = append(out, 0)
	}
	return out
}

func (h *Hash) clearFieldExpiry(f *field.Field) {
	switch h.encoding {
	case HT:
		if h.hfe != nil {
			h.hfe.Remove(f)
		}
		f.SetExpireAtMs(0)
	case ListpackEx:
		f.SetExpireAtMs(0)
		h.lpex = resortAfterKeyChange(h.lpex, f)
	default:
		// Listpack fields never carry a TTL.
	}
}
