// Package field implements the byte-string storage unit used by hash
// values: an immutable name/value pair optionally carrying a fixed-size
// metadata block for per-field expiration bookkeeping.
package field

import (
	"github.com/AutoCookies/hfe-engine/internal/ebuckets"
	"github.com/golang/snappy"
)

// compressionMinLen is the value length at or above which we attempt snappy
// compression. The stored form carries a magic byte: 0 means raw, 1
// means snappy-compressed.
const compressionMinLen = 64

// Field is a byte string optionally carrying expiration metadata. A
// Field implements ebuckets.Item directly, so it can be linked into a
// hash's private ebuckets index with no wrapper type.
//
// A C implementation would tag the low address bit of the field's
// allocation to tell field handles apart from hash handles in a shared
// ebuckets index. Go gives no such trick over its pointers, so the
// idiomatic substitute is the type system: ebuckets.Item is an
// interface, and code that needs to tell a field apart from a hash
// type-switches on the concrete type instead of an address bit. One
// allocation still carries both identity and metadata, reached through
// a single reference.
type Field struct {
	name  []byte
	value []byte
	meta  *metadata
}

type metadata struct {
	expireAtMs   int64 // 0 means "no TTL", matching the LISTPACK_EX convention
	bucketHandle *ebuckets.Handle
}

// New builds a field with no expiration metadata reserved.
func New(name, value []byte) *Field {
	return &Field{name: cloneBytes(name), value: encodeValue(value)}
}

// NewWithExpiry builds a field with a metadata block reserved up front,
// initially detached (no bucket_handle, no expiry).
func NewWithExpiry(name, value []byte) *Field {
	return &Field{
		name:  cloneBytes(name),
		value: encodeValue(value),
		meta:  &metadata{},
	}
}

// Name returns the field's name.
func (f *Field) Name() []byte { return f.name }

// NameString returns the field's name as a string (for map keys).
func (f *Field) NameString() string { return string(f.name) }

// Value returns the decoded field value.
func (f *Field) Value() []byte { return decodeValue(f.value) }

// SetValue replaces the field's value in place. Any TTL metadata is left
// untouched; a caller that wants an overwrite to drop the TTL must
// clear the expiry itself before SetValue.
func (f *Field) SetValue(value []byte) {
	f.value = encodeValue(value)
}

// HasMetadata reports whether this field ever reserved an expiration
// metadata block, i.e. went through NewWithExpiry or SetExpireAtMs at
// least once.
func (f *Field) HasMetadata() bool { return f.meta != nil }

// ExpireAtMs returns the absolute deadline in milliseconds and whether
// one is currently set. A field with no metadata block, or expiry 0,
// reports (0, false) — "no TTL".
func (f *Field) ExpireAtMs() (int64, bool) {
	if f.meta == nil || f.meta.expireAtMs == 0 {
		return 0, false
	}
	return f.meta.expireAtMs, true
}

// SetExpireAtMs allocates a metadata block if the field never carried
// one and sets the deadline. t == 0 means "no TTL".
func (f *Field) SetExpireAtMs(t int64) {
	if f.meta == nil {
		f.meta = &metadata{}
	}
	f.meta.expireAtMs = t
}

// Handle implements ebuckets.Item.
func (f *Field) Handle() *ebuckets.Handle {
	if f.meta == nil {
		return nil
	}
	return f.meta.bucketHandle
}

// SetHandle implements ebuckets.Item. It allocates a metadata block on
// first link if the field doesn't have one yet.
func (f *Field) SetHandle(h *ebuckets.Handle) {
	if f.meta == nil {
		f.meta = &metadata{}
	}
	f.meta.bucketHandle = h
}

// Attached reports whether the field currently carries a live bucket
// handle, i.e. it is linked in its owner's expiration index.
func (f *Field) Attached() bool {
	return f.meta != nil && f.meta.bucketHandle != nil
}

// NameLen and ValueLen report the field's decoded lengths, used for
// hash_max_listpack_value checks (the compression encoding is an
// implementation detail that must not affect those comparisons).
func (f *Field) NameLen() int { return len(f.name) }
func (f *Field) ValueLen() int {
	return decodedLen(f.value)
}

// Size estimates the field's footprint in bytes for memory accounting.
func (f *Field) Size() int {
	n := len(f.name) + len(f.value)
	if f.meta != nil {
		n += 24 // expireAtMs + bucketHandle, rounded up for alignment
	}
	return n
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func encodeValue(v []byte) []byte {
	if len(v) < compressionMinLen {
		out := make([]byte, len(v)+1)
		out[0] = 0
		copy(out[1:], v)
		return out
	}
	compressed := snappy.Encode(nil, v)
	if len(compressed) >= len(v) {
		out := make([]byte, len(v)+1)
		out[0] = 0
		copy(out[1:], v)
		return out
	}
	out := make([]byte, len(compressed)+1)
	out[0] = 1
	copy(out[1:], compressed)
	return out
}

func decodeValue(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	magic := raw[0]
	payload := raw[1:]
	if magic == 1 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil
		}
		return decoded
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

func decodedLen(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	if raw[0] == 1 {
		n, err := snappy.DecodedLen(raw[1:])
		if err != nil {
			return 0
		}
		return n
	}
	return len(raw) - 1
}
