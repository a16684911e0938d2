// Package hashval implements the hash value's three encodings — a
// compact inline pair list, a compact inline triple list with TTLs,
// and a full hash table — as a single sum type that encapsulates the
// transitions between them behind its mutating methods.
package hashval

import "errors"

// Encoding identifies which internal representation a Hash currently
// uses.
type Encoding int

const (
	// Listpack holds plain field/value pairs; no field carries a TTL.
	Listpack Encoding = iota
	// ListpackEx keeps every field/value/expiry triple in one slice,
	// sorted ascending by deadline (fields with no TTL sort last).
	ListpackEx
	// HT is a full hash table plus a private ebuckets index of the
	// fields that currently carry a TTL.
	HT
)

func (e Encoding) String() string {
	switch e {
	case Listpack:
		return "listpack"
	case ListpackEx:
		return "listpackex"
	case HT:
		return "hashtable"
	default:
		return "unknown"
	}
}

// FieldCond controls how Set treats an existing field, mirroring
// HSET/HSETNX's creation semantics.
type FieldCond int

const (
	// FieldCreateOrOverwrite creates the field if absent, overwrites if
	// present. This is plain HSET behavior.
	FieldCreateOrOverwrite FieldCond = iota
	// FieldDontOverwrite creates the field only if absent; a pre-existing
	// field is left untouched. This is HSETNX behavior.
	FieldDontOverwrite
)

// ExpireCond is the conditional gate a per-field expiration write must
// pass, mirroring HEXPIRE's NX/XX/GT/LT flags.
type ExpireCond int

const (
	ExpireCondNone ExpireCond = iota
	ExpireCondNX
	ExpireCondXX
	ExpireCondGT
	ExpireCondLT
)

// FieldCode is the per-field result code shared by every per-field
// expiration command.
type FieldCode int

const (
	// CodeNoField: the field does not exist in the hash.
	CodeNoField FieldCode = -2
	// CodeNoTTL: the field exists but carries no TTL.
	CodeNoTTL FieldCode = -1
	// CodeNoConditionMet: the field exists and has/has-not a TTL as
	// required, but the NX/XX/GT/LT condition rejected the write.
	CodeNoConditionMet FieldCode = 0
	// CodeOK: the write (or persist, or query) succeeded.
	CodeOK FieldCode = 1
	// CodeDeleted: setting the expiry in the past deleted the field
	// immediately instead of scheduling it.
	CodeDeleted FieldCode = 2
)

// FieldView is a read-only snapshot of one field, returned by the
// enumeration methods (All, Keys, ScanPage, RandomFields).
type FieldView struct {
	Name       []byte
	Value      []byte
	ExpireAtMs int64
	HasTTL     bool
}

var (
	// ErrNotANumber is returned by IncrBy/IncrByFloat when the existing
	// field value cannot be parsed as the requested numeric type.
	ErrNotANumber = errors.New("hashval: field value is not a number")
	// ErrOverflow is returned when an increment would overflow the
	// integer or float range.
	ErrOverflow = errors.New("hashval: increment would overflow")
)
