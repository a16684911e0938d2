// Package snapshot implements the point-in-time per-field payload: for
// each hash, its key and encoding tag, then per field either a (field,
// value) pair or an (expire_at_ms, field, value) triple when the field
// carries a TTL. The stream is a version byte followed by one gob
// record per hash; the restore loop is keyed on io.EOF.
package snapshot

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/AutoCookies/hfe-engine/internal/hashval"
)

// version is bumped whenever the wire record shape changes.
const version = 1

// fieldRecord is one (field, value[, expire_at_ms]) entry. ExpireAtMs
// is 0 for fields with no TTL, matching hashval's own convention so the
// encoder needs no extra "has TTL" bit.
type fieldRecord struct {
	Name       []byte
	Value      []byte
	ExpireAtMs int64
}

// hashRecord is one hash's encoded form: its key, the encoding tag it
// was stored under (kept for fidelity/debugging, not required on
// reload — LoadField re-derives the right encoding from thresholds),
// and its fields.
type hashRecord struct {
	Key      string
	Encoding int
	Fields   []fieldRecord
}

// WriteAll snapshots every (key, hash) pair to w as a version-prefixed
// gob stream, skipping nothing — lazy expiration is suppressed during
// snapshotting, so an already-expired-but-not-yet-reaped field is
// written as-is; the loader will expire it lazily or actively once the
// engine resumes normal operation.
func WriteAll(w io.Writer, hashes map[string]*hashval.Hash) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(version); err != nil {
		return err
	}
	for key, h := range hashes {
		rec := hashRecord{Key: key, Encoding: int(h.Encoding())}
		for _, fv := range h.All() {
			rec.Fields = append(rec.Fields, fieldRecord{
				Name:       fv.Name,
				Value:      fv.Value,
				ExpireAtMs: fv.ExpireAtMs,
			})
		}
		if err := enc.Encode(&rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll decodes a stream written by WriteAll, constructing a fresh
// *hashval.Hash per record via LoadField (fields are installed
// unconditionally, even if already past their deadline) and invoking
// onHash once per reconstructed hash so the caller can register it in
// the keyspace and the global expiration index under its restored
// minimum.
func ReadAll(r io.Reader, cfg *hashval.Config, onHash func(key string, h *hashval.Hash)) error {
	dec := gob.NewDecoder(r)

	var v int
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if v != version {
		return errors.New("snapshot: unsupported version")
	}

	for {
		var rec hashRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		h := hashval.New(rec.Key, cfg)
		for _, f := range rec.Fields {
			h.LoadField(f.Name, f.Value, f.ExpireAtMs)
		}
		if onHash != nil {
			onHash(rec.Key, h)
		}
	}
}
