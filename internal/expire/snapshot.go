package expire

import (
	"io"

	"github.com/AutoCookies/hfe-engine/internal/hashval"
	"github.com/AutoCookies/hfe-engine/internal/snapshot"
)

// WriteSnapshot encodes every hash currently in the keyspace to w as
// the point-in-time per-field payload. Lazy expiration is suppressed
// for the duration: an already-expired-but-unreaped field is
// serialized as-is.
func (e *Engine) WriteSnapshot(w io.Writer) error {
	e.SetLoading(true)
	defer e.SetLoading(false)

	all := make(map[string]*hashval.Hash)
	e.ks.ForEachKey(func(key string, h *hashval.Hash) {
		all[key] = h
	})
	return snapshot.WriteAll(w, all)
}

// LoadSnapshot decodes a stream written by WriteSnapshot, inserting each
// reconstructed hash into the keyspace and registering it in the global
// expiration index under its restored minimum. Lazy expiration is
// suppressed for the duration of the load.
func (e *Engine) LoadSnapshot(r io.Reader) error {
	e.SetLoading(true)
	defer e.SetLoading(false)

	return snapshot.ReadAll(r, e.cfg, func(key string, h *hashval.Hash) {
		if e.mem != nil {
			for _, fv := range h.All() {
				e.mem.ReserveForced(fieldByteSize(fv.Name, fv.Value))
			}
		}
		e.ks.Insert(key, h)
		e.syncGlobalLink(h)
	})
}
