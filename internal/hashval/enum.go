package hashval

import (
	"math/rand"

	"github.com/AutoCookies/hfe-engine/internal/field"
)

// All returns a snapshot of every field, expired or not — skipping
// stale entries is a policy layered on top by the engine, not a
// property of the storage itself.
func (h *Hash) All() []FieldView {
	out := make([]FieldView, 0, h.Len())
	h.forEach(func(f *field.Field) {
		out = append(out, viewOf(f))
	})
	return out
}

// Keys returns every field name, expired or not.
func (h *Hash) Keys() [][]byte {
	out := make([][]byte, 0, h.Len())
	h.forEach(func(f *field.Field) {
		out = append(out, cloneName(f.Name()))
	})
	return out
}

func (h *Hash) forEach(fn func(f *field.Field)) {
	switch h.encoding {
	case Listpack:
		for _, f := range h.lp {
			fn(f)
		}
	case ListpackEx:
		for _, f := range h.lpex {
			fn(f)
		}
	default:
		for _, f := range h.table {
			fn(f)
		}
	}
}

func viewOf(f *field.Field) FieldView {
	t, ok := f.ExpireAtMs()
	return FieldView{Name: cloneName(f.Name()), Value: f.Value(), ExpireAtMs: t, HasTTL: ok}
}

// RandomField returns one uniformly chosen field. It samples from the
// hash as stored and does not skip expired fields, matching
// HRANDFIELD.
func (h *Hash) RandomField() (FieldView, bool) {
	n := h.Len()
	if n == 0 {
		return FieldView{}, false
	}
	pick := rand.Intn(n)
	var result FieldView
	i := 0
	h.forEach(func(f *field.Field) {
		if i == pick {
			result = viewOf(f)
		}
		i++
	})
	return result, true
}

// RandomFields returns up to count distinct fields chosen without
// replacement (count < 0 requests count*-1 draws with replacement,
// matching HRANDFIELD's negative-count convention).
func (h *Hash) RandomFields(count int) []FieldView {
	all := h.All()
	if len(all) == 0 {
		return nil
	}
	if count < 0 {
		draws := -count
		out := make([]FieldView, draws)
		for i := range out {
			out[i] = all[rand.Intn(len(all))]
		}
		return out
	}
	if count > len(all) {
		count = len(all)
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:count]
}

// Duplicate deep-copies the hash, preserving every field's value and
// TTL (the COPY operation). The new Hash is not yet linked into any
// global index — the caller must register it under MinExpire() itself.
func (h *Hash) Duplicate(newKey string) *Hash {
	out := New(newKey, h.cfg)
	h.forEach(func(f *field.Field) {
		if t, ok := f.ExpireAtMs(); ok {
			out.insertPlain(f.Name(), f.Value())
			nf, _ := out.lookup(f.Name())
			out.applyFieldExpiry(nf, t)
		} else {
			out.insertPlain(f.Name(), f.Value())
		}
	})
	return out
}

// ScanPage returns a simple offset-based page of fields and the cursor
// to resume from. It never lazily expires what it visits, so a cursor
// stays valid across an active-expire cycle running between pages; it
// materializes a stable ordering via All() rather than iterating the
// live HT map directly, since Go map iteration order is not stable
// across calls.
func (h *Hash) ScanPage(cursor uint64, count int) ([]FieldView, uint64) {
	all := h.All()
	start := int(cursor)
	if start >= len(all) {
		return nil, 0
	}
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := uint64(end)
	if end >= len(all) {
		next = 0
	}
	return page, next
}
