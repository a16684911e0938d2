package hashval

import (
	"github.com/AutoCookies/hfe-engine/internal/ebuckets"
	"github.com/AutoCookies/hfe-engine/internal/field"
)

// SetFieldExpiry sets or clears name's deadline, gated by cond, and
// reports the per-field result code. expireAtMs <= nowMs deletes the
// field immediately rather than scheduling it — matching HEXPIRE's
// "expiry already in the past" behavior.
func (h *Hash) SetFieldExpiry(name []byte, expireAtMs int64, cond ExpireCond, nowMs int64) FieldCode {
	f, _ := h.lookup(name)
	if f == nil {
		return CodeNoField
	}
	curT, hasTTL := f.ExpireAtMs()
	if !condAllows(cond, hasTTL, curT, expireAtMs) {
		return CodeNoConditionMet
	}
	if expireAtMs <= nowMs {
		h.Delete(name)
		return CodeDeleted
	}
	h.applyFieldExpiry(f, expireAtMs)
	return CodeOK
}

func condAllows(cond ExpireCond, hasTTL bool, curT, newT int64) bool {
	switch cond {
	case ExpireCondNX:
		return !hasTTL
	case ExpireCondXX:
		return hasTTL
	case ExpireCondGT:
		// A field with no TTL is treated as an infinite deadline, so GT
		// against it never succeeds.
		return hasTTL && newT > curT
	case ExpireCondLT:
		return !hasTTL || newT < curT
	default:
		return true
	}
}

func (h *Hash) applyFieldExpiry(f *field.Field, t int64) {
	if h.encoding == Listpack {
		h.convertToListpackEx()
	}
	f.SetExpireAtMs(t)
	switch h.encoding {
	case ListpackEx:
		h.lpex = resortAfterKeyChange(h.lpex, f)
		h.maybeUpgrade()
	case HT:
		if h.hfe != nil {
			h.hfe.Add(f, t)
		}
	}
}

// Persist removes name's TTL, turning it back into a permanent field.
func (h *Hash) Persist(name []byte) FieldCode {
	f, _ := h.lookup(name)
	if f == nil {
		return CodeNoField
	}
	if _, ok := f.ExpireAtMs(); !ok {
		return CodeNoTTL
	}
	h.clearFieldExpiry(f)
	return CodeOK
}

// TTLMs reports the remaining milliseconds until name expires.
func (h *Hash) TTLMs(name []byte, nowMs int64) (int64, FieldCode) {
	f, _ := h.lookup(name)
	if f == nil {
		return 0, CodeNoField
	}
	t, ok := f.ExpireAtMs()
	if !ok {
		return 0, CodeNoTTL
	}
	remain := t - nowMs
	if remain < 0 {
		remain = 0
	}
	return remain, CodeOK
}

// ExpireTimeMs reports name's absolute deadline.
func (h *Hash) ExpireTimeMs(name []byte) (int64, FieldCode) {
	f, _ := h.lookup(name)
	if f == nil {
		return 0, CodeNoField
	}
	t, ok := f.ExpireAtMs()
	if !ok {
		return 0, CodeNoTTL
	}
	return t, CodeOK
}

// MinExpire returns the hash's earliest field deadline, if it has any
// field carrying a TTL. In the HT encoding the value is the lower bound
// of the private index's earliest bucket, which can precede the
// earliest deadline by up to one bucket width. The caller (the collaborator owning the
// process-wide global index) uses this to keep the hash correctly
// linked or unlinked there.
func (h *Hash) MinExpire() (int64, bool) {
	switch h.encoding {
	case Listpack:
		return 0, false
	case ListpackEx:
		if len(h.lpex) == 0 {
			return 0, false
		}
		return h.lpex[0].ExpireAtMs()
	default:
		if h.hfe == nil {
			return 0, false
		}
		return h.hfe.NextExpireTime()
	}
}

// ExpireDryRun counts fields whose deadline is <= now, without mutating
// the hash.
func (h *Hash) ExpireDryRun(now int64) int {
	switch h.encoding {
	case Listpack:
		return 0
	case ListpackEx:
		return lpexExpireDryRun(h.lpex, now)
	default:
		// The private index only bounds deadlines per bucket, so each
		// field's own deadline is checked.
		n := 0
		for _, f := range h.table {
			if t, ok := f.ExpireAtMs(); ok && t <= now {
				n++
			}
		}
		return n
	}
}

// ExpireBudget removes up to maxFields fields whose deadline is <= now,
// invoking onExpire once per removed (name, value) pair. The active
// expiration cycle uses this both to emit deletion-propagation events
// and to release the removed bytes from a memory guard.
func (h *Hash) ExpireBudget(now int64, maxFields int, onExpire func(name, value []byte)) (expired int, nextExpireMs int64, hasNext bool) {
	switch h.encoding {
	case Listpack:
		return 0, 0, false
	case ListpackEx:
		for expired < maxFields && len(h.lpex) > 0 {
			f := h.lpex[0]
			t, ok := f.ExpireAtMs()
			if !ok || t > now {
				break
			}
			name := cloneName(f.Name())
			value := f.Value()
			h.lpex = h.lpex[1:]
			expired++
			if onExpire != nil {
				onExpire(name, value)
			}
		}
		if len(h.lpex) > 0 {
			if t, ok := h.lpex[0].ExpireAtMs(); ok {
				return expired, t, true
			}
		}
		return expired, 0, false
	default:
		if h.hfe == nil {
			return 0, 0, false
		}
		_, next, ok := h.hfe.Expire(now, maxFields, func(item ebuckets.Item) (ebuckets.Action, int64) {
			f := item.(*field.Field)
			// A due bucket can still hold fields whose own deadline is
			// later than now; those are relinked, not removed.
			if t, hasTTL := f.ExpireAtMs(); hasTTL && t > now {
				return ebuckets.ActionUpdateKey, t
			}
			name := cloneName(f.Name())
			value := f.Value()
			delete(h.table, f.NameString())
			expired++
			if onExpire != nil {
				onExpire(name, value)
			}
			return ebuckets.ActionRemove, 0
		})
		return expired, next, ok
	}
}

func cloneName(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
