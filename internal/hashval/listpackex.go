package hashval

import (
	"bytes"
	"math"
	"sort"

	"github.com/AutoCookies/hfe-engine/internal/field"
)

// sortKey orders inline triples ascending by deadline, with no-TTL
// fields pinned to the end so a prefix scan over expired entries can
// stop as soon as it reaches them.
func sortKey(f *field.Field) int64 {
	if t, ok := f.ExpireAtMs(); ok {
		return t
	}
	return math.MaxInt64
}

func lpexFind(fields []*field.Field, name []byte) (*field.Field, int) {
	idx := lpexIndex(fields, name)
	if idx < 0 {
		return nil, -1
	}
	return fields[idx], idx
}

// lpexIndex is a linear scan by name; LISTPACK_EX is ordered by
// deadline, not by name, so lookup can't binary search on name.
func lpexIndex(fields []*field.Field, name []byte) int {
	for i, f := range fields {
		if bytes.Equal(f.Name(), name) {
			return i
		}
	}
	return -1
}

func sortFields(fields []*field.Field) []*field.Field {
	sort.SliceStable(fields, func(i, j int) bool {
		return sortKey(fields[i]) < sortKey(fields[j])
	})
	return fields
}

func insertSorted(fields []*field.Field, f *field.Field) []*field.Field {
	key := sortKey(f)
	pos := sort.Search(len(fields), func(i int) bool {
		return sortKey(fields[i]) >= key
	})
	fields = append(fields, nil)
	copy(fields[pos+1:], fields[pos:])
	fields[pos] = f
	return fields
}

func removeField(fields []*field.Field, f *field.Field) []*field.Field {
	for i, cand := range fields {
		if cand == f {
			return append(fields[:i], fields[i+1:]...)
		}
	}
	return fields
}

// resortAfterKeyChange relocates f after its expiry changed. LISTPACK_EX
// hashes are small by construction, so a remove+reinsert is cheap
// compared to the bookkeeping a splice-in-place would need.
func resortAfterKeyChange(fields []*field.Field, f *field.Field) []*field.Field {
	fields = removeField(fields, f)
	return insertSorted(fields, f)
}

// lpexExpireDryRun counts the leading entries (ascending deadline) whose
// expiry is <= now, stopping at the first no-TTL or future entry.
func lpexExpireDryRun(fields []*field.Field, now int64) int {
	n := 0
	for _, f := range fields {
		t, ok := f.ExpireAtMs()
		if !ok || t > now {
			break
		}
		n++
	}
	return n
}
