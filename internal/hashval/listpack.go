package hashval

import (
	"bytes"

	"github.com/AutoCookies/hfe-engine/internal/field"
)

// lpFind and lpIndex do a linear scan — the inline encoding is only
// ever used while the hash is small enough for that to be cheap.
func lpFind(fields []*field.Field, name []byte) (*field.Field, int) {
	idx := lpIndex(fields, name)
	if idx < 0 {
		return nil, -1
	}
	return fields[idx], idx
}

func lpIndex(fields []*field.Field, name []byte) int {
	for i, f := range fields {
		if bytes.Equal(f.Name(), name) {
			return i
		}
	}
	return -1
}
