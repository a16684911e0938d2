package hashval

import (
	"math"
	"strconv"
)

// IncrBy parses name's current value (or treats a missing field as 0,
// creating it) as a base-10 integer, adds delta, and stores the result
// back as text — mirroring HINCRBY.
func (h *Hash) IncrBy(name []byte, delta int64) (int64, error) {
	f, _ := h.lookup(name)
	var cur int64
	if f != nil {
		v, err := strconv.ParseInt(string(f.Value()), 10, 64)
		if err != nil {
			return 0, ErrNotANumber
		}
		cur = v
	}
	sum := cur + delta
	if (delta > 0 && sum < cur) || (delta < 0 && sum > cur) {
		return 0, ErrOverflow
	}
	h.Set(name, []byte(strconv.FormatInt(sum, 10)), true)
	return sum, nil
}

// IncrByFloat mirrors HINCRBYFLOAT: parses the field as a float64, adds
// delta, and stores the result using Go's shortest round-trip
// formatting.
func (h *Hash) IncrByFloat(name []byte, delta float64) (float64, error) {
	f, _ := h.lookup(name)
	var cur float64
	if f != nil {
		v, err := strconv.ParseFloat(string(f.Value()), 64)
		if err != nil {
			return 0, ErrNotANumber
		}
		cur = v
	}
	sum := cur + delta
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, ErrOverflow
	}
	h.Set(name, []byte(strconv.FormatFloat(sum, 'f', -1, 64)), true)
	return sum, nil
}
