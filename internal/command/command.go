// Package command implements the per-field expiration command surface
// (HEXPIRE/HPEXPIRE/HEXPIREAT/HPEXPIREAT/HTTL/HPTTL/HEXPIRETIME/
// HPEXPIRETIME/HPERSIST) plus the base hash commands, as typed Go
// functions over already-tokenized arguments. Wire-protocol parsing
// belongs to the host server, not here.
package command

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/AutoCookies/hfe-engine/internal/expire"
	"github.com/AutoCookies/hfe-engine/internal/hashval"
)

// Unit distinguishes the seconds- and milliseconds-flavored command
// variants (HEXPIRE vs HPEXPIRE, HTTL vs HPTTL, ...).
type Unit int

const (
	Seconds Unit = iota
	Milliseconds
)

// ErrExpireOverflow is the client-visible domain error for a
// relative/absolute deadline that overflows an int64 millisecond
// timestamp once converted.
var ErrExpireOverflow = errors.New("command: expire time overflows millisecond range")

// ErrFieldsCountMismatch is returned by ParseFieldsTail when the
// declared count doesn't match the number of field tokens that follow.
var ErrFieldsCountMismatch = errors.New("command: FIELDS count does not match the number of field names given")

// ParseFieldsTail consumes the `FIELDS <count> <field...>` tail shared
// by every per-field expiration command from already-split tokens,
// returning the field names.
func ParseFieldsTail(tokens []string) ([][]byte, error) {
	if len(tokens) < 2 || tokens[0] != "FIELDS" {
		return nil, errors.New("command: expected FIELDS <count> <field...>")
	}
	count, err := strconv.Atoi(tokens[1])
	if err != nil || count <= 0 {
		return nil, errors.New("command: FIELDS count must be a positive integer")
	}
	rest := tokens[2:]
	if len(rest) != count {
		return nil, ErrFieldsCountMismatch
	}
	out := make([][]byte, count)
	for i, f := range rest {
		out[i] = []byte(f)
	}
	return out, nil
}

// HSet implements HSET: writes every (field, value) pair, clearing any
// existing TTL on an overwritten field. Returns how many fields were
// newly created.
func HSet(eng *expire.Engine, key string, fields, values [][]byte) (created int, err error) {
	if len(fields) != len(values) {
		return 0, fmt.Errorf("command: HSET got %d fields and %d values", len(fields), len(values))
	}
	for i := range fields {
		if eng.Set(key, fields[i], values[i], false) {
			created++
		}
	}
	return created, nil
}

// HSetNX implements HSETNX.
func HSetNX(eng *expire.Engine, key string, field, value []byte) bool {
	return eng.SetIfAbsent(key, field, value)
}

// HGet implements HGET, applying lazy expiration.
func HGet(eng *expire.Engine, key string, field []byte, nowMs int64) ([]byte, bool) {
	v, res := eng.Get(key, field, nowMs)
	return v, res == expire.Found
}

// HDel implements HDEL over one or more fields, returning how many
// fields actually existed and were removed.
func HDel(eng *expire.Engine, key string, fields [][]byte) int {
	n := 0
	for _, f := range fields {
		if eng.Delete(key, f) {
			n++
		}
	}
	return n
}

// HLen implements HLEN, excluding fields whose TTL has elapsed via a
// dry-run count.
func HLen(eng *expire.Engine, key string, nowMs int64) int {
	return eng.Length(key, nowMs, true)
}

// HExists implements HEXISTS, applying lazy expiration.
func HExists(eng *expire.Engine, key string, field []byte, nowMs int64) bool {
	return eng.Exists(key, field, nowMs)
}

// resolveDeadlineMs converts a command's (amount, unit, absolute)
// triple into an absolute millisecond deadline, the form every
// expiration command is rewritten to before propagation.
func resolveDeadlineMs(amount int64, unit Unit, absolute bool, nowMs int64) (int64, error) {
	ms := amount
	if unit == Seconds {
		const maxSeconds = (1 << 62) / 1000
		if amount > maxSeconds || amount < -maxSeconds {
			return 0, ErrExpireOverflow
		}
		ms = amount * 1000
	}
	if !absolute {
		sum := nowMs + ms
		if (ms > 0 && sum < nowMs) || (ms < 0 && sum > nowMs) {
			return 0, ErrExpireOverflow
		}
		ms = sum
	}
	return ms, nil
}

// ExpireResult mirrors expire.FieldExpiryResult for the command layer's
// public surface.
type ExpireResult = expire.FieldExpiryResult

// expireCommand is the shared implementation behind HEXPIRE, HPEXPIRE,
// HEXPIREAT, and HPEXPIREAT: resolve the absolute deadline, apply it
// through the engine's batched set-expiry protocol, and — if anything
// changed — propagate the command rewritten to its absolute-
// millisecond HPEXPIREAT form, so a replica applies the identical
// deadline regardless of when it receives the command.
func expireCommand(eng *expire.Engine, dbID int, key string, fields [][]byte, amount int64, unit Unit, absolute bool, cond hashval.ExpireCond, nowMs int64, propagate func(argv []string)) ([]ExpireResult, error) {
	deadlineMs, err := resolveDeadlineMs(amount, unit, absolute, nowMs)
	if err != nil {
		return nil, err
	}

	results, anyChanged, _ := eng.SetFieldsExpiry(key, fields, deadlineMs, cond, nowMs)
	if anyChanged && propagate != nil {
		argv := []string{"HPEXPIREAT", key, strconv.FormatInt(deadlineMs, 10)}
		if cond != hashval.ExpireCondNone {
			argv = append(argv, condFlag(cond))
		}
		argv = append(argv, "FIELDS", strconv.Itoa(len(fields)))
		for _, f := range fields {
			argv = append(argv, string(f))
		}
		propagate(argv)
	}
	return results, nil
}

func condFlag(cond hashval.ExpireCond) string {
	switch cond {
	case hashval.ExpireCondNX:
		return "NX"
	case hashval.ExpireCondXX:
		return "XX"
	case hashval.ExpireCondGT:
		return "GT"
	case hashval.ExpireCondLT:
		return "LT"
	default:
		return ""
	}
}

// HExpire implements `HEXPIRE key seconds [NX|XX|GT|LT] FIELDS count field...`.
func HExpire(eng *expire.Engine, dbID int, key string, seconds int64, cond hashval.ExpireCond, fields [][]byte, nowMs int64, propagate func(argv []string)) ([]ExpireResult, error) {
	return expireCommand(eng, dbID, key, fields, seconds, Seconds, false, cond, nowMs, propagate)
}

// HPExpire implements `HPEXPIRE key milliseconds [NX|XX|GT|LT] FIELDS count field...`.
func HPExpire(eng *expire.Engine, dbID int, key string, millis int64, cond hashval.ExpireCond, fields [][]byte, nowMs int64, propagate func(argv []string)) ([]ExpireResult, error) {
	return expireCommand(eng, dbID, key, fields, millis, Milliseconds, false, cond, nowMs, propagate)
}

// HExpireAt implements `HEXPIREAT key unix-time-seconds [NX|XX|GT|LT] FIELDS count field...`.
func HExpireAt(eng *expire.Engine, dbID int, key string, unixSeconds int64, cond hashval.ExpireCond, fields [][]byte, nowMs int64, propagate func(argv []string)) ([]ExpireResult, error) {
	return expireCommand(eng, dbID, key, fields, unixSeconds, Seconds, true, cond, nowMs, propagate)
}

// HPExpireAt implements `HPEXPIREAT key unix-time-milliseconds [NX|XX|GT|LT] FIELDS count field...`.
func HPExpireAt(eng *expire.Engine, dbID int, key string, unixMillis int64, cond hashval.ExpireCond, fields [][]byte, nowMs int64, propagate func(argv []string)) ([]ExpireResult, error) {
	return expireCommand(eng, dbID, key, fields, unixMillis, Milliseconds, true, cond, nowMs, propagate)
}

// ttlQuery implements the shared logic behind HTTL/HPTTL/HEXPIRETIME/
// HPEXPIRETIME: per-field sentinels {NO_FIELD(-2), NO_TTL(-1)} or a
// positive value in the requested unit.
func ttlQuery(eng *expire.Engine, key string, fields [][]byte, nowMs int64, unit Unit, absolute bool) []int64 {
	out := make([]int64, len(fields))
	for i, f := range fields {
		var ms int64
		var code hashval.FieldCode
		if absolute {
			ms, code = eng.ExpireTimeMs(key, f)
		} else {
			ms, code = eng.TTLMs(key, f, nowMs)
		}
		switch code {
		case hashval.CodeNoField:
			out[i] = int64(hashval.CodeNoField)
		case hashval.CodeNoTTL:
			out[i] = int64(hashval.CodeNoTTL)
		default:
			if unit == Seconds {
				out[i] = (ms + 999) / 1000 // round up, matching a TTL command never under-reporting remaining time
			} else {
				out[i] = ms
			}
		}
	}
	return out
}

// HTTL implements `HTTL key FIELDS count field...` (seconds).
func HTTL(eng *expire.Engine, key string, fields [][]byte, nowMs int64) []int64 {
	return ttlQuery(eng, key, fields, nowMs, Seconds, false)
}

// HPTTL implements `HPTTL key FIELDS count field...` (milliseconds).
func HPTTL(eng *expire.Engine, key string, fields [][]byte, nowMs int64) []int64 {
	return ttlQuery(eng, key, fields, nowMs, Milliseconds, false)
}

// HExpireTime implements `HEXPIRETIME key FIELDS count field...`
// (absolute unix seconds).
func HExpireTime(eng *expire.Engine, key string, fields [][]byte, nowMs int64) []int64 {
	return ttlQuery(eng, key, fields, nowMs, Seconds, true)
}

// HPExpireTime implements `HPEXPIRETIME key FIELDS count field...`
// (absolute unix milliseconds).
func HPExpireTime(eng *expire.Engine, key string, fields [][]byte, nowMs int64) []int64 {
	return ttlQuery(eng, key, fields, nowMs, Milliseconds, true)
}

// HPersist implements `HPERSIST key FIELDS count field...`, propagating
// the command verbatim if any field's TTL was actually removed.
func HPersist(eng *expire.Engine, dbID int, key string, fields [][]byte, propagate func(argv []string)) []hashval.FieldCode {
	out := make([]hashval.FieldCode, len(fields))
	anyChanged := false
	for i, f := range fields {
		out[i] = eng.Persist(key, f)
		if out[i] == hashval.CodeOK {
			anyChanged = true
		}
	}
	if anyChanged && propagate != nil {
		argv := []string{"HPERSIST", key, "FIELDS", strconv.Itoa(len(fields))}
		for _, f := range fields {
			argv = append(argv, string(f))
		}
		propagate(argv)
	}
	return out
}
