package expire

import (
	"testing"

	"github.com/AutoCookies/hfe-engine/internal/hashval"
	"github.com/AutoCookies/hfe-engine/internal/keyspace"
	"github.com/AutoCookies/hfe-engine/internal/memguard"
	"github.com/AutoCookies/hfe-engine/internal/propagation"
)

type recordingLog struct {
	events []propagation.Event
}

func (r *recordingLog) Append(e propagation.Event) error {
	r.events = append(r.events, e)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *recordingLog) {
	t.Helper()
	ks := keyspace.New(4, hashval.DefaultConfig())
	rlog := &recordingLog{}
	sink := propagation.New(rlog, nil)
	eng := New(ks, sink, hashval.DefaultConfig(), 256, 0)
	return eng, rlog
}

// Basic expire + lazy get: setting a deadline, reading before and
// after it, and the single propagated deletion.
func TestBasicExpireAndLazyGet(t *testing.T) {
	eng, rlog := newTestEngine(t)
	eng.Set("k", []byte("f1"), []byte("v1"), false)

	results, changed, _ := eng.SetFieldsExpiry("k", [][]byte{[]byte("f1")}, 1500, hashval.ExpireCondNone, 1000)
	if !changed || results[0].Code != hashval.CodeOK {
		t.Fatalf("expected OK setting expiry, got %+v changed=%v", results, changed)
	}

	if v, res := eng.Get("k", []byte("f1"), 1499); res != Found || string(v) != "v1" {
		t.Fatalf("expected field still present at now=1499, got %v %s", res, v)
	}

	if _, res := eng.Get("k", []byte("f1"), 1500); res != ExpiredHash {
		t.Fatalf("expected ExpiredHash at now=1500 (last field gone empties hash), got %v", res)
	}

	if eng.Exists("k", []byte("f1"), 1500) {
		t.Fatalf("expected field gone after lazy expiry")
	}

	if len(rlog.events) != 2 {
		t.Fatalf("expected exactly one HDEL + one DEL propagated, got %d: %+v", len(rlog.events), rlog.events)
	}
	if rlog.events[0].Argv[0] != "HDEL" {
		t.Fatalf("expected first propagated event to be HDEL, got %v", rlog.events[0].Argv)
	}
}

// Inline-encoding ordering and the global index key. The minimum drops
// from 9000 to 2000, a shift past the 4000ms republish threshold, so
// the global entry must move.
func TestListpackExOrderingAndGlobalMin(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("a"), []byte("1"), false)
	eng.Set("k", []byte("b"), []byte("2"), false)
	eng.Set("k", []byte("c"), []byte("3"), false)

	eng.SetFieldsExpiry("k", [][]byte{[]byte("b")}, 9000, hashval.ExpireCondNone, 1000)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("c")}, 2000, hashval.ExpireCondNone, 1000)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("a")}, 12000, hashval.ExpireCondNone, 1000)

	next, ok := eng.NextGlobalExpireTime()
	if !ok {
		t.Fatalf("expected the hash linked in the global index")
	}
	// bucket-quantized; with a 256ms bucket precision the lower bound
	// for 2000 is 1792, still the earliest of the three deadlines'
	// buckets.
	if next > 2000 {
		t.Fatalf("expected global bucket lower bound <= 2000, got %d", next)
	}

	// The inline buffer keeps triples sorted ascending by deadline:
	// (c,2000), (b,9000), (a,12000).
	page, _ := eng.ScanPage("k", 0, 10)
	wantOrder := []string{"c", "b", "a"}
	if len(page) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(page))
	}
	for i, want := range wantOrder {
		if string(page[i].Name) != want {
			t.Fatalf("triple %d = %s, want %s (full page %+v)", i, page[i].Name, want, page)
		}
	}
}

// A small shift in the minimum (below max(4000ms, quantum)) must not
// churn the global index; the active expirer absorbs the drift.
func TestDiffThresholdSkipsSmallRepublish(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("f"), []byte("v"), false)

	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 10000, hashval.ExpireCondNone, 1000)
	before, ok := eng.NextGlobalExpireTime()
	if !ok {
		t.Fatalf("expected hash linked after first expiry")
	}

	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 9000, hashval.ExpireCondNone, 1000)
	after, ok := eng.NextGlobalExpireTime()
	if !ok || after != before {
		t.Fatalf("expected global entry untouched for a 1000ms shift, got %d -> %d", before, after)
	}

	// A shift past the threshold does move the entry.
	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 4500, hashval.ExpireCondNone, 1000)
	moved, ok := eng.NextGlobalExpireTime()
	if !ok || moved >= before {
		t.Fatalf("expected global entry republished below %d, got %d", before, moved)
	}
}

// Conditional expire: GT/LT against a finite TTL.
func TestConditionalExpireGTLT(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("f"), []byte("v"), false)

	res, _, _ := eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 2000, hashval.ExpireCondNone, 1000)
	if res[0].Code != hashval.CodeOK {
		t.Fatalf("expected OK, got %v", res[0].Code)
	}

	res, _, _ = eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 1500, hashval.ExpireCondGT, 1000)
	if res[0].Code != hashval.CodeNoConditionMet {
		t.Fatalf("expected GT to 1500 < 2000 to fail, got %v", res[0].Code)
	}

	res, _, _ = eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 1500, hashval.ExpireCondLT, 1000)
	if res[0].Code != hashval.CodeOK {
		t.Fatalf("expected LT to 1500 < 2000 to succeed, got %v", res[0].Code)
	}

	ttl, code := eng.TTLMs("k", []byte("f"), 1000)
	if code != hashval.CodeOK || ttl < 0 || ttl > 500 {
		t.Fatalf("expected ttl in [0,500], got %d code=%v", ttl, code)
	}
}

// A hash emptied by expiration is removed from the keyspace, and both
// the field- and key-level deletions are propagated.
func TestPastDeadlineExpiryRemovesEmptyHash(t *testing.T) {
	eng, rlog := newTestEngine(t)
	eng.Set("k", []byte("only"), []byte("v"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("only")}, 500, hashval.ExpireCondNone, 1000)

	// expireAtMs(500) <= nowMs(1000) during SetFieldsExpiry itself
	// deletes the field immediately and reports DELETED.
	if _, ok := eng.ks.Lookup("k"); ok {
		t.Fatalf("expected hash already gone after immediate-past expiry set")
	}
	foundHDEL, foundDEL := false, false
	for _, e := range rlog.events {
		if e.Argv[0] == "HDEL" {
			foundHDEL = true
		}
		if e.Argv[0] == "DEL" {
			foundDEL = true
		}
	}
	if !foundHDEL || !foundDEL {
		t.Fatalf("expected both HDEL and DEL propagated, got %+v", rlog.events)
	}
}

func TestActiveExpireCycleBudget(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("a"), []byte("1"), false)
	eng.Set("k", []byte("b"), []byte("2"), false)
	eng.Set("k", []byte("c"), []byte("3"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("a")}, 1100, hashval.ExpireCondNone, 1000)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("b")}, 1200, hashval.ExpireCondNone, 1000)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("c")}, 1300, hashval.ExpireCondNone, 1000)

	expired := eng.ActiveExpireCycle(2000, 2)
	if expired != 2 {
		t.Fatalf("expected active-expire to stop at budget 2, got %d", expired)
	}
	if eng.Length("k", 2000, false) != 1 {
		t.Fatalf("expected one field left after budgeted active expire")
	}

	expired = eng.ActiveExpireCycle(2000, 10)
	if expired != 1 {
		t.Fatalf("expected the remaining field to expire on the next cycle, got %d", expired)
	}
	if _, ok := eng.ks.Lookup("k"); ok {
		t.Fatalf("expected hash removed once all fields expired")
	}
}

// Value-length overflow upgrades the encoding to HT, and a later
// expire still registers the hash in the global index.
func TestEncodingUpgradeThenExpireRegistersGlobal(t *testing.T) {
	cfg := &hashval.Config{MaxListpackEntries: 128, MaxListpackValue: 8}
	ks := keyspace.New(4, cfg)
	eng := New(ks, propagation.New(&recordingLog{}, nil), cfg, 256, 0)

	eng.Set("k", []byte("f"), []byte("12345678"), false)
	h, _ := ks.Lookup("k")
	if h.Encoding() != hashval.Listpack {
		t.Fatalf("8-byte value must stay listpack, got %s", h.Encoding())
	}

	eng.Set("k", []byte("f2"), []byte("123456789"), false)
	if h.Encoding() != hashval.HT {
		t.Fatalf("9-byte value must trigger upgrade to HT, got %s", h.Encoding())
	}

	res, _, _ := eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 61000, hashval.ExpireCondNone, 1000)
	if res[0].Code != hashval.CodeOK {
		t.Fatalf("expected expiry OK on HT hash, got %v", res[0].Code)
	}
	if eng.GlobalLinkedCount() != 1 {
		t.Fatalf("expected hash registered in the global index")
	}
}

func TestPersistRemovesExpiry(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 5000, hashval.ExpireCondNone, 1000)

	if code := eng.Persist("k", []byte("f")); code != hashval.CodeOK {
		t.Fatalf("expected persist OK, got %v", code)
	}
	if _, code := eng.TTLMs("k", []byte("f"), 1000); code != hashval.CodeNoTTL {
		t.Fatalf("expected NO_TTL after persist, got %v", code)
	}
	if eng.GlobalLinkedCount() != 0 {
		t.Fatalf("expected hash unlinked from global index after its only TTL was persisted")
	}
}

func TestMemoryGuardRejectsOverBudgetSetAndReclaimsOnDelete(t *testing.T) {
	eng, _ := newTestEngine(t)
	guard := memguard.New(4, nil) // room for exactly one "f1"+"v1" pair
	eng.SetMemoryGuard(guard)

	if !eng.Set("k", []byte("f1"), []byte("v1"), false) {
		t.Fatalf("expected first field to fit the budget")
	}
	if eng.Set("k", []byte("f2"), []byte("v2"), false) {
		t.Fatalf("expected second field to be rejected over budget")
	}
	if eng.Delete("k", []byte("f1")); guard.Used() != 0 {
		t.Fatalf("expected budget fully released after delete, used=%d", guard.Used())
	}
	if !eng.Set("k", []byte("f2"), []byte("v2"), false) {
		t.Fatalf("expected room for f2 after f1 was released")
	}
}

func TestMemoryGuardReleasedOnExpiry(t *testing.T) {
	eng, _ := newTestEngine(t)
	guard := memguard.New(4, nil)
	eng.SetMemoryGuard(guard)

	eng.Set("k", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 1500, hashval.ExpireCondNone, 1000)
	if guard.Used() == 0 {
		t.Fatalf("expected budget reserved while field is live")
	}

	eng.Get("k", []byte("f"), 1500) // lazy-expires the only field, empties the hash
	if guard.Used() != 0 {
		t.Fatalf("expected budget released after lazy expiry, used=%d", guard.Used())
	}
}

// Engine-initiated deletions are bracketed as one execution unit, so
// they coalesce with a surrounding batch instead of flushing one event
// at a time.
func TestEngineDeletionsCoalesceWithSurroundingUnit(t *testing.T) {
	ks := keyspace.New(4, hashval.DefaultConfig())
	rlog := &recordingLog{}
	sink := propagation.New(rlog, nil)
	eng := New(ks, sink, hashval.DefaultConfig(), 256, 0)

	eng.Set("k", []byte("a"), []byte("1"), false)
	eng.Set("k", []byte("b"), []byte("2"), false)

	sink.EnterExecutionUnit()
	results, _, keyDeleted := eng.SetFieldsExpiry("k", [][]byte{[]byte("a"), []byte("b")}, 500, hashval.ExpireCondNone, 1000)
	if results[0].Code != hashval.CodeDeleted || results[1].Code != hashval.CodeDeleted || !keyDeleted {
		t.Fatalf("expected both fields deleted and the hash dropped, got %+v keyDeleted=%v", results, keyDeleted)
	}
	if len(rlog.events) != 0 {
		t.Fatalf("expected deletions buffered inside the surrounding unit, got %d flushed", len(rlog.events))
	}
	sink.ExitExecutionUnit()

	if len(rlog.events) != 3 {
		t.Fatalf("expected HDEL a, HDEL b, DEL k flushed together, got %+v", rlog.events)
	}
	want := []string{"HDEL", "HDEL", "DEL"}
	for i, cmd := range want {
		if rlog.events[i].Argv[0] != cmd {
			t.Fatalf("event %d = %v, want %s", i, rlog.events[i].Argv, cmd)
		}
	}
}

func TestOverwriteWithoutKeepTTLUnlinksFromGlobalIndex(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("k", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 9000, hashval.ExpireCondNone, 1000)
	if eng.GlobalLinkedCount() != 1 {
		t.Fatalf("expected hash linked after expiry set")
	}

	eng.Set("k", []byte("f"), []byte("v2"), false)
	if eng.GlobalLinkedCount() != 0 {
		t.Fatalf("overwriting the only TTL'd field without keepTTL must unlink the hash")
	}

	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 9000, hashval.ExpireCondNone, 1000)
	eng.Set("k", []byte("f"), []byte("v3"), true)
	if eng.GlobalLinkedCount() != 1 {
		t.Fatalf("keepTTL overwrite must leave the hash linked")
	}
}

func TestDuplicateRegistersCopyAndUnlinksDisplacedTarget(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Set("src", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("src", [][]byte{[]byte("f")}, 9000, hashval.ExpireCondNone, 1000)

	eng.Set("dst", []byte("g"), []byte("w"), false)
	eng.SetFieldsExpiry("dst", [][]byte{[]byte("g")}, 7000, hashval.ExpireCondNone, 1000)
	if eng.GlobalLinkedCount() != 2 {
		t.Fatalf("expected both hashes linked, got %d", eng.GlobalLinkedCount())
	}

	if !eng.Duplicate("src", "dst") {
		t.Fatalf("expected duplicate to succeed")
	}
	// The displaced dst hash must be unlinked; the copy takes its place.
	if eng.GlobalLinkedCount() != 2 {
		t.Fatalf("expected src + copy linked, got %d", eng.GlobalLinkedCount())
	}
	ttl, code := eng.TTLMs("dst", []byte("f"), 1000)
	if code != hashval.CodeOK || ttl != 8000 {
		t.Fatalf("expected copied field with its TTL, got %d code=%v", ttl, code)
	}
	if _, code := eng.TTLMs("dst", []byte("g"), 1000); code != hashval.CodeNoField {
		t.Fatalf("expected displaced field gone, got %v", code)
	}
}

func TestRenamePreservesGlobalLinkAndKeyString(t *testing.T) {
	eng, rlog := newTestEngine(t)
	eng.Set("old", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("old", [][]byte{[]byte("f")}, 1500, hashval.ExpireCondNone, 1000)

	if !eng.RenameTo("old", "new") {
		t.Fatalf("expected rename to succeed")
	}
	rlog.events = nil

	// The hash's borrowed key string was updated, so the active expirer
	// propagates deletions under the new name.
	eng.ActiveExpireCycle(2000, 10)
	found := false
	for _, e := range rlog.events {
		if e.Argv[0] == "HDEL" && e.Argv[1] == "new" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected HDEL propagated under the renamed key, got %+v", rlog.events)
	}
}

func TestLazyExpirationSuppressedDuringReplicaStream(t *testing.T) {
	eng, rlog := newTestEngine(t)
	eng.Set("k", []byte("f"), []byte("v"), false)
	eng.SetFieldsExpiry("k", [][]byte{[]byte("f")}, 1500, hashval.ExpireCondNone, 1000)
	rlog.events = nil

	eng.SetFromReplica(true)
	if _, res := eng.Get("k", []byte("f"), 9000); res != Found {
		t.Fatalf("expected expired field to remain readable while fromReplica is set, got %v", res)
	}
	if len(rlog.events) != 0 {
		t.Fatalf("expected no propagation while lazy expiration is suppressed")
	}
	eng.SetFromReplica(false)

	if _, res := eng.Get("k", []byte("f"), 9000); res != ExpiredHash {
		t.Fatalf("expected lazy expiration to resume once fromReplica is cleared, got %v", res)
	}
}
