package field

import (
	"bytes"
	"testing"
)

func TestNewFieldRoundTrip(t *testing.T) {
	f := New([]byte("name"), []byte("value"))
	if !bytes.Equal(f.Name(), []byte("name")) {
		t.Fatalf("unexpected name %q", f.Name())
	}
	if !bytes.Equal(f.Value(), []byte("value")) {
		t.Fatalf("unexpected value %q", f.Value())
	}
	if f.HasMetadata() {
		t.Fatalf("plain field must not reserve a metadata block")
	}
	if _, ok := f.ExpireAtMs(); ok {
		t.Fatalf("plain field must report no TTL")
	}
}

func TestLargeValueCompressionIsTransparent(t *testing.T) {
	// Highly repetitive payload well past compressionMinLen, so snappy
	// actually shrinks it and the magic byte takes the compressed path.
	v := bytes.Repeat([]byte("abcd"), 64)
	f := New([]byte("big"), v)
	if !bytes.Equal(f.Value(), v) {
		t.Fatalf("compressed value did not round-trip")
	}
	if f.ValueLen() != len(v) {
		t.Fatalf("ValueLen must report the decoded length, got %d want %d", f.ValueLen(), len(v))
	}
}

func TestIncompressibleValueStaysRaw(t *testing.T) {
	v := make([]byte, 128)
	for i := range v {
		v[i] = byte(i * 37)
	}
	f := New([]byte("r"), v)
	if !bytes.Equal(f.Value(), v) {
		t.Fatalf("raw value did not round-trip")
	}
}

func TestSetExpireAllocatesMetadataOnce(t *testing.T) {
	f := New([]byte("n"), []byte("v"))
	f.SetExpireAtMs(5000)
	if !f.HasMetadata() {
		t.Fatalf("expected metadata block after first expiry")
	}
	got, ok := f.ExpireAtMs()
	if !ok || got != 5000 {
		t.Fatalf("unexpected expiry %d ok=%v", got, ok)
	}

	f.SetExpireAtMs(0)
	if _, ok := f.ExpireAtMs(); ok {
		t.Fatalf("expiry 0 must mean no TTL")
	}
	if !f.HasMetadata() {
		t.Fatalf("clearing the expiry must not drop the metadata block")
	}
}

func TestNewWithExpiryStartsDetached(t *testing.T) {
	f := NewWithExpiry([]byte("n"), []byte("v"))
	if !f.HasMetadata() {
		t.Fatalf("expected a reserved metadata block")
	}
	if f.Attached() {
		t.Fatalf("fresh field must start detached")
	}
	if _, ok := f.ExpireAtMs(); ok {
		t.Fatalf("fresh field must have no deadline yet")
	}
}

func TestSetValueKeepsMetadata(t *testing.T) {
	f := New([]byte("n"), []byte("v1"))
	f.SetExpireAtMs(9000)
	f.SetValue([]byte("v2"))
	if !bytes.Equal(f.Value(), []byte("v2")) {
		t.Fatalf("unexpected value after SetValue")
	}
	if got, ok := f.ExpireAtMs(); !ok || got != 9000 {
		t.Fatalf("SetValue must leave the deadline untouched, got %d ok=%v", got, ok)
	}
}
