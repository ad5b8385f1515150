package bitfield_test

import (
	"bytes"
	"testing"

	"github.com/Luminarys/synapse/internal/bitfield"
)

func TestSetHasClear(t *testing.T) {
	bf := bitfield.New(10)

	if bf.Has(3) {
		t.Error("fresh bitfield should not have piece 3")
	}

	if err := bf.Set(3); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !bf.Has(3) {
		t.Error("piece 3 should be set")
	}

	if err := bf.Clear(3); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if bf.Has(3) {
		t.Error("piece 3 should be cleared")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := bitfield.New(8)

	if err := bf.Set(8); err == nil {
		t.Error("Set past the end should fail")
	}
	if err := bf.Set(-1); err == nil {
		t.Error("Set of a negative index should fail")
	}
	if bf.Has(8) || bf.Has(-1) {
		t.Error("Has out of range should report false")
	}
}

func TestWireLayout(t *testing.T) {
	bf := bitfield.New(10)
	bf.Set(0)
	bf.Set(9)

	// Piece 0 is the high bit of byte 0; piece 9 is bit 6 of byte 1.
	want := []byte{0x80, 0x40}
	if got := bf.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("wire bytes = %x, want %x", got, want)
	}
}

func TestFromBytes(t *testing.T) {
	bf, err := bitfield.FromBytes([]byte{0xA0}, 5)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if !bf.Has(0) || bf.Has(1) || !bf.Has(2) {
		t.Error("decoded bitfield has wrong bits")
	}

	if _, err := bitfield.FromBytes([]byte{0, 0}, 5); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestCountAndComplete(t *testing.T) {
	bf := bitfield.New(9)
	for i := 0; i < 9; i++ {
		if bf.IsComplete() {
			t.Fatalf("bitfield complete after %d of 9 pieces", i)
		}
		bf.Set(i)
		if bf.Count() != i+1 {
			t.Fatalf("Count = %d, want %d", bf.Count(), i+1)
		}
	}
	if !bf.IsComplete() {
		t.Error("bitfield with all pieces set should be complete")
	}
}
