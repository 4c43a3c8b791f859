package bio

import (
	"bytes"
	"testing"
)

func TestNewSplitsIntoPages(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 3*512)
	b := New(data, 7, Write, 512)
	if len(b.Segments) != 3 {
		t.Fatalf("want 3 segments, got %d", len(b.Segments))
	}
	if b.Sector != 7 {
		t.Fatalf("sector not preserved: got %d", b.Sector)
	}
	if b.Len() != len(data) {
		t.Fatalf("Len() = %d, want %d", b.Len(), len(data))
	}
}

func TestFlattenRoundTrips(t *testing.T) {
	data := []byte("0123456789abcdef")
	b := New(data, 0, Read, 8)
	out, err := b.Flatten()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("Flatten() = %q, want %q", out, data)
	}
}

func TestFlattenEmptyErrors(t *testing.T) {
	b := &Bio{}
	if _, err := b.Flatten(); err != ErrEmpty {
		t.Fatalf("want ErrEmpty, got %v", err)
	}
}

func TestShareCloneSharesPages(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 512)
	b := New(data, 5, Read, 512)
	clone := b.ShareClone(100)
	if clone.Sector != 100 {
		t.Fatalf("clone sector = %d, want 100", clone.Sector)
	}
	clone.Segments[0].Page[0] = 0xFF
	if b.Segments[0].Page[0] != 0xFF {
		t.Fatalf("clone does not share the original's backing page")
	}
}

func TestDirectionString(t *testing.T) {
	if Read.String() != "read" || Write.String() != "write" {
		t.Fatalf("unexpected Direction.String() values")
	}
}
