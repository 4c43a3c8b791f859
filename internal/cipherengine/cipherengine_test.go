package cipherengine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dm-crypt-go/dmcrypt/internal/bio"
	"github.com/dm-crypt-go/dmcrypt/internal/dmerr"
)

func TestSyncCBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	enc, err := NewCBC("aes", key)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewCBC("aes", key)
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte{0x42}, 512)
	iv := bytes.Repeat([]byte{0x01}, 16)
	cipherText := make([]byte, 512)
	if err := enc.ConvertSector(cipherText, plain, bio.Write, iv, 0, nil); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cipherText, plain) {
		t.Fatalf("ciphertext equals plaintext")
	}
	roundTrip := make([]byte, 512)
	iv2 := bytes.Repeat([]byte{0x01}, 16)
	if err := dec.ConvertSector(roundTrip, cipherText, bio.Read, iv2, 0, nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestSyncXTSRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32) // xts needs a double-length key
	enc, err := NewXTS("aes", key)
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte{0x77}, 512)
	cipherText := make([]byte, 512)
	if err := enc.ConvertSector(cipherText, plain, bio.Write, nil, 9, nil); err != nil {
		t.Fatal(err)
	}
	roundTrip := make([]byte, 512)
	if err := enc.ConvertSector(roundTrip, cipherText, bio.Read, nil, 9, nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("xts round trip mismatch")
	}

	// A different sector number must produce different ciphertext for the
	// same plaintext (the tweak is the sector number, spec.md §9).
	cipherText2 := make([]byte, 512)
	if err := enc.ConvertSector(cipherText2, plain, bio.Write, nil, 10, nil); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cipherText, cipherText2) {
		t.Fatalf("xts ciphertext did not change across sectors")
	}
}

func TestAsyncEngineRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 32)
	aeEnc, err := NewAsyncCBC("aes", key, 4)
	if err != nil {
		t.Fatal(err)
	}
	aeDec, err := NewAsyncCBC("aes", key, 4)
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte{0x55}, 512)
	iv := bytes.Repeat([]byte{0x09}, 16)
	cipherText := make([]byte, 512)

	barrier := NewWriteBarrier(1)
	if err := aeEnc.ConvertSector(cipherText, plain, bio.Write, iv, 3, barrier); err != nil {
		t.Fatal(err)
	}
	if err := barrier.Await(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	roundTrip := make([]byte, 512)
	barrier2 := NewWriteBarrier(1)
	iv2 := bytes.Repeat([]byte{0x09}, 16)
	if err := aeDec.ConvertSector(roundTrip, cipherText, bio.Read, iv2, 3, barrier2); err != nil {
		t.Fatal(err)
	}
	if err := barrier2.Await(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("async round trip mismatch")
	}
}

func TestAsyncEngineFaultSectorReportsError(t *testing.T) {
	key := bytes.Repeat([]byte{0x44}, 32)
	ae, err := NewAsyncCBC("aes", key, 4)
	if err != nil {
		t.Fatal(err)
	}
	ae.FaultSector = 5
	plain := bytes.Repeat([]byte{0x01}, 512)
	iv := bytes.Repeat([]byte{0x02}, 16)
	dst := make([]byte, 512)

	barrier := NewWriteBarrier(1)
	if err := ae.ConvertSector(dst, plain, bio.Write, iv, 5, barrier); err != nil {
		t.Fatal(err)
	}
	if err := barrier.Await(2 * time.Second); err == nil {
		t.Fatalf("expected the fault-injected sector to report an error")
	}
}

func TestWriteBarrierTimeoutReconciles(t *testing.T) {
	barrier := NewWriteBarrier(2)
	barrier.Complete(nil) // only one of two sectors ever completes
	err := barrier.Await(50 * time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if !errors.Is(err, dmerr.ErrAsyncTimeout) {
		t.Fatalf("expected an ErrAsyncTimeout-wrapped error, got %v", err)
	}
}
