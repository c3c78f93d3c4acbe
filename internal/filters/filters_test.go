package filters_test

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/vafs-project/vafs/internal/filters"
)

func TestZlibRoundTrip(t *testing.T) {
	_, ops := filters.Zlib()
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 100)

	enc, err := ops.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := ops.Decode(enc, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out[:n], payload) {
		t.Fatalf("round trip mismatch: got %d bytes", n)
	}
}

func TestZstdRoundTrip(t *testing.T) {
	_, ops := filters.Zstd(zstd.SpeedDefault)
	payload := bytes.Repeat([]byte("vafs block payload "), 500)

	enc, err := ops.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := ops.Decode(enc, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out[:n], payload) {
		t.Fatalf("round trip mismatch: got %d bytes", n)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	_, ops := filters.Gzip()
	payload := bytes.Repeat([]byte("distri style gzip block "), 300)

	enc, err := ops.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := ops.Decode(enc, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out[:n], payload) {
		t.Fatalf("round trip mismatch: got %d bytes", n)
	}
}

func TestDecodeRejectsOversizedOutput(t *testing.T) {
	_, ops := filters.Zlib()
	payload := bytes.Repeat([]byte("x"), 4096)
	enc, err := ops.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tooSmall := make([]byte, 10)
	if _, err := ops.Decode(enc, tooSmall); err == nil {
		t.Fatal("Decode into undersized buffer: want error, got nil")
	}
}
