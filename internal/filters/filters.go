// Package filters supplies concrete vimage.FilterOps implementations. The
// core engine (internal/vimage) never references a compression algorithm
// by name; callers pick one of these and register it at create/open time.
package filters

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/vafs-project/vafs/internal/vimage"
)

// Filter family identifiers, persisted in the image's Filter feature
// record. 0 (vimage.FilterNone) is reserved by the core for "no filter".
const (
	FamilyZlib  vimage.FilterFamily = 1
	FamilyZstd  vimage.FilterFamily = 2
	FamilyGzip  vimage.FilterFamily = 3
)

// Zlib returns a filter pair backed by compress/flate at BestSpeed,
// generalizing the teacher's internal/squashfs block-compression approach
// (a single fixed zlib codec) into a reusable vimage.FilterOps value.
func Zlib() (vimage.FilterFamily, vimage.FilterOps) {
	return FamilyZlib, vimage.FilterOps{
		Encode: func(decoded []byte) ([]byte, error) {
			var buf bytes.Buffer
			w, err := flate.NewWriter(&buf, flate.BestSpeed)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(decoded); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decode: func(encoded []byte, out []byte) (int, error) {
			r := flate.NewReader(bytes.NewReader(encoded))
			defer r.Close()
			return readInto(r, out)
		},
	}
}

// Zstd returns a filter pair backed by github.com/klauspost/compress/zstd
// at the given encoder level (e.g. zstd.SpeedDefault).
func Zstd(level zstd.EncoderLevel) (vimage.FilterFamily, vimage.FilterOps) {
	return FamilyZstd, vimage.FilterOps{
		Encode: func(decoded []byte) ([]byte, error) {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
			if err != nil {
				return nil, err
			}
			defer enc.Close()
			return enc.EncodeAll(decoded, nil), nil
		},
		Decode: func(encoded []byte, out []byte) (int, error) {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return 0, err
			}
			defer dec.Close()
			decoded, err := dec.DecodeAll(encoded, make([]byte, 0, len(out)))
			if err != nil {
				return 0, err
			}
			if len(decoded) > len(out) {
				return 0, xerrors.New("zstd: decoded block exceeds block size")
			}
			return copy(out, decoded), nil
		},
	}
}

// Gzip returns a filter pair backed by github.com/klauspost/pgzip, a
// drop-in gzip implementation whose Reader parallelizes decompression
// across members -- offered as a third compression option alongside
// Zlib and Zstd for the archiver's --compression flag.
func Gzip() (vimage.FilterFamily, vimage.FilterOps) {
	return FamilyGzip, vimage.FilterOps{
		Encode: func(decoded []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := pgzip.NewWriter(&buf)
			if _, err := w.Write(decoded); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decode: func(encoded []byte, out []byte) (int, error) {
			r, err := pgzip.NewReader(bytes.NewReader(encoded))
			if err != nil {
				return 0, err
			}
			defer r.Close()
			return readInto(r, out)
		},
	}
}

// readInto reads r to completion into out, failing if the decoded content
// would overflow out (i.e. exceed block_size, per spec.md §4.7 "must
// never write beyond output_cap").
func readInto(r io.Reader, out []byte) (int, error) {
	n := 0
	for {
		if n == len(out) {
			// Confirm there truly is no more data before declaring overflow.
			var probe [1]byte
			if pn, _ := r.Read(probe[:]); pn > 0 {
				return 0, xerrors.New("decoded block exceeds block size")
			}
			return n, nil
		}
		m, err := r.Read(out[n:])
		n += m
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
