// Package compress implements the compression engines available to the
// storage tank (storage/tank), matching the flag-driven dispatch in
// original_source/src/providers/storage/tank.c: exactly one of the
// three engines may be set on a stored object's flags.
package compress

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"errors"
	"io"
)

// Engine identifies which compression algorithm was applied to a
// stored object, mirroring the TANK_COMPRESS_* flag bits.
type Engine uint8

const (
	None Engine = iota
	ZLIB
	BZIP2
	LZO
)

var ErrLZOUnavailable = errors.New("compress: LZO is not implemented (no LZO library found in the reference corpus; objects flagged LZO cannot be read in this build)")

// Compress applies the named engine to data, returning the compressed
// bytes. None returns data unchanged.
func Compress(e Engine, data []byte) ([]byte, error) {
	switch e {
	case None:
		return data, nil
	case ZLIB:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case BZIP2:
		// compress/bzip2 is decompress-only in the standard library.
		// Objects are written through ZLIB instead; BZIP2 is kept as a
		// read path for objects produced by another Magma installation.
		return nil, errors.New("compress: bzip2 compression is not supported, only decompression (stdlib compress/bzip2 has no writer)")
	case LZO:
		return nil, ErrLZOUnavailable
	default:
		return nil, errors.New("compress: unknown engine")
	}
}

// Decompress reverses Compress.
func Decompress(e Engine, data []byte) ([]byte, error) {
	switch e {
	case None:
		return data, nil
	case ZLIB:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case BZIP2:
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
	case LZO:
		return nil, ErrLZOUnavailable
	default:
		return nil, errors.New("compress: unknown engine")
	}
}
