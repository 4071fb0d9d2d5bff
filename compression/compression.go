// Package compression provides the per-blob codecs used before
// encryption. Compression is applied opportunistically: callers hand in
// a destination buffer bounding the acceptable output size (normally
// len(src)), and a codec that cannot beat that bound reports
// ErrBufferTooSmall so the blob is stored uncompressed instead.
package compression

import (
	"errors"
	"fmt"
)

type Codex uint8
type Level uint8

const (
	CodexNone Codex = iota
	CodexZstd
	CodexLZ4
	CodexS2
)

const (
	CompressionDefault Level = iota
	CompressionSpeed
	CompressionBest
)

// ErrBufferTooSmall is returned when the destination buffer cannot hold
// the output. On the compress path this doubles as the "not worth it"
// signal: the caller sizes dst to the maximum gain it will accept.
var ErrBufferTooSmall = errors.New("destination buffer too small")

// IsBufferTooSmall reports whether err is a capacity/heuristic failure.
func IsBufferTooSmall(err error) bool {
	return errors.Is(err, ErrBufferTooSmall)
}

// Compress compresses src into dst using the given codec and level. The
// result is a prefix of dst; output that would exceed dst's bounds
// fails with ErrBufferTooSmall.
func Compress(codec Codex, level Level, dst, src []byte) ([]byte, error) {
	switch codec {
	case CodexZstd:
		return compressZstd(dst, src, level)
	case CodexLZ4:
		return compressLZ4(dst, src, level)
	case CodexS2:
		return compressS2(dst, src, level)
	default:
		return nil, fmt.Errorf("unsupported codec %d", codec)
	}
}

// Decompress restores src into dst, which must be sized to the exact
// expected plaintext length. A result of any other length is an error:
// the length comes from trusted metadata, so a mismatch means corruption.
func Decompress(codec Codex, dst, src []byte) error {
	switch codec {
	case CodexZstd:
		return decompressZstd(dst, src)
	case CodexLZ4:
		return decompressLZ4(dst, src)
	case CodexS2:
		return decompressS2(dst, src)
	default:
		return fmt.Errorf("unsupported codec %d", codec)
	}
}

func (c Codex) String() string {
	switch c {
	case CodexNone:
		return "none"
	case CodexZstd:
		return "zstd"
	case CodexLZ4:
		return "lz4"
	case CodexS2:
		return "s2"
	default:
		return fmt.Sprintf("codex(%d)", uint8(c))
	}
}
