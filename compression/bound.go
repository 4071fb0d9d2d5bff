package compression

import (
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// Bound returns the worst-case compressed size for srcLen input bytes.
// A dst buffer of this capacity guarantees Compress cannot fail with
// ErrBufferTooSmall; callers then judge on their own whether the result
// is worth keeping.
func Bound(codec Codex, srcLen int) int {
	switch codec {
	case CodexZstd:
		return zstdEncoder(CompressionDefault).MaxEncodedSize(srcLen)
	case CodexLZ4:
		return lz4.CompressBlockBound(srcLen)
	case CodexS2:
		return s2.MaxEncodedLen(srcLen)
	default:
		return srcLen
	}
}
