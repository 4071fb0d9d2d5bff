package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lzLevel maps our normalized levels to LZ4 HC levels.
func lzLevel(l Level) lz4.CompressionLevel {
	switch l {
	case CompressionBest:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func compressLZ4(dst, src []byte, level Level) ([]byte, error) {
	dst = dst[:cap(dst)]

	if level == CompressionSpeed || level == CompressionDefault {
		var c lz4.Compressor
		n, err := c.CompressBlock(src, dst)
		if err != nil || n == 0 {
			// CompressBlock returns 0 when the output does not fit.
			return nil, ErrBufferTooSmall
		}
		return dst[:n], nil
	}

	c := lz4.CompressorHC{Level: lzLevel(level)}
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 {
		return nil, ErrBufferTooSmall
	}
	return dst[:n], nil
}

func decompressLZ4(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("lz4: decompressed %d bytes, want %d", n, len(dst))
	}
	return nil
}
