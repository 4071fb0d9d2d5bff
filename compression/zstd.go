package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

func zLevel(l Level) zstd.EncoderLevel {
	switch l {
	case CompressionSpeed:
		return zstd.SpeedFastest
	case CompressionBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Encoders and the decoder are stateless across EncodeAll/DecodeAll
// calls and safe for concurrent use, so one instance per level is
// shared package-wide.
var (
	zstdEncOnce sync.Once
	zstdEnc     map[Level]*zstd.Encoder
	zstdDec     = sync.OnceValue(func() *zstd.Decoder {
		d, err := zstd.NewReader(nil)
		if err != nil {
			panic("compression: zstd decoder init: " + err.Error())
		}
		return d
	})
)

func zstdEncoder(l Level) *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc = make(map[Level]*zstd.Encoder, 3)
		for _, level := range []Level{CompressionDefault, CompressionSpeed, CompressionBest} {
			e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zLevel(level)))
			if err != nil {
				panic("compression: zstd encoder init: " + err.Error())
			}
			zstdEnc[level] = e
		}
	})
	return zstdEnc[l]
}

func compressZstd(dst, src []byte, level Level) ([]byte, error) {
	// EncodeAll appends within dst's capacity; a different backing
	// array means the output outgrew the buffer.
	res := zstdEncoder(level).EncodeAll(src, dst[:0])
	if len(res) > 0 && (cap(dst) == 0 || &res[0] != &dst[:1][0]) {
		return nil, ErrBufferTooSmall
	}
	return res, nil
}

func decompressZstd(dst, src []byte) error {
	res, err := zstdDec().DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(res) != len(dst) {
		return fmt.Errorf("zstd: decompressed %d bytes, want %d", len(res), len(dst))
	}
	return nil
}
