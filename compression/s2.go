package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

func compressS2(dst, src []byte, level Level) ([]byte, error) {
	var res []byte
	if level == CompressionBest {
		res = s2.EncodeBetter(dst[:0], src)
	} else {
		res = s2.Encode(dst[:0], src)
	}

	// S2 uses append logic; if it grows beyond dst capacity, it
	// reallocates.
	if len(res) > 0 && (cap(dst) == 0 || &res[0] != &dst[:1][0]) {
		return nil, ErrBufferTooSmall
	}
	return res, nil
}

func decompressS2(dst, src []byte) error {
	res, err := s2.Decode(dst[:0], src)
	if err != nil {
		return err
	}
	if len(res) != len(dst) {
		return fmt.Errorf("s2: decompressed %d bytes, want %d", len(res), len(dst))
	}
	return nil
}
