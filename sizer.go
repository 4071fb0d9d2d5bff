package packvault

import (
	"math"
	"sync/atomic"
)

// MaxPackSize is the hard cap on any pack file. It keeps every offset
// and length in a pack header representable as uint32 with room for the
// header itself.
const MaxPackSize = 4076 * mb

// PackSizer computes the target pack size for one blob type. The
// target grows with the square root of the bytes already stored, so
// small repositories get small packs and large repositories avoid
// drowning in millions of files. Safe for concurrent use.
type PackSizer struct {
	defaultSize uint32
	growFactor  uint32
	sizeLimit   uint32
	minPct      uint
	maxPct      uint

	currentSize atomic.Uint64
}

// NewPackSizer creates a sizer seeded with the bytes of this blob type
// already stored in the repository.
func NewPackSizer(cfg config, currentSize uint64) *PackSizer {
	s := &PackSizer{
		defaultSize: cfg.TargetPackSize,
		growFactor:  cfg.GrowFactor,
		sizeLimit:   cfg.PackSizeLimit,
		minPct:      cfg.MinTolerancePct,
		maxPct:      cfg.MaxTolerancePct,
	}
	s.currentSize.Store(currentSize)
	return s
}

// PackSize returns the current target pack size. All arithmetic is
// done in uint64 and clamped, never wrapped.
func (s *PackSizer) PackSize() uint32 {
	cur := s.currentSize.Load()
	size := uint64(s.defaultSize) + isqrt(cur)*uint64(s.growFactor)
	if s.sizeLimit > 0 && size > uint64(s.sizeLimit) {
		size = uint64(s.sizeLimit)
	}
	if size > MaxPackSize {
		size = MaxPackSize
	}
	return uint32(size)
}

// AddSize records a finished pack, growing the target for the next
// one.
func (s *PackSizer) AddSize(n uint32) {
	s.currentSize.Add(uint64(n))
}

// CurrentSize returns the bytes recorded so far.
func (s *PackSizer) CurrentSize() uint64 {
	return s.currentSize.Load()
}

// IsTooSmall reports whether an existing pack of the given size is
// below the repack threshold.
func (s *PackSizer) IsTooSmall(size uint32) bool {
	return uint64(size)*100 < uint64(s.PackSize())*uint64(s.minPct)
}

// IsTooLarge reports whether an existing pack of the given size is
// above the repack threshold.
func (s *PackSizer) IsTooLarge(size uint32) bool {
	return uint64(size)*100 > uint64(s.PackSize())*uint64(s.maxPct)
}

// isqrt returns the integer square root of n.
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	r := uint64(math.Sqrt(float64(n)))
	// float64 rounding can be off by one in either direction
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
