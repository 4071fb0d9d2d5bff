package packvault

import "time"

const (
	kb = 1 << 10
	mb = 1 << 20
)

// config holds internal packer configuration
type config struct {
	TargetPackSize  uint32        // Base target pack size before growth
	GrowFactor      uint32        // Target grows by GrowFactor*sqrt(repo size)
	PackSizeLimit   uint32        // Hard cap on the target (0 = MaxPackSize)
	MinTolerancePct uint          // Packs below MinTolerancePct% of target count as too small
	MaxTolerancePct uint          // Packs above MaxTolerancePct% of target count as too large
	Padding         bool          // Pad packs to a 64 KiB multiple
	MaxPackAge      time.Duration // Flush a partial pack once its first blob is this old
}

// Option configures a RepositoryPacker
type Option interface {
	apply(*config)
}

// funcOpt wraps a function as an Option
type funcOpt func(*config)

func (f funcOpt) apply(c *config) {
	f(c)
}

// WithTargetPackSize sets the base target pack size in bytes
// (default: 4 MiB). The effective target additionally grows with the
// amount of data already stored.
func WithTargetPackSize(size uint32) Option {
	return funcOpt(func(c *config) {
		c.TargetPackSize = size
	})
}

// WithGrowFactor sets how fast the target pack size grows with the
// repository (default: 32). The effective target is
// base + factor*sqrt(stored bytes).
func WithGrowFactor(factor uint32) Option {
	return funcOpt(func(c *config) {
		c.GrowFactor = factor
	})
}

// WithPackSizeLimit caps the effective target pack size (default: no
// cap below MaxPackSize).
func WithPackSizeLimit(limit uint32) Option {
	return funcOpt(func(c *config) {
		c.PackSizeLimit = limit
	})
}

// WithSizeTolerance sets the band, in percent of the target size,
// outside which an existing pack is considered a repack candidate
// (default: 30, 200).
func WithSizeTolerance(minPct, maxPct uint) Option {
	return funcOpt(func(c *config) {
		c.MinTolerancePct = minPct
		c.MaxTolerancePct = maxPct
	})
}

// WithPadding pads every pack to a 64 KiB multiple with an encrypted
// run of random bytes, hiding exact content sizes from the backend
// (default: false).
func WithPadding(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.Padding = enabled
	})
}

// WithMaxPackAge sets how long a partial pack may sit before being
// flushed regardless of size (default: 5m).
func WithMaxPackAge(d time.Duration) Option {
	return funcOpt(func(c *config) {
		c.MaxPackAge = d
	})
}

// defaultConfig returns sensible defaults
func defaultConfig() config {
	return config{
		TargetPackSize:  4 * mb,
		GrowFactor:      32,
		PackSizeLimit:   0, // capped by MaxPackSize only
		MinTolerancePct: 30,
		MaxTolerancePct: 200,
		Padding:         false,
		MaxPackAge:      5 * time.Minute,
	}
}
