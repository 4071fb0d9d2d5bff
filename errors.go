package packvault

import "errors"

// Common errors
var (
	// ErrPackerShutdown is returned by Add and Finalize once a
	// packer has been finalized.
	ErrPackerShutdown = errors.New("packer is shut down")

	// ErrBlobTooLarge is returned when a single blob cannot fit in
	// a pack even on its own.
	ErrBlobTooLarge = errors.New("blob exceeds maximum pack size")
)
