// Package backend defines the byte-oriented storage interface the pack
// pipeline writes to, plus a local-filesystem implementation and an
// in-memory one for tests. The pipeline never retries backend I/O;
// retry policy belongs to the backend itself.
package backend

import (
	"errors"
	"fmt"
)

// Kind names a top-level namespace within a repository.
type Kind string

const (
	// KindPack holds finished pack files, keyed by the hex hash of
	// their complete bytes.
	KindPack Kind = "packs"
	// KindIndex holds encrypted index files.
	KindIndex Kind = "index"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend stores opaque byte blobs under (kind, key). Keys are hex
// strings. Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data under key. A successful return means the
	// data is durable.
	Write(kind Kind, key string, data []byte) error

	// ReadFull returns the complete contents stored under key.
	ReadFull(kind Kind, key string) ([]byte, error)

	// ReadPartial returns length bytes starting at offset.
	ReadPartial(kind Kind, key string, offset, length uint32) ([]byte, error)

	// List returns all keys of the given kind, in no particular
	// order.
	List(kind Kind) ([]string, error)
}

func validateKey(key string) error {
	if len(key) < 2 {
		return fmt.Errorf("key %q too short", key)
	}
	return nil
}
