// Package blob defines blob identity for the pack store. A blob is the
// unit of deduplication: its ID is the BLAKE3 hash of its plaintext, so
// identical content always maps to the same ID regardless of how it was
// compressed or encrypted on the way to disk.
package blob

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// IDSize is the byte length of a blob ID.
const IDSize = 32

// ID is the BLAKE3 hash of a blob's plaintext. It is both the blob's
// identity and its deduplication key.
type ID [IDSize]byte

// Hash computes the ID for the given plaintext.
func Hash(data []byte) ID {
	return blake3.Sum256(data)
}

// String returns the canonical hex form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is all zeroes. The zero ID is reserved
// for padding pseudo-blobs and never identifies real content.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses a 64-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing blob id: %w", err)
	}
	if len(decoded) != IDSize {
		return id, fmt.Errorf("blob id is %d bytes, want %d", len(decoded), IDSize)
	}
	copy(id[:], decoded)
	return id, nil
}

// Type classifies a blob. A single pack file holds blobs of exactly one
// type.
type Type uint8

const (
	// TypeTree marks serialized directory metadata.
	TypeTree Type = iota
	// TypeData marks file content chunks.
	TypeData
)

func (t Type) String() string {
	switch t {
	case TypeTree:
		return "tree"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}
