// Package packfile defines the on-disk pack format: a sequence of
// encrypted blobs followed by an encrypted header describing them and a
// fixed-size trailer giving the header's length. A pack's identity is
// the BLAKE3 hash of its complete bytes, so any bit flip anywhere in
// the file changes its name.
package packfile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/packvault/packvault/blob"
)

// IDSize is the byte length of a pack ID.
const IDSize = 32

// ID is the BLAKE3 hash of a pack file's complete bytes.
type ID [IDSize]byte

// Hash computes the pack ID for the given file contents.
func Hash(data []byte) ID {
	return blake3.Sum256(data)
}

// String returns the canonical hex form of the ID, which is also the
// pack's storage key.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is all zeroes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses a 64-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing pack id: %w", err)
	}
	if len(decoded) != IDSize {
		return id, fmt.Errorf("pack id is %d bytes, want %d", len(decoded), IDSize)
	}
	copy(id[:], decoded)
	return id, nil
}

// EntryType is the type byte of a header entry.
type EntryType uint8

const (
	// EntryTree marks a tree blob.
	EntryTree EntryType = EntryType(blob.TypeTree)
	// EntryData marks a data blob.
	EntryData EntryType = EntryType(blob.TypeData)
	// EntryPadding marks alignment filler. Padding carries the zero
	// blob ID and is never indexed.
	EntryPadding EntryType = 0xff
)

func (t EntryType) String() string {
	if t == EntryPadding {
		return "padding"
	}
	return blob.Type(t).String()
}

// EntryTypeFor maps a blob type to its header representation.
func EntryTypeFor(t blob.Type) EntryType {
	return EntryType(t)
}

// BlobType maps a non-padding entry type back to a blob type.
func (t EntryType) BlobType() (blob.Type, error) {
	switch t {
	case EntryTree, EntryData:
		return blob.Type(t), nil
	default:
		return 0, fmt.Errorf("entry type %d is not a blob type", uint8(t))
	}
}

// EntrySize is the encoded byte length of one header entry.
const EntrySize = 1 + 4 + 4 + 4 + blob.IDSize

// TrailerSize is the byte length of the pack trailer, a little-endian
// uint32 holding the encrypted header's length.
const TrailerSize = 4

// Entry describes one stored blob (or padding run) inside a pack.
// Offset and Length locate the ciphertext within the pack's data
// region. UncompressedLength is zero when the blob was stored without
// compression, else the plaintext length before compression.
type Entry struct {
	Type               EntryType
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
	ID                 blob.ID
}

// AppendEntry appends the little-endian encoding of e to dst.
func AppendEntry(dst []byte, e Entry) []byte {
	dst = append(dst, byte(e.Type))
	dst = binary.LittleEndian.AppendUint32(dst, e.Offset)
	dst = binary.LittleEndian.AppendUint32(dst, e.Length)
	dst = binary.LittleEndian.AppendUint32(dst, e.UncompressedLength)
	return append(dst, e.ID[:]...)
}

// DecodeEntry decodes one entry from the first EntrySize bytes of buf.
func DecodeEntry(buf []byte) (Entry, error) {
	if len(buf) < EntrySize {
		return Entry{}, fmt.Errorf("header entry is %d bytes, need %d", len(buf), EntrySize)
	}
	e := Entry{
		Type:               EntryType(buf[0]),
		Offset:             binary.LittleEndian.Uint32(buf[1:]),
		Length:             binary.LittleEndian.Uint32(buf[5:]),
		UncompressedLength: binary.LittleEndian.Uint32(buf[9:]),
	}
	copy(e.ID[:], buf[13:])
	if e.Type != EntryPadding {
		if _, err := e.Type.BlobType(); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}
