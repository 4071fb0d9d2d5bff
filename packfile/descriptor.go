package packfile

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
)

// HeaderOverhead is the fixed cost of the pack tail beyond the encoded
// entries: encryption expansion plus the length trailer.
const HeaderOverhead = crypto.Overhead + TrailerSize

// Descriptor is the decoded form of a pack header: which blobs a pack
// holds and where. During packing entries are appended as blobs land in
// the data region; the ID is filled in once the complete bytes exist.
type Descriptor struct {
	ID      ID
	Time    time.Time // stamped when the pack is stored
	Entries []Entry
}

// Add appends an entry. Entries must be added in data-region order.
func (d *Descriptor) Add(e Entry) {
	d.Entries = append(d.Entries, e)
}

// DataSize returns the byte length of the data region described so far.
func (d *Descriptor) DataSize() uint32 {
	if len(d.Entries) == 0 {
		return 0
	}
	last := d.Entries[len(d.Entries)-1]
	return last.Offset + last.Length
}

// HeaderSize returns the encrypted header length including the trailer,
// as it will appear on disk.
func (d *Descriptor) HeaderSize() uint32 {
	return uint32(len(d.Entries)*EntrySize) + HeaderOverhead
}

// PackSize returns the total on-disk size of the pack: data region plus
// encrypted header plus trailer.
func (d *Descriptor) PackSize() uint32 {
	return d.DataSize() + d.HeaderSize()
}

// EncodeHeader encodes the entries, encrypts them with env, and appends
// the length trailer. The result is the complete pack tail, ready to be
// appended to the data region.
func (d *Descriptor) EncodeHeader(env *crypto.Envelope) ([]byte, error) {
	plain := make([]byte, 0, len(d.Entries)*EntrySize)
	for _, e := range d.Entries {
		plain = AppendEntry(plain, e)
	}
	sealed, err := env.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypting pack header: %w", err)
	}
	return binary.LittleEndian.AppendUint32(sealed, uint32(len(sealed))), nil
}

// Parse decodes the descriptor out of a pack's complete bytes. It
// verifies the trailer, decrypts the header, and checks that entries
// tile the data region exactly: the first at offset zero, each next one
// starting where the previous ended, the last ending where the header
// begins.
func Parse(data []byte, env *crypto.Envelope) (*Descriptor, error) {
	if len(data) < TrailerSize {
		return nil, fmt.Errorf("pack is %d bytes, shorter than its trailer", len(data))
	}
	headerLen := binary.LittleEndian.Uint32(data[len(data)-TrailerSize:])
	if uint64(headerLen)+TrailerSize > uint64(len(data)) {
		return nil, fmt.Errorf("trailer claims %d header bytes in a %d byte pack", headerLen, len(data))
	}

	dataLen := len(data) - TrailerSize - int(headerLen)
	plain, err := env.Open(data[dataLen : len(data)-TrailerSize])
	if err != nil {
		return nil, fmt.Errorf("decrypting pack header: %w", err)
	}
	if len(plain)%EntrySize != 0 {
		return nil, fmt.Errorf("pack header is %d bytes, not a multiple of %d", len(plain), EntrySize)
	}

	d := &Descriptor{
		ID:      Hash(data),
		Entries: make([]Entry, 0, len(plain)/EntrySize),
	}
	var next uint32
	for buf := plain; len(buf) > 0; buf = buf[EntrySize:] {
		e, err := DecodeEntry(buf)
		if err != nil {
			return nil, err
		}
		if e.Offset != next {
			return nil, fmt.Errorf("blob %s at offset %d, expected %d", e.ID, e.Offset, next)
		}
		next = e.Offset + e.Length
		d.Add(e)
	}
	if next != uint32(dataLen) {
		return nil, fmt.Errorf("pack entries cover %d bytes of a %d byte data region", next, dataLen)
	}
	return d, nil
}

// ReadDescriptor fetches a pack from the backend, verifies that its
// bytes hash to id, and parses its header.
func ReadDescriptor(be backend.Backend, id ID, env *crypto.Envelope) (*Descriptor, error) {
	data, err := be.ReadFull(backend.KindPack, id.String())
	if err != nil {
		return nil, err
	}
	if Hash(data) != id {
		return nil, fmt.Errorf("pack %s: stored bytes hash to %s", id, Hash(data))
	}
	return Parse(data, env)
}

// ReadBlob fetches one blob's ciphertext from a pack via a partial read
// and recovers its plaintext.
func ReadBlob(be backend.Backend, packID ID, e Entry, env *crypto.Envelope) ([]byte, error) {
	cipher, err := be.ReadPartial(backend.KindPack, packID.String(), e.Offset, e.Length)
	if err != nil {
		return nil, err
	}
	plain, err := env.Recover(cipher, e.UncompressedLength)
	if err != nil {
		return nil, fmt.Errorf("blob %s in pack %s: %w", e.ID, packID, err)
	}
	if got := blob.Hash(plain); got != e.ID {
		return nil, fmt.Errorf("blob in pack %s hashes to %s, header says %s", packID, got, e.ID)
	}
	return plain, nil
}
