package packvault

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/packfile"
)

const (
	// maxBlobsPerPack bounds header size and decode cost per pack.
	maxBlobsPerPack = 10_000

	// padAlign is the alignment padded packs are rounded up to.
	padAlign = 64 * kb
)

// Stats counts what a packer has accepted. Data is plaintext bytes,
// DataPacked is bytes as stored (after compression and encryption).
// Padding and duplicate blobs count in neither.
type Stats struct {
	Blobs      int64
	Data       int64
	DataPacked int64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Blobs += o.Blobs
	s.Data += o.Data
	s.DataPacked += o.DataPacked
}

// FinishedPack is a complete pack image ready to be hashed and stored.
// The descriptor's ID is zero until the write actor has hashed Data.
type FinishedPack struct {
	Data       []byte
	Descriptor *packfile.Descriptor
	Stats      Stats
}

// Packer accumulates encrypted blobs of one type into a pack image.
// Not safe for concurrent use; RepositoryPacker serializes access.
type Packer struct {
	env     *crypto.Envelope
	tpe     blob.Type
	padding bool
	maxAge  time.Duration

	data    []byte
	desc    *packfile.Descriptor
	stats   Stats
	created time.Time
}

func newPacker(env *crypto.Envelope, tpe blob.Type, cfg config) *Packer {
	return &Packer{
		env:     env,
		tpe:     tpe,
		padding: cfg.Padding,
		maxAge:  cfg.MaxPackAge,
		desc:    &packfile.Descriptor{},
	}
}

// Count returns the number of entries, padding included.
func (p *Packer) Count() int {
	return len(p.desc.Entries)
}

// Size returns the projected on-disk size of the pack as it stands,
// header and trailer included.
func (p *Packer) Size() uint32 {
	return p.desc.PackSize()
}

// Fits reports whether a ciphertext of the given length can be added
// without exceeding MaxPackSize.
func (p *Packer) Fits(cipherLen int) bool {
	return p.projectedSize(cipherLen) <= MaxPackSize
}

func (p *Packer) projectedSize(cipherLen int) uint64 {
	return uint64(len(p.data)) + uint64(cipherLen) +
		uint64(len(p.desc.Entries)+1)*packfile.EntrySize + packfile.HeaderOverhead
}

// Add appends one encrypted blob. dataLen is the plaintext length, for
// stats; uncompressedLen is recorded in the header entry.
func (p *Packer) Add(id blob.ID, cipher []byte, dataLen uint64, uncompressedLen uint32) error {
	return p.add(packfile.EntryTypeFor(p.tpe), id, cipher, dataLen, uncompressedLen)
}

func (p *Packer) add(tpe packfile.EntryType, id blob.ID, cipher []byte, dataLen uint64, uncompressedLen uint32) error {
	if p.projectedSize(len(cipher)) > MaxPackSize {
		return fmt.Errorf("%w: %d ciphertext bytes into a %d byte pack", ErrBlobTooLarge, len(cipher), len(p.data))
	}
	if p.Count() == 0 {
		p.created = time.Now()
	}
	offset := uint32(len(p.data))
	p.data = append(p.data, cipher...)
	p.desc.Add(packfile.Entry{
		Type:               tpe,
		Offset:             offset,
		Length:             uint32(len(cipher)),
		UncompressedLength: uncompressedLen,
		ID:                 id,
	})
	p.stats.Blobs++
	p.stats.Data += int64(dataLen)
	p.stats.DataPacked += int64(len(cipher))
	return nil
}

// NeedsFlush reports whether the pack should be finished now: it has
// reached the blob cap, the target size, or the age limit. An empty
// packer never needs a flush.
func (p *Packer) NeedsFlush(target uint32) bool {
	if p.Count() == 0 {
		return false
	}
	if p.Count() >= maxBlobsPerPack {
		return true
	}
	limit := uint64(target)
	if limit > MaxPackSize {
		limit = MaxPackSize
	}
	if uint64(p.Size()) >= limit {
		return true
	}
	return p.maxAge > 0 && time.Since(p.created) >= p.maxAge
}

// finish pads the pack if configured, encrypts and appends the header,
// and returns the complete pack image. The packer must not be reused.
func (p *Packer) finish() (FinishedPack, error) {
	if p.padding {
		if err := p.addPadding(); err != nil {
			return FinishedPack{}, err
		}
	}
	header, err := p.desc.EncodeHeader(p.env)
	if err != nil {
		return FinishedPack{}, err
	}
	return FinishedPack{
		Data:       append(p.data, header...),
		Descriptor: p.desc,
		Stats:      p.stats,
	}, nil
}

// padSize returns the padding plaintext length that brings a pack with
// projected size base up to a padAlign multiple, always in 1..=padAlign
// so an already aligned pack still gets a full run. Returns 0 when the
// padded pack would exceed MaxPackSize; that pack stays unpadded rather
// than oversized.
func padSize(base uint64) uint64 {
	pad := (padAlign - base%padAlign) % padAlign
	if pad == 0 {
		pad = padAlign
	}
	if base+pad > MaxPackSize {
		return 0
	}
	return pad
}

// addPadding appends an encrypted run of random bytes sized so the
// finished pack is a padAlign multiple, with exactly one padding entry
// per padded pack. Packs within padAlign of MaxPackSize are the one
// exception and stay unpadded. Padding is excluded from stats.
func (p *Packer) addPadding() error {
	base := p.projectedSize(0) + crypto.Overhead
	pad := padSize(base)
	if pad == 0 {
		return nil
	}

	plain := make([]byte, pad)
	if _, err := rand.Read(plain); err != nil {
		return fmt.Errorf("generating padding: %w", err)
	}
	// Seal, not Process: padding must keep its exact size, so it is
	// never compressed.
	cipher, err := p.env.Seal(plain)
	if err != nil {
		return fmt.Errorf("encrypting padding: %w", err)
	}

	before := p.stats
	if err := p.add(packfile.EntryPadding, blob.ID{}, cipher, pad, 0); err != nil {
		return err
	}
	p.stats = before
	return nil
}
