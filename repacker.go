package packvault

import (
	"fmt"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/packfile"
)

// BlobLocation identifies one blob inside a stored pack, as recorded
// by the index.
type BlobLocation struct {
	Pack               packfile.ID
	ID                 blob.ID
	Type               blob.Type
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
}

// Repacker moves blobs out of badly sized or partly obsolete packs
// into fresh ones. Blobs travel through the same RepositoryPacker as
// new writes, so deduplication and pack cutting apply unchanged; the
// superseded packs are only marked for deletion, never touched.
type Repacker struct {
	be     backend.Backend
	env    *crypto.Envelope
	idx    Index
	packer *RepositoryPacker
}

// NewRepacker creates a repacker feeding blobs into packer.
func NewRepacker(be backend.Backend, env *crypto.Envelope, idx Index, packer *RepositoryPacker) *Repacker {
	return &Repacker{be: be, env: env, idx: idx, packer: packer}
}

// AddFast moves a blob as raw ciphertext: one partial read, no
// decryption, no re-encryption. Use it when the envelope settings of
// the source pack are still the wanted ones.
func (r *Repacker) AddFast(loc BlobLocation) error {
	cipher, err := r.be.ReadPartial(backend.KindPack, loc.Pack.String(), loc.Offset, loc.Length)
	if err != nil {
		return fmt.Errorf("reading blob %s from pack %s: %w", loc.ID, loc.Pack, err)
	}
	return r.packer.AddRaw(loc.ID, cipher, loc.UncompressedLength)
}

// Add moves a blob through the full envelope: read, decrypt, verify
// its hash, then resubmit the plaintext so it is re-compressed and
// re-encrypted under the packer's current settings.
func (r *Repacker) Add(loc BlobLocation) error {
	entry := packfile.Entry{
		Type:               packfile.EntryTypeFor(loc.Type),
		Offset:             loc.Offset,
		Length:             loc.Length,
		UncompressedLength: loc.UncompressedLength,
		ID:                 loc.ID,
	}
	plain, err := packfile.ReadBlob(r.be, loc.Pack, entry, r.env)
	if err != nil {
		return err
	}
	return r.packer.Add(loc.ID, plain)
}

// RepackFast moves every blob of a pack via AddFast and marks the pack
// obsolete. Padding entries are dropped on the way; blobs already
// moved elsewhere are deduplicated away by the packer.
func (r *Repacker) RepackFast(d *packfile.Descriptor) error {
	for _, e := range d.Entries {
		if e.Type == packfile.EntryPadding {
			continue
		}
		t, err := e.Type.BlobType()
		if err != nil {
			return fmt.Errorf("pack %s: %w", d.ID, err)
		}
		loc := BlobLocation{
			Pack:               d.ID,
			ID:                 e.ID,
			Type:               t,
			Offset:             e.Offset,
			Length:             e.Length,
			UncompressedLength: e.UncompressedLength,
		}
		if err := r.AddFast(loc); err != nil {
			return err
		}
	}
	return r.MarkObsolete(d)
}

// MarkObsolete queues a superseded pack for the deletion list of the
// next index file. The pack's bytes stay on the backend until a later
// cleanup acts on that list.
func (r *Repacker) MarkObsolete(d *packfile.Descriptor) error {
	return r.idx.Accept(d, true)
}

// Finalize flushes the underlying packer and returns its stats.
func (r *Repacker) Finalize() (Stats, error) {
	return r.packer.Finalize()
}
