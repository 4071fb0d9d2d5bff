package index

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/packfile"
)

// Index files are CBOR, encrypted with the repository envelope, stored
// under the hex BLAKE3 hash of their ciphertext. Each file is a
// self-contained batch of packs; the full index is the union of all
// files.

type fileBlob struct {
	ID                 blob.ID `cbor:"id"`
	Type               uint8   `cbor:"type"`
	Offset             uint32  `cbor:"offset"`
	Length             uint32  `cbor:"length"`
	UncompressedLength uint32  `cbor:"uncompressed_length,omitempty"`
}

type filePack struct {
	ID    packfile.ID `cbor:"id"`
	Time  time.Time   `cbor:"time,omitempty"`
	Blobs []fileBlob  `cbor:"blobs"`
}

type indexFile struct {
	Packs         []filePack `cbor:"packs"`
	PacksToDelete []filePack `cbor:"packs_to_delete,omitempty"`
}

var cborEnc = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// saveLocked writes pending packs out as one index file. A no-op when
// nothing is pending. Caller holds idx.mu.
func (idx *Indexer) saveLocked() error {
	if len(idx.pending) == 0 && len(idx.toDelete) == 0 {
		return nil
	}

	file := indexFile{Packs: idx.pending, PacksToDelete: idx.toDelete}
	plain, err := cborEnc.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding index file: %w", err)
	}
	cipher, err := idx.env.Seal(plain)
	if err != nil {
		return fmt.Errorf("encrypting index file: %w", err)
	}

	sum := blake3.Sum256(cipher)
	key := hex.EncodeToString(sum[:])
	if err := idx.be.Write(backend.KindIndex, key, cipher); err != nil {
		return fmt.Errorf("writing index file %s: %w", key, err)
	}

	log.Debug("saved index file",
		"key", key,
		"packs", len(idx.pending),
		"blobs", idx.count,
		"packs_to_delete", len(idx.toDelete))

	idx.pending = nil
	idx.toDelete = nil
	idx.count = 0
	idx.lastSave = time.Now()
	return nil
}

// Load reads every index file from the backend and populates the
// in-memory maps. Call once before the first write; blobs recorded
// here are treated as already stored, so Reserve refuses them.
func (idx *Indexer) Load() error {
	keys, err := idx.be.List(backend.KindIndex)
	if err != nil {
		return fmt.Errorf("listing index files: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, key := range keys {
		cipher, err := idx.be.ReadFull(backend.KindIndex, key)
		if err != nil {
			return fmt.Errorf("reading index file %s: %w", key, err)
		}
		plain, err := idx.env.Open(cipher)
		if err != nil {
			return fmt.Errorf("decrypting index file %s: %w", key, err)
		}
		var file indexFile
		if err := cbor.Unmarshal(plain, &file); err != nil {
			return fmt.Errorf("decoding index file %s: %w", key, err)
		}

		for _, fp := range file.Packs {
			for _, fb := range fp.Blobs {
				idx.commit(fb.ID, Location{
					Type:               blob.Type(fb.Type),
					Pack:               fp.ID,
					Offset:             fb.Offset,
					Length:             fb.Length,
					UncompressedLength: fb.UncompressedLength,
				})
			}
		}
	}

	log.Debug("loaded index", "files", len(keys), "blobs", idx.committed)
	return nil
}
