package packvault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/compression"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/index"
	"github.com/packvault/packvault/packfile"
)

// seedRepo writes payloads into small packs and returns the parsed
// descriptors of everything stored.
func seedRepo(t *testing.T, be backend.Backend, env *crypto.Envelope, payloads [][]byte) []*packfile.Descriptor {
	t.Helper()
	idx := index.New(be, env)
	rp := NewRepositoryPacker(be, env, idx, blob.TypeData, 0,
		WithTargetPackSize(4*kb))
	for _, payload := range payloads {
		require.NoError(t, rp.Add(blob.Hash(payload), payload))
	}
	_, err := rp.Finalize()
	require.NoError(t, err)

	keys, err := be.List(backend.KindPack)
	require.NoError(t, err)
	var descs []*packfile.Descriptor
	for _, key := range keys {
		id, err := packfile.ParseID(key)
		require.NoError(t, err)
		desc, err := packfile.ReadDescriptor(be, id, env)
		require.NoError(t, err)
		descs = append(descs, desc)
	}
	return descs
}

func TestRepacker_RepackFast(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t)
	payloads := testBlobs(40, 1024, 3)
	descs := seedRepo(t, be, env, payloads)
	require.Greater(t, len(descs), 1)
	oldPacks := be.Len(backend.KindPack)

	// Repack everything into a fresh index, with a large target so
	// the result is consolidated.
	idx := index.New(be, env)
	rp := NewRepositoryPacker(be, env, idx, blob.TypeData, 0)
	r := NewRepacker(be, env, idx, rp)

	for _, desc := range descs {
		require.NoError(t, r.RepackFast(desc))
	}
	stats, err := r.Finalize()
	require.NoError(t, err)
	require.NoError(t, idx.Finalize())

	require.Equal(t, int64(len(payloads)), stats.Blobs)

	// Old packs are only marked obsolete, not removed.
	require.Equal(t, oldPacks+1, be.Len(backend.KindPack))
	requireStored(t, be, env, idx, payloads)
}

func TestRepacker_RepackFastDedups(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t)
	payloads := testBlobs(20, 512, 5)
	descs := seedRepo(t, be, env, payloads)

	idx := index.New(be, env)
	rp := NewRepositoryPacker(be, env, idx, blob.TypeData, 0)
	r := NewRepacker(be, env, idx, rp)

	// Repacking the same packs twice stores each blob once.
	for i := 0; i < 2; i++ {
		for _, desc := range descs {
			require.NoError(t, r.RepackFast(desc))
		}
	}
	stats, err := r.Finalize()
	require.NoError(t, err)
	require.NoError(t, idx.Finalize())

	require.Equal(t, int64(len(payloads)), stats.Blobs)
	require.Equal(t, int64(len(payloads)), rp.Duplicates())
	requireStored(t, be, env, idx, payloads)
}

func TestRepacker_AddReencodes(t *testing.T) {
	be := backend.NewMem()
	// Seeded without compression.
	plainEnv := testEnv(t)
	payloads := testBlobs(10, 4096, 9)
	descs := seedRepo(t, be, plainEnv, payloads)

	// Moved through the full envelope under new settings.
	idx := index.New(be, plainEnv)
	rp := NewRepositoryPacker(be, plainEnv, idx, blob.TypeData, 0)
	r := NewRepacker(be, plainEnv, idx, rp)

	for _, desc := range descs {
		for _, e := range desc.Entries {
			if e.Type == packfile.EntryPadding {
				continue
			}
			loc := BlobLocation{
				Pack:               desc.ID,
				ID:                 e.ID,
				Type:               blob.TypeData,
				Offset:             e.Offset,
				Length:             e.Length,
				UncompressedLength: e.UncompressedLength,
			}
			require.NoError(t, r.Add(loc))
		}
	}
	stats, err := r.Finalize()
	require.NoError(t, err)
	require.NoError(t, idx.Finalize())

	require.Equal(t, int64(len(payloads)), stats.Blobs)
	requireStored(t, be, plainEnv, idx, payloads)
}

func TestRepacker_AddDetectsCorruption(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t)
	payloads := testBlobs(5, 512, 13)
	descs := seedRepo(t, be, env, payloads)

	// Corrupt one blob's ciphertext in place.
	desc := descs[0]
	data, err := be.ReadFull(backend.KindPack, desc.ID.String())
	require.NoError(t, err)
	data[desc.Entries[0].Offset] ^= 0x01
	require.NoError(t, be.Write(backend.KindPack, desc.ID.String(), data))

	idx := index.New(be, env)
	rp := NewRepositoryPacker(be, env, idx, blob.TypeData, 0)
	r := NewRepacker(be, env, idx, rp)

	e := desc.Entries[0]
	loc := BlobLocation{
		Pack: desc.ID, ID: e.ID, Type: blob.TypeData,
		Offset: e.Offset, Length: e.Length, UncompressedLength: e.UncompressedLength,
	}
	require.Error(t, r.Add(loc), "tampered ciphertext must not be resubmitted")

	_, err = r.Finalize()
	require.NoError(t, err)
}

func TestRepacker_SizerFlagsCandidates(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t, crypto.WithCompression(compression.CodexS2, compression.CompressionSpeed))
	idx := index.New(be, env)

	rp := NewRepositoryPacker(be, env, idx, blob.TypeData, 0)
	sizer := rp.Sizer()

	// The packs seeded with a 4 KiB target are far below the default
	// 4 MiB target, so they are exactly what a repack run looks for.
	for _, desc := range seedRepo(t, be, env, testBlobs(30, 1024, 17)) {
		require.True(t, sizer.IsTooSmall(desc.PackSize()))
	}
	_, err := rp.Finalize()
	require.NoError(t, err)
}
