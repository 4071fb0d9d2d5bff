package index

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/packfile"
)

func testEnv(t *testing.T) *crypto.Envelope {
	t.Helper()
	key, err := crypto.NewKey()
	require.NoError(t, err)
	env, err := crypto.NewEnvelope(key)
	require.NoError(t, err)
	return env
}

func testDescriptor(packSeed string, blobs ...blob.ID) *packfile.Descriptor {
	d := &packfile.Descriptor{ID: packfile.Hash([]byte(packSeed))}
	var offset uint32
	for _, id := range blobs {
		d.Add(packfile.Entry{
			Type:   packfile.EntryData,
			Offset: offset,
			Length: 100,
			ID:     id,
		})
		offset += 100
	}
	return d
}

func TestReserve_ExactlyOnce(t *testing.T) {
	idx := New(backend.NewMem(), testEnv(t))
	id := blob.Hash([]byte("blob"))

	require.True(t, idx.Reserve(id))
	require.False(t, idx.Reserve(id))
	require.False(t, idx.Reserve(id), "reservations are never released")
}

func TestReserve_ConcurrentSingleWinner(t *testing.T) {
	idx := New(backend.NewMem(), testEnv(t))

	const goroutines = 32
	const blobs = 200

	var wins [goroutines]int
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < blobs; i++ {
				id := blob.Hash([]byte(fmt.Sprintf("blob-%d", i)))
				if idx.Reserve(id) {
					wins[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, w := range wins {
		total += w
	}
	require.Equal(t, blobs, total, "every blob must have exactly one winner")
}

func TestAccept_CommitsBlobs(t *testing.T) {
	idx := New(backend.NewMem(), testEnv(t))
	a := blob.Hash([]byte("a"))
	b := blob.Hash([]byte("b"))
	d := testDescriptor("pack-1", a, b)

	require.False(t, idx.Has(a))
	require.NoError(t, idx.Accept(d, false))

	require.True(t, idx.Has(a))
	require.True(t, idx.Has(b))

	loc, ok := idx.Lookup(b)
	require.True(t, ok)
	require.Equal(t, d.ID, loc.Pack)
	require.Equal(t, uint32(100), loc.Offset)
	require.Equal(t, uint32(100), loc.Length)
	require.Equal(t, blob.TypeData, loc.Type)

	// Accepted blobs are reserved too.
	require.False(t, idx.Reserve(a))
}

func TestAccept_SkipsPadding(t *testing.T) {
	idx := New(backend.NewMem(), testEnv(t))
	a := blob.Hash([]byte("a"))
	d := testDescriptor("pack-1", a)
	d.Add(packfile.Entry{Type: packfile.EntryPadding, Offset: 100, Length: 4096})

	require.NoError(t, idx.Accept(d, false))
	require.True(t, idx.Has(a))
	require.False(t, idx.Has(blob.ID{}), "the zero ID must never be indexed")

	committed, pending := idx.Stats()
	require.Equal(t, 1, committed)
	require.Equal(t, 1, pending)
}

func TestHas_Unknown(t *testing.T) {
	idx := New(backend.NewMem(), testEnv(t))
	require.False(t, idx.Has(blob.Hash([]byte("never seen"))))
	_, ok := idx.Lookup(blob.Hash([]byte("never seen")))
	require.False(t, ok)
}

func TestSavePolicy_BlobCount(t *testing.T) {
	be := backend.NewMem()
	idx := New(be, testEnv(t), WithSavePolicy(3, time.Hour))

	// Two blobs stay pending.
	require.NoError(t, idx.Accept(testDescriptor("p1",
		blob.Hash([]byte("1")), blob.Hash([]byte("2"))), false))
	require.Zero(t, be.Len(backend.KindIndex))

	// Third crosses the threshold and flushes one file.
	require.NoError(t, idx.Accept(testDescriptor("p2",
		blob.Hash([]byte("3"))), false))
	require.Equal(t, 1, be.Len(backend.KindIndex))

	_, pending := idx.Stats()
	require.Zero(t, pending)
}

func TestFinalize_FlushesPending(t *testing.T) {
	be := backend.NewMem()
	idx := New(be, testEnv(t))

	require.NoError(t, idx.Accept(testDescriptor("p1", blob.Hash([]byte("1"))), false))
	require.Zero(t, be.Len(backend.KindIndex))

	require.NoError(t, idx.Finalize())
	require.Equal(t, 1, be.Len(backend.KindIndex))

	// Nothing pending, nothing written.
	require.NoError(t, idx.Finalize())
	require.Equal(t, 1, be.Len(backend.KindIndex))
}

func TestLoad_RoundTrip(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t)

	idx := New(be, env)
	a := blob.Hash([]byte("a"))
	b := blob.Hash([]byte("b"))
	d := testDescriptor("pack-1", a, b)
	require.NoError(t, idx.Accept(d, false))
	require.NoError(t, idx.Finalize())

	// A fresh indexer over the same backend sees the same blobs.
	idx2 := New(be, env)
	require.NoError(t, idx2.Load())

	require.True(t, idx2.Has(a))
	loc, ok := idx2.Lookup(b)
	require.True(t, ok)
	require.Equal(t, d.ID, loc.Pack)

	// Loaded blobs cannot be reserved again.
	require.False(t, idx2.Reserve(a))
	require.False(t, idx2.Reserve(b))
}

func TestLoad_WrongKey(t *testing.T) {
	be := backend.NewMem()

	idx := New(be, testEnv(t))
	require.NoError(t, idx.Accept(testDescriptor("p", blob.Hash([]byte("x"))), false))
	require.NoError(t, idx.Finalize())

	other := New(be, testEnv(t))
	require.Error(t, other.Load())
}

func TestAccept_ToDelete(t *testing.T) {
	be := backend.NewMem()
	env := testEnv(t)
	idx := New(be, env)

	a := blob.Hash([]byte("a"))
	d := testDescriptor("obsolete", a)
	require.NoError(t, idx.Accept(d, true))

	// Deletion-listed packs do not publish their blobs.
	require.False(t, idx.Has(a))
	require.True(t, idx.Reserve(a), "blobs of an obsolete pack stay storable")

	require.NoError(t, idx.Finalize())
	require.Equal(t, 1, be.Len(backend.KindIndex))
}
