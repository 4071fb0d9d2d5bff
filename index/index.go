// Package index tracks which blobs the repository holds and where.
// The Indexer is the single deduplication point of the write pipeline:
// Reserve is an atomic insert-if-absent, so of any number of concurrent
// writers offering the same blob exactly one wins the right to store
// it. Finished packs are accepted into an in-memory map and flushed to
// encrypted index files in batches.
package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/zhangyunhao116/skipmap"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/packfile"
)

const (
	// maxBlobsPerFile flushes pending packs to an index file once
	// this many blob entries have accumulated.
	maxBlobsPerFile = 50_000

	// maxFileAge flushes pending packs regardless of count once the
	// oldest unflushed pack is this old.
	maxFileAge = 5 * time.Minute

	// filterCapacity sizes the bloom filter used as the Has fast
	// path. False positives only cost a skipmap lookup.
	filterCapacity = 1_000_000
	filterFPRate   = 0.01
)

// Location records where a blob lives: which pack, and where inside
// its data region.
type Location struct {
	Type               blob.Type
	Pack               packfile.ID
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
}

type entry struct {
	id  blob.ID
	loc Location
}

// Indexer is the repository blob index. Reserve and Has are safe to
// call from any number of goroutines.
type Indexer struct {
	be  backend.Backend
	env *crypto.Envelope

	maxBlobs int
	maxAge   time.Duration

	// reserved holds every blob ID this repository knows about,
	// indexed and in-flight alike. Keys are raw ID bytes.
	reserved *skipmap.StringMap[struct{}]

	// blobs maps the 64-bit hash of an ID to its committed
	// locations. The slice absorbs hash collisions; lookups compare
	// the full ID.
	blobs *skipmap.Uint64Map[[]entry]

	mu        sync.RWMutex
	filter    *bloom.BloomFilter
	pending   []filePack
	toDelete  []filePack
	count     int
	committed int
	lastSave  time.Time
}

// Option configures an Indexer.
type Option interface {
	apply(*Indexer)
}

type funcOpt func(*Indexer)

func (f funcOpt) apply(idx *Indexer) {
	f(idx)
}

// WithSavePolicy overrides the blob-count and age thresholds that
// trigger an index file flush.
func WithSavePolicy(maxBlobs int, maxAge time.Duration) Option {
	return funcOpt(func(idx *Indexer) {
		idx.maxBlobs = maxBlobs
		idx.maxAge = maxAge
	})
}

// New creates an empty Indexer writing index files through be,
// encrypted with env.
func New(be backend.Backend, env *crypto.Envelope, opts ...Option) *Indexer {
	idx := &Indexer{
		be:       be,
		env:      env,
		maxBlobs: maxBlobsPerFile,
		maxAge:   maxFileAge,
		reserved: skipmap.NewString[struct{}](),
		blobs:    skipmap.NewUint64[[]entry](),
		filter:   bloom.NewWithEstimates(filterCapacity, filterFPRate),
		lastSave: time.Now(),
	}
	for _, opt := range opts {
		opt.apply(idx)
	}
	return idx
}

// Reserve claims the right to store id. It returns true exactly once
// per ID across the life of the index; every later call, from any
// goroutine, returns false. A reservation is never released, even when
// the store that follows it fails.
func (idx *Indexer) Reserve(id blob.ID) bool {
	_, loaded := idx.reserved.LoadOrStore(string(id[:]), struct{}{})
	return !loaded
}

// Has reports whether id is committed to a stored pack. Blobs that are
// reserved but still in flight are not visible here.
func (idx *Indexer) Has(id blob.ID) bool {
	idx.mu.RLock()
	hit := idx.filter.Test(id[:])
	idx.mu.RUnlock()
	if !hit {
		return false
	}
	_, ok := idx.Lookup(id)
	return ok
}

// Lookup returns the committed location of id.
func (idx *Indexer) Lookup(id blob.ID) (Location, bool) {
	entries, ok := idx.blobs.Load(xxhash.Sum64(id[:]))
	if !ok {
		return Location{}, false
	}
	for _, e := range entries {
		if e.id == id {
			return e.loc, true
		}
	}
	return Location{}, false
}

// Accept records a finished pack. With toDelete false the pack's blobs
// become visible through Has and Lookup and are queued for the next
// index file; padding entries are skipped. With toDelete true the pack
// is instead queued for the index's deletion list, used after repacking
// to retire superseded packs. Accept may flush an index file when the
// pending batch crosses the save policy.
func (idx *Indexer) Accept(d *packfile.Descriptor, toDelete bool) error {
	fp := filePack{ID: d.ID, Time: d.Time}
	for _, e := range d.Entries {
		if e.Type == packfile.EntryPadding {
			continue
		}
		fp.Blobs = append(fp.Blobs, fileBlob{
			ID:                 e.ID,
			Type:               uint8(e.Type),
			Offset:             e.Offset,
			Length:             e.Length,
			UncompressedLength: e.UncompressedLength,
		})
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if toDelete {
		idx.toDelete = append(idx.toDelete, fp)
		return idx.saveIfNeededLocked()
	}

	for _, e := range d.Entries {
		if e.Type == packfile.EntryPadding {
			continue
		}
		t, err := e.Type.BlobType()
		if err != nil {
			return fmt.Errorf("pack %s: %w", d.ID, err)
		}
		idx.commit(e.ID, Location{
			Type:               t,
			Pack:               d.ID,
			Offset:             e.Offset,
			Length:             e.Length,
			UncompressedLength: e.UncompressedLength,
		})
	}
	idx.pending = append(idx.pending, fp)
	idx.count += len(fp.Blobs)
	return idx.saveIfNeededLocked()
}

// commit publishes one blob location. Caller holds idx.mu.
func (idx *Indexer) commit(id blob.ID, loc Location) {
	idx.reserved.Store(string(id[:]), struct{}{})
	idx.filter.Add(id[:])
	key := xxhash.Sum64(id[:])
	entries, _ := idx.blobs.Load(key)
	for _, e := range entries {
		if e.id == id {
			return
		}
	}
	idx.blobs.Store(key, append(entries, entry{id: id, loc: loc}))
	idx.committed++
}

func (idx *Indexer) saveIfNeededLocked() error {
	if idx.count < idx.maxBlobs && time.Since(idx.lastSave) < idx.maxAge {
		return nil
	}
	return idx.saveLocked()
}

// Finalize flushes any pending packs to a final index file. The
// Indexer stays usable afterwards; Finalize is a barrier, not a close.
func (idx *Indexer) Finalize() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

// Stats returns the number of committed blobs and of pending (not yet
// flushed) blob entries.
func (idx *Indexer) Stats() (committed, pending int) {
	idx.mu.RLock()
	committed, pending = idx.committed, idx.count
	idx.mu.RUnlock()
	return committed, pending
}
