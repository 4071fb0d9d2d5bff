// Package packvault implements the repository write path: blobs are
// deduplicated, compressed, encrypted, accumulated into pack files,
// and uploaded, with the index updated as packs land. One
// RepositoryPacker handles one blob type; any number of producers may
// feed it concurrently.
package packvault

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/blob"
	"github.com/packvault/packvault/crypto"
	"github.com/packvault/packvault/packfile"
)

// Index is the subset of the blob index the write path needs. Reserve
// must be an atomic insert-if-absent: across every packer sharing the
// index, exactly one caller gets true per blob ID, and that caller owns
// storing the blob.
type Index interface {
	Reserve(id blob.ID) bool
	Accept(d *packfile.Descriptor, toDelete bool) error
}

type rawBlob struct {
	id   blob.ID
	data []byte
}

type processedBlob struct {
	id              blob.ID
	cipher          []byte
	dataLen         uint64
	uncompressedLen uint32
}

// RepositoryPacker packs blobs of one type into the repository. Add
// hands blobs to a pipeline of three stages: dedup plus envelope
// processing, packing, and the write actor that hashes and uploads
// finished packs. Submission rendezvouses with the first stage, so a
// stalled backend eventually blocks producers instead of buffering
// unbounded data in memory.
type RepositoryPacker struct {
	cfg    config
	env    *crypto.Envelope
	idx    Index
	tpe    blob.Type
	sizer  *PackSizer
	writer *writeActor

	input     chan rawBlob
	processed chan processedBlob
	done      chan struct{}

	// addMu makes Add/AddRaw vs Finalize safe: producers hold it
	// shared while submitting, Finalize takes it exclusively to set
	// closed before closing the input channel.
	addMu  sync.RWMutex
	closed bool

	mu     sync.Mutex // guards packer and stats
	packer *Packer
	stats  Stats

	duplicates atomic.Int64

	errMu sync.Mutex
	err   error
}

// NewRepositoryPacker starts a packer for blobs of type tpe, writing
// packs and index updates through be. currentSize seeds the pack sizer
// with the bytes of this type already in the repository.
func NewRepositoryPacker(be backend.Backend, env *crypto.Envelope, idx Index, tpe blob.Type, currentSize uint64, opts ...Option) *RepositoryPacker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	rp := &RepositoryPacker{
		cfg:       cfg,
		env:       env,
		idx:       idx,
		tpe:       tpe,
		sizer:     NewPackSizer(cfg, currentSize),
		writer:    newWriteActor(be, idx),
		input:     make(chan rawBlob),
		processed: make(chan processedBlob, 1),
		done:      make(chan struct{}),
	}
	rp.packer = newPacker(env, tpe, cfg)
	go rp.processLoop()
	go rp.packLoop()
	return rp
}

// Sizer exposes the pack sizer, used to judge existing packs for
// repacking.
func (rp *RepositoryPacker) Sizer() *PackSizer {
	return rp.sizer
}

// Add submits one blob. id must be the hash of data, and data must not
// be modified afterwards. Duplicates are silently dropped. Add blocks
// while the pipeline is full; an error already recorded by the
// pipeline is returned immediately.
func (rp *RepositoryPacker) Add(id blob.ID, data []byte) error {
	rp.addMu.RLock()
	defer rp.addMu.RUnlock()
	if rp.closed {
		return ErrPackerShutdown
	}
	if err := rp.failed(); err != nil {
		return err
	}
	rp.input <- rawBlob{id: id, data: data}
	return nil
}

// AddRaw submits a blob that already went through the envelope, as
// read back from an existing pack. It bypasses compression and
// encryption entirely and packs the ciphertext as-is, synchronously.
// Deduplication still applies.
func (rp *RepositoryPacker) AddRaw(id blob.ID, cipher []byte, uncompressedLen uint32) error {
	rp.addMu.RLock()
	defer rp.addMu.RUnlock()
	if rp.closed {
		return ErrPackerShutdown
	}
	if err := rp.failed(); err != nil {
		return err
	}
	if len(cipher) < crypto.Overhead {
		return fmt.Errorf("raw blob %s is %d bytes, shorter than the envelope overhead", id, len(cipher))
	}
	if !rp.idx.Reserve(id) {
		rp.duplicates.Add(1)
		return nil
	}
	dataLen := uint64(len(cipher)) - crypto.Overhead
	if uncompressedLen != 0 {
		dataLen = uint64(uncompressedLen)
	}
	return rp.addProcessed(processedBlob{
		id:              id,
		cipher:          cipher,
		dataLen:         dataLen,
		uncompressedLen: uncompressedLen,
	})
}

// processLoop is the first pipeline stage: dedup, then compress and
// encrypt. After a failure it keeps draining so producers blocked in
// Add unblock; their blobs are dropped.
func (rp *RepositoryPacker) processLoop() {
	defer close(rp.processed)
	for raw := range rp.input {
		if rp.failed() != nil {
			continue
		}
		if !rp.idx.Reserve(raw.id) {
			rp.duplicates.Add(1)
			continue
		}
		cipher, uncompressedLen, err := rp.env.Process(raw.data)
		if err != nil {
			rp.fail(fmt.Errorf("blob %s: %w", raw.id, err))
			continue
		}
		rp.processed <- processedBlob{
			id:              raw.id,
			cipher:          cipher,
			dataLen:         uint64(len(raw.data)),
			uncompressedLen: uncompressedLen,
		}
	}
}

// packLoop is the second stage: append to the current pack and flush
// when it is due.
func (rp *RepositoryPacker) packLoop() {
	defer close(rp.done)
	for pb := range rp.processed {
		if rp.failed() != nil {
			continue
		}
		if err := rp.addProcessed(pb); err != nil {
			rp.fail(err)
		}
	}
}

// addProcessed appends one processed blob to the current pack, cutting
// packs as needed. The handoff to the write actor happens outside the
// packer lock, so AddRaw callers are not serialized behind backend
// uploads.
func (rp *RepositoryPacker) addProcessed(pb processedBlob) error {
	var finished []FinishedPack

	rp.mu.Lock()
	if rp.packer.Count() > 0 && !rp.packer.Fits(len(pb.cipher)) {
		fp, err := rp.flushLocked()
		if err != nil {
			rp.mu.Unlock()
			return err
		}
		finished = append(finished, fp)
	}
	if err := rp.packer.Add(pb.id, pb.cipher, pb.dataLen, pb.uncompressedLen); err != nil {
		rp.mu.Unlock()
		return err
	}
	if rp.packer.NeedsFlush(rp.sizer.PackSize()) {
		fp, err := rp.flushLocked()
		if err != nil {
			rp.mu.Unlock()
			return err
		}
		finished = append(finished, fp)
	}
	rp.mu.Unlock()

	for _, fp := range finished {
		rp.writer.enqueue(fp)
	}
	return nil
}

// flushLocked finishes the current pack and starts a fresh one. Caller
// holds rp.mu and enqueues the returned pack after unlocking.
func (rp *RepositoryPacker) flushLocked() (FinishedPack, error) {
	fp, err := rp.packer.finish()
	if err != nil {
		return FinishedPack{}, err
	}
	rp.packer = newPacker(rp.env, rp.tpe, rp.cfg)
	rp.stats.Add(fp.Stats)
	rp.sizer.AddSize(uint32(len(fp.Data)))
	return fp, nil
}

// Finalize drains the pipeline, flushes the partial pack, waits for
// every pack to be stored and indexed, and returns the accumulated
// stats. The first error recorded anywhere in the pipeline is
// returned; a packer that saw no blobs returns zero stats and writes
// nothing. The packer is unusable afterwards.
func (rp *RepositoryPacker) Finalize() (Stats, error) {
	rp.addMu.Lock()
	if rp.closed {
		rp.addMu.Unlock()
		return Stats{}, ErrPackerShutdown
	}
	rp.closed = true
	rp.addMu.Unlock()

	close(rp.input)
	<-rp.done

	rp.mu.Lock()
	var last *FinishedPack
	if rp.packer.Count() > 0 {
		fp, err := rp.flushLocked()
		if err != nil {
			rp.fail(err)
		} else {
			last = &fp
		}
	}
	rp.mu.Unlock()

	if last != nil {
		rp.writer.enqueue(*last)
	}
	if err := rp.writer.finalize(); err != nil {
		rp.fail(err)
	}

	rp.mu.Lock()
	stats := rp.stats
	rp.mu.Unlock()

	log.Debug("packer finalized",
		"type", rp.tpe.String(),
		"blobs", stats.Blobs,
		"data", stats.Data,
		"data_packed", stats.DataPacked,
		"duplicates", rp.duplicates.Load())
	return stats, rp.failed()
}

// Duplicates returns how many submitted blobs were dropped because
// another submission already owned their ID.
func (rp *RepositoryPacker) Duplicates() int64 {
	return rp.duplicates.Load()
}

func (rp *RepositoryPacker) fail(err error) {
	rp.errMu.Lock()
	defer rp.errMu.Unlock()
	if rp.err == nil {
		rp.err = err
		return
	}
	log.Error("packer error after an earlier error", "error", err)
}

func (rp *RepositoryPacker) failed() error {
	rp.errMu.Lock()
	defer rp.errMu.Unlock()
	return rp.err
}
