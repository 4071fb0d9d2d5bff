package packvault

import (
	"fmt"
	"sync"
	"time"

	"github.com/packvault/packvault/backend"
	"github.com/packvault/packvault/packfile"
)

// writeActor hashes and stores finished packs off the packing path.
// Two stages run concurrently: one computes each pack's ID from its
// complete bytes, the next uploads the pack and commits it to the
// index. Each stage is fed by a capacity-1 channel, so at most a few
// packs are in flight and a slow backend pushes back on the packer.
type writeActor struct {
	be  backend.Backend
	idx Index

	input  chan FinishedPack
	hashed chan FinishedPack
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newWriteActor(be backend.Backend, idx Index) *writeActor {
	w := &writeActor{
		be:     be,
		idx:    idx,
		input:  make(chan FinishedPack, 1),
		hashed: make(chan FinishedPack, 1),
		done:   make(chan struct{}),
	}
	go w.hashLoop()
	go w.writeLoop()
	return w
}

// enqueue hands a finished pack to the actor, blocking while the
// pipeline is full.
func (w *writeActor) enqueue(fp FinishedPack) {
	w.input <- fp
}

func (w *writeActor) hashLoop() {
	defer close(w.hashed)
	for fp := range w.input {
		fp.Descriptor.ID = packfile.Hash(fp.Data)
		fp.Descriptor.Time = time.Now()
		w.hashed <- fp
	}
}

// writeLoop stores packs until the channel closes. A failed pack
// records the first error but later packs are still attempted; their
// blobs stay reserved either way, so nothing is stored twice on retry
// paths.
func (w *writeActor) writeLoop() {
	defer close(w.done)
	for fp := range w.hashed {
		if err := w.store(fp); err != nil {
			w.fail(err)
		}
	}
}

func (w *writeActor) store(fp FinishedPack) error {
	id := fp.Descriptor.ID
	if err := w.be.Write(backend.KindPack, id.String(), fp.Data); err != nil {
		return fmt.Errorf("storing pack %s: %w", id, err)
	}
	if err := w.idx.Accept(fp.Descriptor, false); err != nil {
		return fmt.Errorf("indexing pack %s: %w", id, err)
	}
	log.Debug("stored pack",
		"id", id.String(),
		"blobs", len(fp.Descriptor.Entries),
		"size", len(fp.Data))
	return nil
}

func (w *writeActor) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
		return
	}
	log.Error("pack write failed after an earlier error", "error", err)
}

// finalize waits for all queued packs to be stored and returns the
// first error, if any. No packs may be enqueued afterwards.
func (w *writeActor) finalize() error {
	close(w.input)
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
