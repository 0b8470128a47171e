package storage

import (
	"errors"
	"sort"
)

var errOverlayClosed = errors.New("storage: overlay already committed or discarded")

// Overlay buffers writes on top of a parent database. Reads observe the
// buffered writes first and fall through to the parent. Nothing reaches the
// parent until Commit, which applies every buffered write in a single batch;
// Discard drops them. An overlay is used for exactly one state transition.
//
// Overlay is not safe for concurrent use.
type Overlay struct {
	parent  Database
	dirty   map[string][]byte
	deleted map[string]struct{}
	closed  bool
}

// NewOverlay opens a write buffer over the supplied database.
func NewOverlay(parent Database) *Overlay {
	return &Overlay{
		parent:  parent,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	if o.closed {
		return errOverlayClosed
	}
	k := string(key)
	delete(o.deleted, k)
	o.dirty[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return nil, ErrNotFound
	}
	if value, ok := o.dirty[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return false, nil
	}
	if _, ok := o.dirty[k]; ok {
		return true, nil
	}
	return o.parent.Has(key)
}

func (o *Overlay) Delete(key []byte) error {
	if o.closed {
		return errOverlayClosed
	}
	k := string(key)
	delete(o.dirty, k)
	o.deleted[k] = struct{}{}
	return nil
}

// NewBatch returns a batch that writes into the overlay buffer rather than the
// parent database.
func (o *Overlay) NewBatch() Batch {
	return &overlayBatch{overlay: o}
}

// Close discards any pending writes.
func (o *Overlay) Close() { o.Discard() }

// Pending reports the number of buffered mutations.
func (o *Overlay) Pending() int {
	return len(o.dirty) + len(o.deleted)
}

// Commit flushes the buffered writes to the parent database atomically.
// Keys are written in lexical order so the batch content is deterministic.
func (o *Overlay) Commit() error {
	if o.closed {
		return errOverlayClosed
	}
	batch := o.parent.NewBatch()
	keys := make([]string, 0, len(o.dirty))
	for k := range o.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), o.dirty[k])
	}
	removed := make([]string, 0, len(o.deleted))
	for k := range o.deleted {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	for _, k := range removed {
		batch.Delete([]byte(k))
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return err
		}
	}
	o.closed = true
	o.dirty = nil
	o.deleted = nil
	return nil
}

// Discard drops every buffered write. It is safe to call more than once.
func (o *Overlay) Discard() {
	o.closed = true
	o.dirty = nil
	o.deleted = nil
}

type overlayBatch struct {
	overlay *Overlay
	ops     []memOp
}

func (b *overlayBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *overlayBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *overlayBatch) Len() int { return len(b.ops) }

func (b *overlayBatch) Write() error {
	for _, op := range b.ops {
		var err error
		if op.delete {
			err = b.overlay.Delete([]byte(op.key))
		} else {
			err = b.overlay.Put([]byte(op.key), op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
