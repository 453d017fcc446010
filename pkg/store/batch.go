package store

import (
	"errors"
	"fmt"

	"packdb/pkg/gate"
	"packdb/pkg/journal"
)

// WriteBatch groups multiple mutations. Commit journals them contiguously and
// applies them in order under one lock, so no other writer interleaves with
// the batch.
type WriteBatch struct {
	store   *Store
	entries []entry
}

func (s *Store) Batch() *WriteBatch {
	return &WriteBatch{store: s}
}

func (b *WriteBatch) Put(key string, value []byte) {
	b.entries = append(b.entries, entry{op: putOp, key: key, value: value})
}

func (b *WriteBatch) Delete(key string) {
	b.entries = append(b.entries, entry{op: deleteOp, key: key})
}

func (b *WriteBatch) Clear() {
	b.entries = b.entries[:0]
}

func (b *WriteBatch) Count() int {
	return len(b.entries)
}

// Commit applies the batch. The batch can be reused after a Clear.
func (b *WriteBatch) Commit() error {
	_, err := b.commit()
	return err
}

// CommitDurable additionally waits for the barrier covering the batch's last
// record; the journal preserves append order, so that covers the whole batch.
func (b *WriteBatch) CommitDurable() error {
	g, err := b.commit()
	if err != nil {
		return err
	}
	if g != nil && !g.WaitTimeout(b.store.cfg.DurableTimeout) {
		return journal.ErrSyncTimeout
	}
	return nil
}

func (b *WriteBatch) commit() (*gate.Gate, error) {
	if len(b.entries) == 0 {
		return nil, nil
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var last *gate.Gate
	var lastSeqN uint64
	for _, e := range b.entries {
		seqN, g, err := s.jr.AppendNotify(e.marshal())
		if err != nil {
			return nil, fmt.Errorf("failed to journal batch entry: %w", err)
		}
		lastSeqN, last = seqN, g
	}

	for _, e := range b.entries {
		if err := s.apply(e); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	s.seg.SetAppliedSeqN(lastSeqN)

	return last, nil
}
