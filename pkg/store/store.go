package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"packdb/pkg/journal"
	"packdb/pkg/metrics"
	"packdb/pkg/segment"
)

// DefaultDurableTimeout bounds how long PutDurable waits for the group-commit
// sync covering its record.
const DefaultDurableTimeout = 5 * time.Second

// Config combines the tunables of both layers.
type Config struct {
	Journal        journal.Config
	Segment        segment.Config
	DurableTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = DefaultDurableTimeout
	}
	return c
}

// Store is the composed key-value store: every mutation is appended to the
// journal for durability, then applied to the segment store for placement
// and lookup. On open, journal records past the segment store's applied
// watermark are replayed, so a crash between the two applies loses nothing.
type Store struct {
	cfg       Config
	jr        *journal.Journal
	seg       *segment.Store
	collector metrics.Collector

	mu     sync.Mutex
	closed bool
}

// Open initializes both layers under dir and recovers from the journal.
func Open(dir string, cfg Config, collector metrics.Collector) (*Store, error) {
	if collector == nil {
		collector = metrics.Nop{}
	}
	cfg = cfg.withDefaults()

	seg, err := segment.Open(filepath.Join(dir, "segments"), cfg.Segment, collector)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment store: %w", err)
	}

	jr, err := journal.New(filepath.Join(dir, "journal"), cfg.Journal, collector)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		jr:        jr,
		seg:       seg,
		collector: collector,
	}

	if err := s.recover(); err != nil {
		jr.Close()
		seg.Close()
		return nil, err
	}

	jr.Start(context.Background())
	return s, nil
}

// recover re-applies journal records the segment store has not seen. Applying
// a put twice is harmless (the index points at the newest copy), so the
// watermark only needs to be a lower bound.
func (s *Store) recover() error {
	watermark := s.seg.AppliedSeqN()
	var replayed int

	err := s.jr.Replay(func(rec journal.Record) error {
		if rec.SeqN <= watermark {
			return nil
		}
		e, err := unmarshalEntry(rec.Payload)
		if err != nil {
			return err
		}
		if err := s.apply(e); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		s.seg.SetAppliedSeqN(rec.SeqN)
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal recovery failed: %w", err)
	}

	if replayed > 0 {
		slog.Info("recovered mutations from journal", "count", replayed)
	}
	return nil
}

func (s *Store) apply(e entry) error {
	switch e.op {
	case putOp:
		_, err := s.seg.Put(e.key, e.value)
		return err
	case deleteOp:
		return s.seg.Delete(e.key)
	default:
		return fmt.Errorf("unknown entry op %d", e.op)
	}
}

// Put journals the mutation and applies it. The write is durable after the
// next journal sync; use PutDurable to wait for that barrier.
func (s *Store) Put(key string, value []byte) error {
	return s.mutate(entry{op: putOp, key: key, value: value}, false)
}

// PutDurable blocks until the group-commit barrier covering the write has
// returned.
func (s *Store) PutDurable(key string, value []byte) error {
	return s.mutate(entry{op: putOp, key: key, value: value}, true)
}

// Delete journals a tombstone and drops the key. Deleting an absent key
// returns ErrKeyNotFound without journaling anything.
func (s *Store) Delete(key string) error {
	return s.mutate(entry{op: deleteOp, key: key}, false)
}

// mutate journals the entry and applies it under one lock so journal order
// and segment order never diverge. The durability wait happens outside the
// lock: concurrent mutations only contend on the buffer append, not on the
// barrier.
func (s *Store) mutate(e entry, durable bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	// The existence check lives under the lock so racing deletes of the
	// same key cannot both journal a tombstone.
	if e.op == deleteOp {
		if _, err := s.seg.Get(e.key); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	seqN, g, err := s.jr.AppendNotify(e.marshal())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to journal mutation: %w", err)
	}

	if err := s.apply(e); err != nil && !errors.Is(err, ErrKeyNotFound) {
		s.mu.Unlock()
		return err
	}
	s.seg.SetAppliedSeqN(seqN)
	s.mu.Unlock()

	if durable && !g.WaitTimeout(s.cfg.DurableTimeout) {
		return journal.ErrSyncTimeout
	}
	return nil
}

// Get reads the current value for key.
func (s *Store) Get(key string) ([]byte, error) {
	return s.seg.Get(key)
}

// Sync forces the journal's durability barrier.
func (s *Store) Sync() error {
	return s.jr.SyncNow()
}

// JournalPending reports mutations not yet covered by a barrier.
func (s *Store) JournalPending() int {
	return s.jr.Pending()
}

// SegmentStats exposes the segment layout for the stats endpoint.
func (s *Store) SegmentStats() segment.Stats {
	return s.seg.Stats()
}

// Close flushes the journal and releases both layers.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.jr.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	if err := s.seg.Close(); err != nil {
		return fmt.Errorf("failed to close segment store: %w", err)
	}
	return nil
}
