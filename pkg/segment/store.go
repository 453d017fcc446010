package segment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"

	"packdb/pkg/metrics"
)

// DefaultMaxSegmentBytes caps the active segment before rollover.
const DefaultMaxSegmentBytes = 64 << 20

// Location addresses the value bytes of one live record.
type Location struct {
	Segment uint64
	Offset  int64
	Length  uint32
}

// Config carries the segment store tunables.
type Config struct {
	// MaxSegmentBytes is the rollover cap, measured over encoded record
	// bytes. The check happens before a write: if the incoming record would
	// push a non-empty segment past the cap, the segment is sealed first.
	// An oversized record still lands alone in a fresh segment.
	MaxSegmentBytes int64

	// DirectIO opens segment write handles with O_DIRECT.
	DirectIO bool
}

func (c Config) withDefaults() Config {
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	return c
}

type index = skipmap.StringMap[Location]

// Store packs many small logical records into large segment files. Live keys
// resolve through an in-memory index to exact byte ranges; the index is a
// derived accelerator rebuilt from segment contents, never a second source of
// truth.
type Store struct {
	dir       string
	cfg       Config
	collector metrics.Collector

	// idx is swapped wholesale by RebuildIndex; readers load the pointer
	// once and never observe a half-built index.
	idx atomic.Pointer[index]

	// segments holds every segment by ID; sealed ones are immutable and read
	// lock-free. mu serializes the write path: appends, rollover and reads
	// of the mutable tail.
	segments  *skipmap.Uint64Map[*segment]
	sealedIDs *skipset.Uint64Set

	mu            sync.Mutex
	active        *segment
	activeRecords int64
	deadBytes     int64
	closed        bool

	manifest *Manifest
}

// Open loads (or initializes) a segment store in dir and rebuilds the index
// from segment contents.
func Open(dir string, cfg Config, collector metrics.Collector) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty segment store dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create segment store directory: %w", err)
	}

	if collector == nil {
		collector = metrics.Nop{}
	}

	manifest := NewManifest(dir)
	if err := manifest.Load(); err != nil {
		return nil, err
	}

	s := &Store{
		dir:       dir,
		cfg:       cfg.withDefaults(),
		collector: collector,
		segments:  skipmap.NewUint64[*segment](),
		sealedIDs: skipset.NewUint64(),
		manifest:  manifest,
	}
	s.idx.Store(skipmap.NewString[Location]())

	if err := s.loadSegments(); err != nil {
		s.closeSegments()
		return nil, err
	}
	if err := s.RebuildIndex(); err != nil {
		s.closeSegments()
		return nil, err
	}

	return s, nil
}

// loadSegments discovers segment files on disk. Segments the manifest lists
// are sealed; of the rest, the highest ID becomes the active tail (covers a
// crash between sealing and saving the manifest) and any others are adopted
// as sealed.
func (s *Store) loadSegments() error {
	sealed := make(map[uint64]bool)
	for _, info := range s.manifest.SealedSegments() {
		sealed[info.ID] = true
	}

	ids, err := discoverSegmentIDs(s.dir)
	if err != nil {
		return err
	}

	var tailID uint64
	for _, id := range ids {
		if !sealed[id] && id > tailID {
			tailID = id
		}
	}

	for _, id := range ids {
		if id == tailID && !sealed[id] {
			continue // opened as the active tail below
		}
		seg, err := openSealed(s.dir, id)
		if err != nil {
			return err
		}
		s.segments.Store(id, seg)
		s.sealedIDs.Add(id)
		if !sealed[id] {
			slog.Warn("adopting unlisted segment as sealed", "segment", id)
			s.manifest.AddSealed(SegmentInfo{ID: id, Size: seg.size})
		}
	}

	if tailID == 0 {
		tailID = s.manifest.NextSegmentID()
	}
	active, err := openSegment(s.dir, tailID, s.cfg.DirectIO)
	if err != nil {
		return err
	}
	// A crash mid-append leaves a torn record at the tail; it was never
	// acknowledged, so recovery drops it rather than failing the open.
	if err := active.recoverTail(); err != nil {
		active.close()
		return err
	}
	s.active = active
	s.segments.Store(active.id, active)

	return s.manifest.Save()
}

func discoverSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment directory: %w", err)
	}

	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".seg") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".seg")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			slog.Warn("skipping unparsable segment file", "name", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Put appends the record to the active segment, updates the index and returns
// the assigned location.
func (s *Store) Put(key string, value []byte) (Location, error) {
	if key == "" {
		return Location{}, fmt.Errorf("empty key")
	}
	rec := newRecord(key, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Location{}, ErrClosed
	}

	loc, err := s.appendLocked(rec)
	if err != nil {
		return Location{}, err
	}

	idx := s.idx.Load()
	if old, ok := idx.Load(key); ok {
		s.deadBytes += int64(recordHeaderLen+len(key)) + int64(old.Length)
	}
	idx.Store(key, loc)

	s.collector.IncCounter("segment_puts", 1)
	s.collector.SetGauge("segment_live_keys", uint64(idx.Len()))
	return loc, nil
}

// Get resolves key through the index and reads exactly the addressed byte
// range. Sealed segments are read without any lock.
func (s *Store) Get(key string) ([]byte, error) {
	loc, ok := s.idx.Load().Load(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	seg, ok := s.segments.Load(loc.Segment)
	if !ok {
		return nil, fmt.Errorf("%w: index points at missing segment %d", ErrCorruptSegment, loc.Segment)
	}

	if seg.isSealed() {
		return seg.readAt(loc.Offset, loc.Length)
	}

	// Mutable tail: hold the write lock only for the range read.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return seg.readAt(loc.Offset, loc.Length)
}

// Delete appends a tombstone and drops the index entry. The dead segment
// bytes are reclaimed only by out-of-band compaction.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	idx := s.idx.Load()
	old, ok := idx.Load(key)
	if !ok {
		return ErrKeyNotFound
	}

	if _, err := s.appendLocked(newTombstone(key)); err != nil {
		return err
	}

	idx.Delete(key)
	s.deadBytes += int64(recordHeaderLen+len(key))*2 + int64(old.Length)

	s.collector.IncCounter("segment_deletes", 1)
	s.collector.SetGauge("segment_live_keys", uint64(idx.Len()))
	return nil
}

// appendLocked writes rec into the active segment, rolling over first if the
// record would push a non-empty segment past the cap. The caller holds mu, so
// a record is never split across the rollover boundary.
func (s *Store) appendLocked(rec record) (Location, error) {
	enc := rec.marshal()

	if s.active.size > 0 && s.active.size+int64(len(enc)) > s.cfg.MaxSegmentBytes {
		if err := s.rolloverLocked(); err != nil {
			return Location{}, err
		}
	}

	offset, err := s.active.append(enc)
	if err != nil {
		return Location{}, err
	}
	s.activeRecords++

	return Location{
		Segment: s.active.id,
		Offset:  offset + rec.valueOffset(),
		Length:  uint32(len(rec.value)),
	}, nil
}

// rolloverLocked seals the active segment and opens a fresh one.
func (s *Store) rolloverLocked() error {
	old := s.active
	if err := old.seal(); err != nil {
		return err
	}

	s.sealedIDs.Add(old.id)
	s.manifest.AddSealed(SegmentInfo{ID: old.id, Size: old.size, Records: s.activeRecords})
	if err := s.manifest.Save(); err != nil {
		return err
	}

	next, err := openSegment(s.dir, s.manifest.NextSegmentID(), s.cfg.DirectIO)
	if err != nil {
		return err
	}
	s.segments.Store(next.id, next)
	s.active = next
	s.activeRecords = 0

	s.collector.IncCounter("segment_rollovers", 1)
	slog.Debug("segment sealed", "segment", old.id, "size", old.size, "next", next.id)
	return nil
}

// RebuildIndex reconstructs the key index purely from segment contents,
// replaying puts and tombstones in segment ID order. It is the recovery path
// for a lost or corrupted index.
func (s *Store) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := skipmap.NewString[Location]()
	var deadBytes, tailRecords int64

	var scanErr error
	s.segments.Range(func(id uint64, seg *segment) bool {
		scanErr = seg.scan(func(rec record, offset int64) error {
			if id == s.active.id {
				tailRecords++
			}
			key := string(rec.key)
			if rec.tombstone() {
				if old, ok := fresh.Load(key); ok {
					fresh.Delete(key)
					deadBytes += int64(recordHeaderLen+len(key))*2 + int64(old.Length)
				}
				return nil
			}
			if old, ok := fresh.Load(key); ok {
				deadBytes += int64(recordHeaderLen+len(key)) + int64(old.Length)
			}
			fresh.Store(key, Location{
				Segment: id,
				Offset:  offset + rec.valueOffset(),
				Length:  uint32(len(rec.value)),
			})
			return nil
		})
		return scanErr == nil
	})
	if scanErr != nil {
		return scanErr
	}

	s.idx.Store(fresh)
	s.deadBytes = deadBytes
	s.activeRecords = tailRecords
	s.collector.SetGauge("segment_live_keys", uint64(fresh.Len()))
	return nil
}

// Sync forces the active tail to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.active.writer.Sync(); err != nil {
		return fmt.Errorf("failed to sync active segment: %w", err)
	}
	return nil
}

// Stats is a point-in-time summary of the store layout.
type Stats struct {
	StoreID       string `json:"store_id"`
	Segments      int    `json:"segments"`
	Sealed        int    `json:"sealed"`
	LiveKeys      int    `json:"live_keys"`
	ActiveSegment uint64 `json:"active_segment"`
	ActiveBytes   int64  `json:"active_bytes"`
	DeadBytes     int64  `json:"dead_bytes"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		StoreID:       s.manifest.StoreID(),
		Segments:      s.segments.Len(),
		Sealed:        s.sealedIDs.Len(),
		LiveKeys:      s.idx.Load().Len(),
		ActiveSegment: s.active.id,
		ActiveBytes:   s.active.size,
		DeadBytes:     s.deadBytes,
	}
}

// AppliedSeqN and SetAppliedSeqN expose the journal watermark the composed
// store persists through the manifest.
func (s *Store) AppliedSeqN() uint64 {
	return s.manifest.AppliedSeqN()
}

func (s *Store) SetAppliedSeqN(seqN uint64) {
	s.manifest.SetAppliedSeqN(seqN)
}

// Close syncs the tail, saves the manifest and releases every file handle.
// The tail is not sealed: it is reopened for appending on the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.active.writer.Sync(); err != nil {
		return fmt.Errorf("failed to sync active segment on close: %w", err)
	}
	if err := s.manifest.Save(); err != nil {
		return err
	}

	return s.closeSegments()
}

func (s *Store) closeSegments() error {
	var closeErr error
	s.segments.Range(func(_ uint64, seg *segment) bool {
		if err := seg.close(); err != nil && closeErr == nil {
			closeErr = err
		}
		return true
	})
	return closeErr
}
