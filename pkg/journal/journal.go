package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"packdb/pkg/clock"
	"packdb/pkg/gate"
	"packdb/pkg/listener"
	"packdb/pkg/metrics"
)

const (
	// DefaultMaxBatchRecords is the pending-record count that triggers an
	// automatic sync.
	DefaultMaxBatchRecords = 1000

	// DefaultMaxBatchBytes is the pending-byte total that triggers an
	// automatic sync.
	DefaultMaxBatchBytes = 4 << 20

	// DefaultSyncInterval bounds how long an appended record may sit in the
	// buffer before a time-driven sync picks it up.
	DefaultSyncInterval = time.Second
)

const fileName = "journal.log"

// Record is a single durable journal entry.
type Record struct {
	SeqN    uint64
	Payload []byte
}

// Config carries the tunable sync thresholds. Zero values fall back to the
// package defaults; thresholds are knobs, not contracts.
type Config struct {
	MaxBatchRecords int
	MaxBatchBytes   int64
	SyncInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchRecords <= 0 {
		c.MaxBatchRecords = DefaultMaxBatchRecords
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	return c
}

// Journal is a batched, durably-synced append log. Append enqueues into an
// in-memory buffer and never touches storage; the buffer is drained to disk
// and fsync'd by SyncNow, by the size thresholds, or by the periodic trigger,
// whichever comes first. Records become visible to Replay only after the
// barrier covering them has returned.
//
// A failed barrier retains the un-flushed records: the batch is re-queued
// ahead of newer appends and the next successful sync delivers the exact
// pending set, in order.
type Journal struct {
	*listener.Listener[struct{}]

	cfg       Config
	collector metrics.Collector

	mu           sync.Mutex
	pending      []Record
	pendingBytes int64
	waiters      []*gate.Gate
	sinceTrigger int
	closed       bool

	// syncMu admits one durability barrier at a time; a sync requested while
	// another is running queues strictly after it.
	syncMu   sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	synced   int64 // file size covered by the last successful barrier

	seq     *clock.AtomicClock
	syncReq chan struct{}

	// fsync is swappable so tests can fault the barrier.
	fsync func(*os.File) error
}

var (
	ErrClosed        = errors.New("journal: closed")
	ErrSyncTimeout   = errors.New("journal: sync wait timed out")
	ErrCorruptRecord = errors.New("journal: corrupt record")
)

// New opens (creating if needed) the journal log under dir.
func New(dir string, cfg Config, collector metrics.Collector) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	if collector == nil {
		collector = metrics.Nop{}
	}

	j := &Journal{
		cfg:       cfg.withDefaults(),
		collector: collector,
		file:      file,
		writer:    bufio.NewWriter(file),
		filePath:  filePath,
		synced:    info.Size(),
		seq:       clock.NewAtomic(0),
		syncReq:   make(chan struct{}, 1),
		fsync:     (*os.File).Sync,
	}

	j.Listener = listener.New(j.syncReq,
		func(struct{}) error {
			j.autoSync()
			return nil
		},
		listener.WithTick[struct{}](j.cfg.SyncInterval, func() error {
			j.tickSync()
			return nil
		}),
	)

	if err := j.recover(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	return j, nil
}

// recover seeds the sequence clock past the records already on disk and
// settles the synced watermark on the end of the last complete record. A
// record cut short by the physical end of the log is the artifact of a crash
// between the buffered write and the barrier; no Append of it was ever
// acknowledged as durable, so it is dropped by truncation. A checksum
// mismatch still fails the open.
func (j *Journal) recover() error {
	var valid int64
	err := j.Replay(func(rec Record) error {
		j.seq.Advance(rec.SeqN)
		valid += int64(encodedLen(rec.Payload))
		return nil
	})
	if err != nil {
		if !errors.Is(err, errTruncatedRecord) {
			return err
		}
		slog.Warn("dropping torn record at journal tail", "valid_bytes", valid)
		if terr := j.file.Truncate(valid); terr != nil {
			return fmt.Errorf("failed to truncate journal tail: %w", terr)
		}
	}
	j.synced = valid
	return nil
}

// Append copies rec into the pending buffer and returns its assigned sequence
// number. It never performs I/O; durability comes from a later sync.
func (j *Journal) Append(rec []byte) (uint64, error) {
	seqN, _, err := j.append(rec, false)
	return seqN, err
}

// AppendWait appends rec and blocks until the sync covering it has returned,
// or until d elapses.
func (j *Journal) AppendWait(rec []byte, d time.Duration) (uint64, error) {
	seqN, g, err := j.AppendNotify(rec)
	if err != nil {
		return 0, err
	}
	if !g.WaitTimeout(d) {
		return seqN, ErrSyncTimeout
	}
	return seqN, nil
}

// AppendNotify appends rec and returns a gate that is signaled once the sync
// covering the record has returned. It lets callers do more work between the
// append and the durability wait.
func (j *Journal) AppendNotify(rec []byte) (uint64, *gate.Gate, error) {
	return j.append(rec, true)
}

func (j *Journal) append(rec []byte, withGate bool) (uint64, *gate.Gate, error) {
	if len(rec) > math.MaxUint32 {
		return 0, nil, fmt.Errorf("record too large: %d", len(rec))
	}

	payload := make([]byte, len(rec))
	copy(payload, rec)

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return 0, nil, ErrClosed
	}

	seqN := j.seq.Next()
	j.pending = append(j.pending, Record{SeqN: seqN, Payload: payload})
	j.pendingBytes += int64(encodedLen(payload))

	var g *gate.Gate
	if withGate {
		g = gate.New()
		j.waiters = append(j.waiters, g)
	}

	j.sinceTrigger++
	trigger := j.sinceTrigger >= j.cfg.MaxBatchRecords || j.pendingBytes >= j.cfg.MaxBatchBytes
	if trigger {
		j.sinceTrigger = 0
	}
	j.mu.Unlock()

	if trigger {
		select {
		case j.syncReq <- struct{}{}:
		default: // a request is already queued
		}
	}

	return seqN, g, nil
}

// SyncNow drains the pending buffer to disk and issues the durability
// barrier. It returns once every record appended before the call is durable.
func (j *Journal) SyncNow() error {
	if err := j.sync(); err != nil {
		return err
	}
	j.collector.IncCounter("journal_manual_syncs", 1)
	return nil
}

func (j *Journal) autoSync() {
	if err := j.sync(); err != nil {
		slog.Error("journal auto sync failed, records retained", "error", err)
		return
	}
	j.collector.IncCounter("journal_auto_syncs", 1)
}

func (j *Journal) tickSync() {
	j.mu.Lock()
	dirty := len(j.pending) > 0
	j.mu.Unlock()
	if !dirty {
		return
	}

	if err := j.sync(); err != nil {
		slog.Error("journal interval sync failed, records retained", "error", err)
		return
	}
	j.collector.IncCounter("journal_interval_syncs", 1)
}

func (j *Journal) sync() error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	// Swap the batch out under the short lock so concurrent appenders only
	// ever contend on the buffer, not on the I/O below.
	j.mu.Lock()
	batch := j.pending
	batchBytes := j.pendingBytes
	waiters := j.waiters
	j.pending = nil
	j.pendingBytes = 0
	j.waiters = nil
	j.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := j.writeBatch(batch); err != nil {
		// Undo any partial write so a retry never duplicates records, then
		// put the batch back ahead of anything appended meanwhile.
		if terr := j.truncateToSynced(); terr != nil {
			slog.Error("journal truncate after failed sync", "error", terr)
		}

		j.mu.Lock()
		j.pending = append(batch, j.pending...)
		j.pendingBytes += batchBytes
		j.waiters = append(waiters, j.waiters...)
		j.mu.Unlock()

		j.collector.IncCounter("journal_sync_failures", 1)
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	for _, g := range waiters {
		g.Signal()
	}

	j.collector.IncCounter("journal_synced_records", uint64(len(batch)))
	j.collector.SetGauge("journal_synced_bytes", uint64(j.synced))
	return nil
}

func (j *Journal) writeBatch(batch []Record) error {
	for _, rec := range batch {
		if err := writeRecord(j.writer, rec); err != nil {
			return fmt.Errorf("failed to write journal record: %w", err)
		}
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.fsync(j.file); err != nil {
		return fmt.Errorf("durability barrier failed: %w", err)
	}

	for _, rec := range batch {
		j.synced += int64(encodedLen(rec.Payload))
	}
	return nil
}

func (j *Journal) truncateToSynced() error {
	j.writer.Reset(j.file)
	return j.file.Truncate(j.synced)
}

// Replay reads every durable record from the start of the log in append
// order. A checksum mismatch or truncated tail ends the replay with an error
// wrapping ErrCorruptRecord.
func (j *Journal) Replay(fn func(Record) error) error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	file, err := os.Open(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close journal read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read journal record: %w", err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("journal replay callback failed: %w", err)
		}
	}
}

// Pending reports how many appended records are not yet covered by a barrier.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Close stops the background trigger, syncs whatever is still buffered and
// releases the file. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	j.Listener.Stop()

	if err := j.sync(); err != nil {
		// Leave the journal open for a retry: dropped records are worse
		// than a leaked file handle.
		j.mu.Lock()
		j.closed = false
		j.mu.Unlock()
		return err
	}

	j.syncMu.Lock()
	defer j.syncMu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return nil
}
