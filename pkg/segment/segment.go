package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ncw/directio"
)

// segment is one backing file. The active segment keeps a write handle and a
// separate plain read handle; sealing drops the write handle and leaves the
// file immutable, safe for lock-free concurrent ReadAt.
//
// With direct I/O the write handle carries O_DIRECT, which only accepts
// aligned, block-sized writes. Appends are staged in an aligned scratch block
// and written at block-aligned offsets; the partial tail block is zero-padded
// and rewritten as records arrive, so size tracks the logical record bytes
// while the physical file stays block-aligned.
type segment struct {
	id     uint64
	path   string
	writer *os.File // nil once sealed
	reader *os.File
	size   int64 // logical size: end of the last complete record

	directIO bool
	block    []byte // aligned scratch, direct I/O only
	blockLen int    // staged bytes in block
	blockOff int64  // file offset of the block start, always aligned

	// sealed is checked lock-free by readers; it only ever flips false→true.
	sealed atomic.Bool
}

func (s *segment) isSealed() bool {
	return s.sealed.Load()
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d.seg", id))
}

// openSegment opens or creates the segment file for appending. With direct
// I/O enabled the write handle bypasses the page cache (reads always go
// through the plain handle).
func openSegment(dir string, id uint64, directIO bool) (*segment, error) {
	path := segmentPath(dir, id)

	var writer *os.File
	var err error
	if directIO {
		writer, err = directio.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	} else {
		writer, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d for writing: %w", id, err)
	}

	reader, err := os.Open(path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open segment %d for reading: %w", id, err)
	}

	info, err := writer.Stat()
	if err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("failed to stat segment %d: %w", id, err)
	}

	seg := &segment{
		id:       id,
		path:     path,
		writer:   writer,
		reader:   reader,
		size:     info.Size(),
		directIO: directIO,
	}
	if directIO {
		seg.block = directio.AlignedBlock(directio.BlockSize)
	}
	return seg, nil
}

// openSealed opens a read handle for a segment known to be immutable.
func openSealed(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	reader, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed segment %d: %w", id, err)
	}
	info, err := reader.Stat()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to stat sealed segment %d: %w", id, err)
	}
	seg := &segment{
		id:     id,
		path:   path,
		reader: reader,
		size:   info.Size(),
	}
	seg.sealed.Store(true)
	return seg, nil
}

func (s *segment) append(data []byte) (int64, error) {
	if s.isSealed() {
		return 0, fmt.Errorf("segment %d is sealed", s.id)
	}
	offset := s.size
	if s.directIO {
		if err := s.appendDirect(data); err != nil {
			return 0, fmt.Errorf("failed to append to segment %d: %w", s.id, err)
		}
	} else {
		if _, err := s.writer.Write(data); err != nil {
			return 0, fmt.Errorf("failed to append to segment %d: %w", s.id, err)
		}
	}
	s.size += int64(len(data))
	return offset, nil
}

// appendDirect stages data in the aligned block and flushes full blocks at
// aligned offsets. A trailing partial block is zero-padded and written too,
// then rewritten in place when the next append extends it.
func (s *segment) appendDirect(data []byte) error {
	for len(data) > 0 {
		n := copy(s.block[s.blockLen:], data)
		s.blockLen += n
		data = data[n:]
		if s.blockLen == len(s.block) {
			if _, err := s.writer.WriteAt(s.block, s.blockOff); err != nil {
				return err
			}
			s.blockOff += int64(len(s.block))
			s.blockLen = 0
		}
	}
	if s.blockLen > 0 {
		clear(s.block[s.blockLen:])
		if _, err := s.writer.WriteAt(s.block, s.blockOff); err != nil {
			return err
		}
	}
	return nil
}

// recoverTail rescans the segment and settles size on the end of the last
// complete record. A record cut short by the physical end of the file is the
// artifact of a crash mid-append, never covered by an acknowledgment, so it is
// dropped by truncation; interior corruption still fails the open. Direct-I/O
// tails also reload the partial block so the next append extends it in place.
func (s *segment) recoverTail() error {
	var valid int64
	err := s.scan(func(rec record, offset int64) error {
		valid = offset + rec.encodedLen()
		return nil
	})
	if err != nil {
		if !errors.Is(err, errTruncatedRecord) {
			return err
		}
		slog.Warn("dropping torn record at segment tail", "segment", s.id, "valid_bytes", valid)
	}

	if valid != s.size || err != nil {
		if terr := s.writer.Truncate(valid); terr != nil {
			return fmt.Errorf("failed to truncate segment %d tail: %w", s.id, terr)
		}
	}
	s.size = valid

	if s.directIO {
		return s.loadTailBlock()
	}
	return nil
}

func (s *segment) loadTailBlock() error {
	s.blockOff = s.size - s.size%int64(len(s.block))
	s.blockLen = int(s.size - s.blockOff)
	if s.blockLen == 0 {
		return nil
	}
	if _, err := s.reader.ReadAt(s.block[:s.blockLen], s.blockOff); err != nil {
		return fmt.Errorf("failed to load segment %d tail block: %w", s.id, err)
	}
	return nil
}

// seal flushes the segment to stable storage and makes it immutable.
func (s *segment) seal() error {
	if s.isSealed() {
		return nil
	}
	if err := s.writer.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d on seal: %w", s.id, err)
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close segment %d writer: %w", s.id, err)
	}
	s.writer = nil
	s.sealed.Store(true)
	return nil
}

// readAt fetches exactly the addressed byte range. A range that runs past the
// segment end is corruption (a stale or damaged index entry), not an I/O error
// the caller can retry.
func (s *segment) readAt(offset int64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.reader.ReadAt(buf, offset); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: segment %d short read at %d", ErrCorruptSegment, s.id, offset)
		}
		return nil, fmt.Errorf("failed to read segment %d at %d: %w", s.id, offset, err)
	}
	return buf, nil
}

// scan replays every record in the segment in append order, handing each one
// to fn with its starting offset.
func (s *segment) scan(fn func(rec record, offset int64) error) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open segment %d for scan: %w", s.id, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close segment scan file", "segment", s.id, "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		rec, err := readRecordFrom(reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("segment %d scan failed at offset %d: %w", s.id, offset, err)
		}
		if err := fn(rec, offset); err != nil {
			return err
		}
		offset += rec.encodedLen()
	}
}

func (s *segment) close() error {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			return fmt.Errorf("failed to close segment %d writer: %w", s.id, err)
		}
		s.writer = nil
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			return fmt.Errorf("failed to close segment %d reader: %w", s.id, err)
		}
		s.reader = nil
	}
	return nil
}
