package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/zhangxinngang/murmur"
)

// On-disk record layout, little-endian:
//
//	crc32 (4) | keyHash (4) | flags (1) | keyLen (4) | valueLen (4) | key | value
//
// The checksum covers key and value. Tombstones carry flagTombstone and an
// empty value, so a segment scan alone reproduces the full put/delete history.
const recordHeaderLen = 4 + 4 + 1 + 4 + 4

const flagTombstone uint8 = 1 << 0

type record struct {
	crc     uint32
	keyHash uint32
	flags   uint8
	key     []byte
	value   []byte
}

func newRecord(key string, value []byte) record {
	kb := []byte(key)
	hasher := crc32.NewIEEE()
	hasher.Write(kb)
	hasher.Write(value)

	return record{
		crc:     hasher.Sum32(),
		keyHash: murmur.Murmur3(kb),
		key:     kb,
		value:   value,
	}
}

func newTombstone(key string) record {
	rec := newRecord(key, nil)
	rec.flags = flagTombstone
	return rec
}

func (r record) tombstone() bool {
	return r.flags&flagTombstone != 0
}

func (r record) encodedLen() int64 {
	return int64(recordHeaderLen + len(r.key) + len(r.value))
}

// valueOffset is where the value bytes start, relative to the record start.
func (r record) valueOffset() int64 {
	return int64(recordHeaderLen + len(r.key))
}

func (r record) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, r.encodedLen()))

	binary.Write(buf, binary.LittleEndian, r.crc)
	binary.Write(buf, binary.LittleEndian, r.keyHash)
	binary.Write(buf, binary.LittleEndian, r.flags)
	binary.Write(buf, binary.LittleEndian, uint32(len(r.key)))
	binary.Write(buf, binary.LittleEndian, uint32(len(r.value)))
	buf.Write(r.key)
	buf.Write(r.value)

	return buf.Bytes()
}

// readRecordFrom decodes the next record from r and verifies its checksum.
// A clean io.EOF on the header means the segment ended; an all-zero tail is
// direct-I/O block padding and also a clean end. A partial record that is not
// zero padding is a torn tail, reported as errTruncatedRecord so the recovery
// path can tell it apart from interior checksum corruption.
func readRecordFrom(r io.Reader) (record, error) {
	var rec record

	header := make([]byte, recordHeaderLen)
	n, err := io.ReadFull(r, header)
	switch err {
	case nil:
	case io.EOF:
		return rec, io.EOF
	case io.ErrUnexpectedEOF:
		if allZero(header[:n]) {
			return rec, io.EOF
		}
		return rec, truncated(err)
	default:
		return rec, err
	}
	if allZero(header) {
		return rec, io.EOF
	}

	rec.crc = binary.LittleEndian.Uint32(header[0:4])
	rec.keyHash = binary.LittleEndian.Uint32(header[4:8])
	rec.flags = header[8]
	keyLen := binary.LittleEndian.Uint32(header[9:13])
	valueLen := binary.LittleEndian.Uint32(header[13:17])

	rec.key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.key); err != nil {
		return rec, truncated(err)
	}
	rec.value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, rec.value); err != nil {
		return rec, truncated(err)
	}

	hasher := crc32.NewIEEE()
	hasher.Write(rec.key)
	hasher.Write(rec.value)
	if hasher.Sum32() != rec.crc {
		return rec, fmt.Errorf("%w: checksum mismatch for key %q", ErrCorruptSegment, rec.key)
	}
	if murmur.Murmur3(rec.key) != rec.keyHash {
		return rec, fmt.Errorf("%w: key hash mismatch for key %q", ErrCorruptSegment, rec.key)
	}

	return rec, nil
}

// errTruncatedRecord marks a record cut short by the physical end of a file.
// It can only be the last thing written, so the tail recovery path drops it;
// everything else wrapping ErrCorruptSegment stays fatal.
var errTruncatedRecord = errors.New("truncated record")

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %w", ErrCorruptSegment, errTruncatedRecord)
	}
	return err
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
