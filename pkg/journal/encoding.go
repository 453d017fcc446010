package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// On-disk record layout, little-endian:
//
//	seqN (8) | crc32 (4) | payloadLen (4) | payload
//
// The checksum covers the payload only; seqN and length corruption surface as
// a checksum mismatch on the bytes they frame.
const recordHeaderLen = 8 + 4 + 4

func encodedLen(payload []byte) int {
	return recordHeaderLen + len(payload)
}

func writeRecord(w io.Writer, rec Record) error {
	if err := binary.Write(w, binary.LittleEndian, rec.SeqN); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, crc32.ChecksumIEEE(rec.Payload)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Payload))); err != nil {
		return err
	}
	if _, err := w.Write(rec.Payload); err != nil {
		return err
	}
	return nil
}

func readRecord(r io.Reader) (Record, error) {
	var rec Record

	if err := binary.Read(r, binary.LittleEndian, &rec.SeqN); err != nil {
		if err == io.ErrUnexpectedEOF {
			return rec, truncated(err)
		}
		return rec, err // io.EOF here is a clean end of log
	}

	var sum uint32
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return rec, truncated(err)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return rec, truncated(err)
	}

	rec.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return rec, truncated(err)
	}

	if crc32.ChecksumIEEE(rec.Payload) != sum {
		return rec, fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorruptRecord, rec.SeqN)
	}

	return rec, nil
}

// errTruncatedRecord marks a record cut short by the physical end of the log.
// It can only be the last thing written and was never covered by a barrier, so
// the open path discards it; checksum mismatches stay fatal.
var errTruncatedRecord = errors.New("truncated record")

// truncated maps a mid-record EOF to a corruption error; only an EOF on a
// record boundary is a clean end of log.
func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %w", ErrCorruptRecord, errTruncatedRecord)
	}
	return err
}
