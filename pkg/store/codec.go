package store

import (
	"encoding/binary"
	"fmt"
)

type operation uint8

const (
	putOp operation = iota + 1
	deleteOp
)

// entry is the journal payload for one mutation:
//
//	op (1) | keyLen (4) | key | value
type entry struct {
	op    operation
	key   string
	value []byte
}

func (e entry) marshal() []byte {
	buf := make([]byte, 0, 1+4+len(e.key)+len(e.value))
	buf = append(buf, byte(e.op))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.key)))
	buf = append(buf, e.key...)
	buf = append(buf, e.value...)
	return buf
}

func unmarshalEntry(data []byte) (entry, error) {
	if len(data) < 5 {
		return entry{}, fmt.Errorf("entry too short: %d bytes", len(data))
	}

	op := operation(data[0])
	if op != putOp && op != deleteOp {
		return entry{}, fmt.Errorf("unknown entry op %d", op)
	}

	keyLen := binary.LittleEndian.Uint32(data[1:5])
	if int(keyLen) > len(data)-5 {
		return entry{}, fmt.Errorf("entry key length %d exceeds payload", keyLen)
	}

	return entry{
		op:    op,
		key:   string(data[5 : 5+keyLen]),
		value: data[5+keyLen:],
	}, nil
}
