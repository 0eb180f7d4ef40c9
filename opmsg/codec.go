package opmsg

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// nullLength marks an absent byte array.
const nullLength = -1

var (
	ErrTruncated     = errors.New("opmsg: truncated message")
	ErrUnknownOpType = errors.New("opmsg: unknown op type")
	ErrMissingKey    = errors.New("opmsg: mutation without key")
	ErrBadLength     = errors.New("opmsg: bad array length")
)

// Encode serializes m. Integers are zig-zag varints, byte arrays are prefixed
// with their varint length where -1 denotes nil.
func Encode(m Message) ([]byte, error) {
	switch {
	case m.OpType.IsControl():
		buf := make([]byte, 0, 1+4*binary.MaxVarintLen64)
		buf = append(buf, byte(m.OpType))
		buf = binary.AppendVarint(buf, m.ClientID)
		buf = binary.AppendVarint(buf, m.FlushOffsetData)
		buf = binary.AppendVarint(buf, m.FlushOffsetOps)
		buf = binary.AppendVarint(buf, m.CleanOffsetOps)
		return buf, nil
	case m.OpType.IsMutation():
		if m.Key == nil {
			return nil, ErrMissingKey
		}
		size := 1 + 5*binary.MaxVarintLen64 + len(m.Key) + len(m.ExpValue) + len(m.UpdValue) + len(m.Function)
		buf := make([]byte, 0, size)
		buf = append(buf, byte(m.OpType))
		buf = binary.AppendVarint(buf, m.ClientID)
		buf = binary.AppendVarint(buf, m.OpID)
		buf = appendArray(buf, m.Key)
		buf = appendArray(buf, m.ExpValue)
		buf = appendArray(buf, m.UpdValue)
		if m.OpType.HasFunction() {
			buf = appendArray(buf, []byte(m.Function))
		}
		return buf, nil
	default:
		return nil, errors.Wrapf(ErrUnknownOpType, "encode %v", m.OpType)
	}
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrTruncated
	}
	r := reader{buf: data[1:]}
	m := Message{OpType: OpType(data[0])}
	switch {
	case m.OpType.IsControl():
		m.ClientID = r.varint()
		m.FlushOffsetData = r.varint()
		m.FlushOffsetOps = r.varint()
		m.CleanOffsetOps = r.varint()
	case m.OpType.IsMutation():
		m.ClientID = r.varint()
		m.OpID = r.varint()
		m.Key = r.array()
		m.ExpValue = r.array()
		m.UpdValue = r.array()
		if m.OpType.HasFunction() {
			m.Function = string(r.array())
		}
		if r.err == nil && m.Key == nil {
			return Message{}, ErrMissingKey
		}
	default:
		return Message{}, errors.Wrapf(ErrUnknownOpType, "decode %v", m.OpType)
	}
	if r.err == nil && len(r.buf) > 0 {
		r.err = errors.Wrapf(ErrBadLength, "%d trailing bytes", len(r.buf))
	}
	if r.err != nil {
		return Message{}, errors.Wrapf(r.err, "decode %v", m.OpType)
	}
	return m, nil
}

func appendArray(buf, arr []byte) []byte {
	if arr == nil {
		return binary.AppendVarint(buf, nullLength)
	}
	buf = binary.AppendVarint(buf, int64(len(arr)))
	return append(buf, arr...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = ErrTruncated
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) array() []byte {
	n := r.varint()
	if r.err != nil {
		return nil
	}
	switch {
	case n == nullLength:
		return nil
	case n < nullLength:
		r.err = ErrBadLength
		return nil
	case int64(len(r.buf)) < n:
		r.err = ErrTruncated
		return nil
	}
	arr := make([]byte, n)
	copy(arr, r.buf[:n])
	r.buf = r.buf[n:]
	return arr
}
