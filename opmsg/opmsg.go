// Package opmsg defines the operation messages carried by the ops and flush
// channels and their binary encoding.
package opmsg

import "fmt"

// OpType identifies the kind of an operation message.
type OpType byte

const (
	OpPut              OpType = 'p'
	OpPutIfAbsent      OpType = 'P'
	OpReplaceAny       OpType = 'c'
	OpReplaceExact     OpType = 'C'
	OpRemoveAny        OpType = 'r'
	OpRemoveExact      OpType = 'R'
	OpCompute          OpType = 'x'
	OpComputeIfPresent OpType = 'X'
	OpMerge            OpType = 'm'

	OpFlushRequest      OpType = 'f'
	OpFlushNotification OpType = 'F'
)

// IsControl reports whether the op type is a flush request or notification.
func (t OpType) IsControl() bool {
	return t == OpFlushRequest || t == OpFlushNotification
}

// IsMutation reports whether the op type mutates the map.
func (t OpType) IsMutation() bool {
	switch t {
	case OpPut, OpPutIfAbsent, OpReplaceAny, OpReplaceExact, OpRemoveAny, OpRemoveExact,
		OpCompute, OpComputeIfPresent, OpMerge:
		return true
	default:
		return false
	}
}

// HasFunction reports whether the op carries a function name.
func (t OpType) HasFunction() bool {
	return t == OpCompute || t == OpComputeIfPresent || t == OpMerge
}

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpPutIfAbsent:
		return "putIfAbsent"
	case OpReplaceAny:
		return "replaceAny"
	case OpReplaceExact:
		return "replaceExact"
	case OpRemoveAny:
		return "removeAny"
	case OpRemoveExact:
		return "removeExact"
	case OpCompute:
		return "compute"
	case OpComputeIfPresent:
		return "computeIfPresent"
	case OpMerge:
		return "merge"
	case OpFlushRequest:
		return "flushRequest"
	case OpFlushNotification:
		return "flushNotification"
	default:
		return fmt.Sprintf("opType(%d)", byte(t))
	}
}

// Message is an immutable operation message. Mutations always carry a key;
// control messages never carry keys or values and use the offset fields
// instead.
type Message struct {
	OpType   OpType
	ClientID int64

	// Mutation fields.
	OpID     int64
	Key      []byte
	ExpValue []byte // Expected value for exact ops.
	UpdValue []byte // New value, or the function argument for function ops.
	Function string

	// Control fields.
	FlushOffsetData int64 // Number of data records written, notifications only.
	FlushOffsetOps  int64
	CleanOffsetOps  int64
}

// NewMutation creates a mutation message.
func NewMutation(op OpType, clientID, opID int64, key, expValue, updValue []byte) Message {
	return Message{
		OpType:   op,
		ClientID: clientID,
		OpID:     opID,
		Key:      key,
		ExpValue: expValue,
		UpdValue: updValue,
	}
}

// NewFunctionOp creates a compute, compute-if-present or merge message
// invoking the named function with arg.
func NewFunctionOp(op OpType, clientID, opID int64, key []byte, function string, arg []byte) Message {
	return Message{
		OpType:   op,
		ClientID: clientID,
		OpID:     opID,
		Key:      key,
		UpdValue: arg,
		Function: function,
	}
}

// NewFlushRequest creates a request to compact the ops log up to flushOffsetOps.
func NewFlushRequest(clientID, flushOffsetOps, cleanOffsetOps int64) Message {
	return Message{
		OpType:         OpFlushRequest,
		ClientID:       clientID,
		FlushOffsetOps: flushOffsetOps,
		CleanOffsetOps: cleanOffsetOps,
	}
}

// NewFlushNotification creates a notification that the ops log was compacted
// up to flushOffsetOps with dataRecords records written to the data channel.
func NewFlushNotification(clientID, dataRecords, flushOffsetOps, cleanOffsetOps int64) Message {
	return Message{
		OpType:          OpFlushNotification,
		ClientID:        clientID,
		FlushOffsetData: dataRecords,
		FlushOffsetOps:  flushOffsetOps,
		CleanOffsetOps:  cleanOffsetOps,
	}
}

func (m Message) String() string {
	if m.OpType.IsControl() {
		return fmt.Sprintf("%s{client=%d data=%d flushOps=%d cleanOps=%d}",
			m.OpType, m.ClientID, m.FlushOffsetData, m.FlushOffsetOps, m.CleanOffsetOps)
	}
	return fmt.Sprintf("%s{client=%d op=%d key=%q}", m.OpType, m.ClientID, m.OpID, m.Key)
}
