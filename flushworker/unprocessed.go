package flushworker

import (
	"fmt"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
)

// FlushRequest is a flush request read from the control channel.
type FlushRequest struct {
	Offset         int64 // Offset of the record in the control channel.
	ClientID       int64
	FlushOffsetOps int64
	CleanOffsetOps int64
}

// DecodeFlushRequest parses a control channel record.
func DecodeFlushRequest(rec sharedlog.Record) (FlushRequest, error) {
	msg, err := opmsg.Decode(rec.Value)
	if err != nil {
		return FlushRequest{}, protocolErrorf(rec.TopicPartition, "offset %d: %v", rec.Offset, err)
	}
	if msg.OpType != opmsg.OpFlushRequest {
		return FlushRequest{}, protocolErrorf(rec.TopicPartition,
			"unexpected %s at offset %d", msg.OpType, rec.Offset)
	}
	return FlushRequest{
		Offset:         rec.Offset,
		ClientID:       msg.ClientID,
		FlushOffsetOps: msg.FlushOffsetOps,
		CleanOffsetOps: msg.CleanOffsetOps,
	}, nil
}

// UnprocessedFlushRequests keeps the flush requests of one control channel
// partition that were read but not yet completed, ordered by FlushOffsetOps.
// It is not safe for concurrent use.
type UnprocessedFlushRequests struct {
	part              sharedlog.TopicPartition
	reqs              []FlushRequest
	maxFlushReqOffset int64
	maxFlushOffsetOps int64
}

func NewUnprocessedFlushRequests(part sharedlog.TopicPartition, maxFlushReqOffset, maxFlushOffsetOps int64) *UnprocessedFlushRequests {
	return &UnprocessedFlushRequests{
		part:              part,
		maxFlushReqOffset: maxFlushReqOffset,
		maxFlushOffsetOps: maxFlushOffsetOps,
	}
}

// AddFlushRequests registers requests in channel order. Requests not advancing
// FlushOffsetOps are dropped: they are duplicates or already superseded, and
// keeping them would make offsets impossible to commit in order.
func (u *UnprocessedFlushRequests) AddFlushRequests(reqs []FlushRequest) error {
	for _, r := range reqs {
		if r.Offset <= u.maxFlushReqOffset {
			return protocolErrorf(u.part, "flush request offset %d must be higher than %d",
				r.Offset, u.maxFlushReqOffset)
		}
		if r.FlushOffsetOps > u.maxFlushOffsetOps {
			u.reqs = append(u.reqs, r)
			u.maxFlushReqOffset = r.Offset
			u.maxFlushOffsetOps = r.FlushOffsetOps
		}
	}
	return nil
}

// FlushConsumerOffsetToCommit returns the control channel offset to resume from
// once the request for flushOffsetOps is done.
func (u *UnprocessedFlushRequests) FlushConsumerOffsetToCommit(flushOffsetOps int64) (int64, error) {
	for _, r := range u.reqs {
		if r.FlushOffsetOps == flushOffsetOps {
			return r.Offset + 1, nil
		}
	}
	return 0, protocolErrorf(u.part, "no flush request with ops offset %d", flushOffsetOps)
}

// MaxCleanOffsetOps returns the highest CleanOffsetOps of the pending requests,
// or -1 if there are none.
func (u *UnprocessedFlushRequests) MaxCleanOffsetOps() int64 {
	m := int64(-1)
	for _, r := range u.reqs {
		m = max(m, r.CleanOffsetOps)
	}
	return m
}

// MaxFlushOffsetOps returns the flush target: the FlushOffsetOps of the newest
// pending request, which supersedes all the others.
func (u *UnprocessedFlushRequests) MaxFlushOffsetOps() (int64, bool) {
	if len(u.reqs) == 0 {
		return 0, false
	}
	return u.reqs[len(u.reqs)-1].FlushOffsetOps, true
}

// ClearUntil drops requests from the head while their FlushOffsetOps is not
// above maxFlushOffsetOps and returns how many were dropped.
func (u *UnprocessedFlushRequests) ClearUntil(maxFlushOffsetOps int64) int {
	n := 0
	for n < len(u.reqs) && u.reqs[n].FlushOffsetOps <= maxFlushOffsetOps {
		n++
	}
	u.reqs = u.reqs[n:]
	return n
}

func (u *UnprocessedFlushRequests) IsEmpty() bool { return len(u.reqs) == 0 }

func (u *UnprocessedFlushRequests) Size() int { return len(u.reqs) }

func (u *UnprocessedFlushRequests) String() string {
	return fmt.Sprintf("UnprocessedFlushRequests{part=%s size=%d maxFlushOffsetOps=%d maxFlushReqOffset=%d}",
		u.part, len(u.reqs), u.maxFlushOffsetOps, u.maxFlushReqOffset)
}
