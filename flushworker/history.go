package flushworker

import (
	"context"
	"time"

	"github.com/chn0318/replicamap/sharedlog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// LoadFlushHistoryMax scans at most historyRecs records of tp before and
// including lastOffset and returns the request with the highest
// FlushOffsetOps, or nil if there is none. The consumer is left positioned at
// lastOffset+1.
func LoadFlushHistoryMax(ctx context.Context, clock clockwork.Clock, c sharedlog.Consumer,
	tp sharedlog.TopicPartition, lastOffset int64, historyRecs int, timeout time.Duration,
) (*FlushRequest, error) {
	begin, err := c.BeginningOffset(tp)
	if err != nil {
		return nil, errors.Wrapf(err, "beginning offset of %s", tp)
	}
	end, err := c.EndOffset(tp)
	if err != nil {
		return nil, errors.Wrapf(err, "end offset of %s", tp)
	}
	lastOffset = min(lastOffset, end-1)
	if lastOffset < begin {
		return nil, nil
	}

	if err := c.Seek(tp, max(begin, lastOffset-int64(historyRecs))); err != nil {
		return nil, err
	}

	var best *FlushRequest
	deadline := clock.Now().Add(timeout)
	for {
		pos, err := c.Position(tp)
		if err != nil {
			return nil, err
		}
		if pos > lastOffset {
			break
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil, errors.Errorf("timed out loading flush history of %s at offset %d of %d", tp, pos, lastOffset)
		}
		recs, err := c.Poll(ctx, min(remaining, maxReadbackPoll))
		if err != nil {
			return nil, errors.Wrapf(err, "load flush history of %s", tp)
		}
		for _, rec := range recs {
			if rec.TopicPartition != tp || rec.Offset > lastOffset {
				continue
			}
			req, err := DecodeFlushRequest(rec)
			if err != nil {
				return nil, err
			}
			if best == nil || req.FlushOffsetOps > best.FlushOffsetOps {
				best = &req
			}
		}
	}
	if err := c.Seek(tp, lastOffset+1); err != nil {
		return nil, err
	}
	return best, nil
}
