package flushworker

import (
	"bytes"
	"context"
	"time"

	"github.com/chn0318/replicamap/sharedlog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

const maxReadbackPoll = 100 * time.Millisecond

// ReadBackAndCheckCommittedRecords reads tp forward from the consumer position
// and matches every record against expected, keyed by record key. Matched
// entries are removed from expected. Any record with an unexpected key or
// value, or past lastOffset, is a protocol violation. If expected is not
// drained within timeout a *ReadbackTimeoutError is returned.
func ReadBackAndCheckCommittedRecords(ctx context.Context, clock clockwork.Clock, c sharedlog.Consumer,
	tp sharedlog.TopicPartition, expected map[string][]byte, lastOffset int64, timeout time.Duration,
) error {
	start := clock.Now()
	for len(expected) > 0 {
		remaining := timeout - clock.Since(start)
		if remaining <= 0 {
			return &ReadbackTimeoutError{Partition: tp, Elapsed: clock.Since(start), Unmatched: len(expected)}
		}
		recs, err := c.Poll(ctx, min(remaining, maxReadbackPoll))
		if err != nil {
			return errors.Wrapf(err, "read back %s", tp)
		}
		for _, rec := range recs {
			if rec.TopicPartition != tp {
				continue
			}
			if rec.Offset > lastOffset {
				return protocolErrorf(tp, "read back record at offset %d past last written offset %d",
					rec.Offset, lastOffset)
			}
			want, ok := expected[string(rec.Key)]
			if !ok {
				return protocolErrorf(tp, "read back unexpected key %q at offset %d", rec.Key, rec.Offset)
			}
			if !sameValue(want, rec.Value) {
				return protocolErrorf(tp, "read back value %q for key %q at offset %d, expected %q",
					rec.Value, rec.Key, rec.Offset, want)
			}
			delete(expected, string(rec.Key))
		}
	}
	return nil
}

// sameValue compares values keeping nil (a removal) apart from empty.
func sameValue(a, b []byte) bool {
	return (a == nil) == (b == nil) && bytes.Equal(a, b)
}
