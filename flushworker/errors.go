package flushworker

import (
	"fmt"
	"time"

	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
)

// ProtocolError reports a broken invariant of the flush protocol: non-monotonic
// control channel offsets, a commit for an unregistered request or a readback
// mismatch. It is never retried.
type ProtocolError struct {
	Partition sharedlog.TopicPartition
	Msg       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("flush protocol violation on %s: %s", e.Partition, e.Msg)
}

func protocolErrorf(tp sharedlog.TopicPartition, format string, args ...any) error {
	return &ProtocolError{Partition: tp, Msg: fmt.Sprintf(format, args...)}
}

// ReadbackTimeoutError is returned when committed data records could not all be
// read back within the time budget.
type ReadbackTimeoutError struct {
	Partition sharedlog.TopicPartition
	Elapsed   time.Duration
	Unmatched int
}

func (e *ReadbackTimeoutError) Error() string {
	return fmt.Sprintf("failed after %s reading back %s: %d records not found",
		e.Elapsed, e.Partition, e.Unmatched)
}

// IsFatal reports whether err must stop the worker instead of being retried.
func IsFatal(err error) bool {
	var pe *ProtocolError
	var te *ReadbackTimeoutError
	return errors.As(err, &pe) || errors.As(err, &te)
}
