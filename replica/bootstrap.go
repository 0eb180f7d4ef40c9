package replica

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxBootstrapAttempts = 10

// Bootstrap loads the compacted data of every partition into the map and
// returns the ops offsets replay has to start from. Each ops partition resumes
// right after the newest flush notification and its queue is cleaned up to
// the flushed offset.
func (m *Manager) Bootstrap(ctx context.Context) ([]int64, error) {
	starts := make([]int64, m.partitions)
	for part := int32(0); part < m.partitions; part++ {
		start, err := m.bootstrapPartition(ctx, part)
		if err != nil {
			return nil, err
		}
		starts[part] = start
	}
	return starts, nil
}

func (m *Manager) bootstrapPartition(ctx context.Context, part int32) (int64, error) {
	opsTP := sharedlog.NewTopicPartition(m.topics.Ops, part)
	dataTP := sharedlog.NewTopicPartition(m.topics.Data, part)
	opsC, err := m.assignedConsumer(opsTP)
	if err != nil {
		return 0, err
	}
	defer opsC.Close()
	dataC, err := m.assignedConsumer(dataTP)
	if err != nil {
		return 0, err
	}
	defer dataC.Close()
	logger := m.logger.WithField("partition", part)

	// The data end must not move while the newest notification is searched,
	// otherwise data and notification may belong to different flushes.
	var (
		dataEnd int64
		flushed = int64(-1)
		stable  bool
	)
	for attempt := 0; attempt < maxBootstrapAttempts && !stable; attempt++ {
		if dataEnd, err = dataC.EndOffset(dataTP); err != nil {
			return 0, errors.Wrapf(err, "end offset of %s", dataTP)
		}
		if flushed, err = m.lastFlushedOffset(ctx, opsC, opsTP); err != nil {
			return 0, err
		}
		end, err := dataC.EndOffset(dataTP)
		if err != nil {
			return 0, errors.Wrapf(err, "end offset of %s", dataTP)
		}
		stable = end == dataEnd
	}
	if !stable {
		return 0, errors.Errorf("data of partition %d kept changing during bootstrap", part)
	}

	begin, err := dataC.BeginningOffset(dataTP)
	if err != nil {
		return 0, errors.Wrapf(err, "beginning offset of %s", dataTP)
	}
	loaded := 0
	err = m.readRange(ctx, dataC, dataTP, begin, dataEnd, func(rec sharedlog.Record) {
		m.m.Load(rec.Key, rec.Value)
		loaded++
	})
	if err != nil {
		return 0, err
	}

	start := flushed + 1
	if flushed < 0 {
		if start, err = opsC.BeginningOffset(opsTP); err != nil {
			return 0, errors.Wrapf(err, "beginning offset of %s", opsTP)
		}
	} else {
		m.m.SetAppliedOffset(part, flushed)
		m.queues[part].Clean(flushed)
	}
	logger.WithFields(logrus.Fields{
		"data_records":     loaded,
		"flush_offset_ops": flushed,
		"replay_from":      start,
	}).Info("bootstrapped partition")
	return start, nil
}

// lastFlushedOffset returns the FlushOffsetOps of the newest flush
// notification of tp, or -1. The search window starts at historyRecords and
// doubles until a notification is found or the beginning is reached.
func (m *Manager) lastFlushedOffset(ctx context.Context, c sharedlog.Consumer, tp sharedlog.TopicPartition) (int64, error) {
	begin, err := c.BeginningOffset(tp)
	if err != nil {
		return -1, errors.Wrapf(err, "beginning offset of %s", tp)
	}
	end, err := c.EndOffset(tp)
	if err != nil {
		return -1, errors.Wrapf(err, "end offset of %s", tp)
	}

	flushed := int64(-1)
	for window := int64(max(m.historyRecords, 1)); ; window *= 2 {
		from := max(begin, end-window)
		err := m.readRange(ctx, c, tp, from, end, func(rec sharedlog.Record) {
			msg, err := opmsg.Decode(rec.Value)
			if err == nil && msg.OpType == opmsg.OpFlushNotification {
				flushed = max(flushed, msg.FlushOffsetOps)
			}
		})
		if err != nil {
			return -1, err
		}
		if flushed >= 0 || from == begin {
			return flushed, nil
		}
		end = from
	}
}

func (m *Manager) assignedConsumer(tp sharedlog.TopicPartition) (sharedlog.Consumer, error) {
	c, err := m.platform.NewConsumer("")
	if err != nil {
		return nil, errors.Wrap(err, "create bootstrap consumer")
	}
	if err := c.Assign(tp); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "assign %s", tp)
	}
	return c, nil
}

// readRange calls fn for the records of tp in [from, end). Reading also stops
// at an empty poll: transaction markers can keep the position below end.
func (m *Manager) readRange(ctx context.Context, c sharedlog.Consumer, tp sharedlog.TopicPartition,
	from, end int64, fn func(sharedlog.Record),
) error {
	if from >= end {
		return nil
	}
	if err := c.Seek(tp, from); err != nil {
		return errors.Wrapf(err, "seek %s to %d", tp, from)
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(m.bootstrapTimeout)), ctx)
	for {
		pos, err := c.Position(tp)
		if err != nil {
			return err
		}
		if pos >= end {
			return nil
		}
		var recs []sharedlog.Record
		err = backoff.Retry(func() error {
			var err error
			recs, err = c.Poll(ctx, m.pollTimeout)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, b)
		if err != nil {
			return errors.Wrapf(err, "read %s", tp)
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if rec.TopicPartition != tp || rec.Offset >= end {
				continue
			}
			fn(rec)
		}
	}
}
