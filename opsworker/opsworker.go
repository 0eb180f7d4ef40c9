// Package opsworker replays the ops channel into the local map and feeds the
// flush queues.
package opsworker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chn0318/replicamap/flushqueue"
	"github.com/chn0318/replicamap/flushworker"
	"github.com/chn0318/replicamap/mapservice"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const defaultPollTimeout = 100 * time.Millisecond

type Params struct {
	ClientID int64
	Topics   flushworker.Topics

	// StartOffsets holds the first ops offset to replay per partition; its
	// length is the number of partitions.
	StartOffsets []int64
	Map          *mapservice.MapService
	Queues       []*flushqueue.Queue

	CleanRequests chan<- flushworker.CleanRequest

	// FlushPeriodOps makes the replica that wrote the last op of every
	// FlushPeriodOps offsets issue a flush request. Zero disables it.
	FlushPeriodOps int64

	Platform          sharedlog.Platform
	Logger            logrus.FieldLogger
	MetricsRegisterer prometheus.Registerer
	PollTimeout       time.Duration
	BackOff           backoff.BackOff
}

type Worker struct {
	clientID int64
	topics   flushworker.Topics
	start    []int64
	m        *mapservice.MapService
	queues   []*flushqueue.Queue
	writers  []*flushqueue.Writer

	cleanRequests chan<- flushworker.CleanRequest
	flushPeriod   int64

	platform    sharedlog.Platform
	flushes     sharedlog.Appender
	logger      logrus.FieldLogger
	pollTimeout time.Duration
	backOff     backoff.BackOff

	applied       *prometheus.CounterVec
	flushRequests prometheus.Counter

	steady chan struct{}
}

func New(params Params) (*Worker, error) {
	if params.Logger == nil {
		params.Logger = logrus.New()
	}
	if params.PollTimeout <= 0 {
		params.PollTimeout = defaultPollTimeout
	}
	if params.BackOff == nil {
		params.BackOff = backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0))
	}
	w := &Worker{
		clientID:      params.ClientID,
		topics:        params.Topics,
		start:         params.StartOffsets,
		m:             params.Map,
		queues:        params.Queues,
		cleanRequests: params.CleanRequests,
		flushPeriod:   params.FlushPeriodOps,
		platform:      params.Platform,
		logger:        params.Logger.WithField("component", "ops_worker"),
		pollTimeout:   params.PollTimeout,
		backOff:       params.BackOff,
		applied: promauto.With(params.MetricsRegisterer).NewCounterVec(prometheus.CounterOpts{
			Name: "replicamap_ops_applied_total",
			Help: "Ops records applied to the local map",
		}, []string{"op", "updated"}),
		flushRequests: promauto.With(params.MetricsRegisterer).NewCounter(prometheus.CounterOpts{
			Name: "replicamap_flush_requests_issued_total",
			Help: "Flush requests issued by this replica",
		}),
		steady: make(chan struct{}),
	}
	for _, q := range w.queues {
		w.writers = append(w.writers, q.NewWriter())
	}
	var err error
	if w.flushes, err = w.platform.NewAppender(); err != nil {
		return nil, errors.Wrap(err, "create flush appender")
	}
	return w, nil
}

// Steady is closed once the replay caught up with the ops channel.
func (w *Worker) Steady() <-chan struct{} { return w.steady }

// Run replays the ops channel until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	c, err := w.platform.NewConsumer("")
	if err != nil {
		return errors.Wrap(err, "create ops consumer")
	}
	defer c.Close()

	ends := make(map[sharedlog.TopicPartition]int64, len(w.start))
	for part, off := range w.start {
		tp := sharedlog.NewTopicPartition(w.topics.Ops, int32(part))
		if err := c.Assign(tp); err != nil {
			return errors.Wrapf(err, "assign %s", tp)
		}
		if err := c.Seek(tp, off); err != nil {
			return errors.Wrapf(err, "seek %s to %d", tp, off)
		}
		end, err := c.EndOffset(tp)
		if err != nil {
			return errors.Wrapf(err, "end offset of %s", tp)
		}
		ends[tp] = end
	}
	w.logger.WithField("start_offsets", w.start).Info("replaying ops")

	for ctx.Err() == nil {
		var recs []sharedlog.Record
		err := backoff.Retry(func() error {
			var err error
			if recs, err = c.Poll(ctx, w.pollTimeout); err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				w.logger.WithError(err).Warn("failed to poll ops")
			}
			return err
		}, backoff.WithContext(w.backOff, ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "poll ops")
		}

		if len(recs) == 0 {
			// Idle: settle everything staged so that flushes see it.
			for _, wr := range w.writers {
				wr.Merge()
			}
			w.markSteady()
			continue
		}
		for _, rec := range recs {
			if err := w.apply(ctx, rec); err != nil {
				return err
			}
		}
		if w.caughtUp(c, ends) {
			w.markSteady()
		}
	}
	return nil
}

func (w *Worker) apply(ctx context.Context, rec sharedlog.Record) error {
	part := rec.Partition
	wr := w.writers[part]
	logger := w.logger.WithFields(logrus.Fields{"partition": part, "offset": rec.Offset})

	msg, err := opmsg.Decode(rec.Value)
	if err != nil {
		logger.WithError(err).Error("skipping undecodable op")
		w.m.SetAppliedOffset(part, rec.Offset)
		wr.Add(flushqueue.Entry{Offset: rec.Offset}, false, false)
		return nil
	}

	res, err := w.m.Apply(part, rec.Offset, msg)
	if err != nil {
		logger.WithError(err).WithField("op", msg.OpType).Error("failed to apply op")
	}
	w.applied.WithLabelValues(msg.OpType.String(), boolLabel(res.Updated)).Inc()
	wr.Add(flushqueue.Entry{Key: msg.Key, Value: res.Value, Offset: rec.Offset}, res.Updated, false)

	if msg.OpType == opmsg.OpFlushNotification {
		req := flushworker.CleanRequest{Partition: part, ClientID: msg.ClientID, FlushOffsetOps: msg.FlushOffsetOps}
		select {
		case w.cleanRequests <- req:
		case <-ctx.Done():
			return nil
		}
	}

	if w.flushPeriod > 0 && msg.ClientID == w.clientID && (rec.Offset+1)%w.flushPeriod == 0 {
		if err := w.RequestFlush(ctx, part, rec.Offset); err != nil {
			// The next period issues a newer request.
			logger.WithError(err).Warn("failed to issue flush request")
		}
	}
	return nil
}

// Close releases the flush appender.
func (w *Worker) Close() error {
	return w.flushes.Close()
}

// RequestFlush appends a flush request for ops partition part up to
// flushOffsetOps to the flush channel. It is safe to call concurrently with Run.
func (w *Worker) RequestFlush(ctx context.Context, part int32, flushOffsetOps int64) error {
	val, err := opmsg.Encode(opmsg.NewFlushRequest(w.clientID, flushOffsetOps, w.queues[part].MaxCleanOffset()))
	if err != nil {
		return err
	}
	tp := sharedlog.NewTopicPartition(w.topics.Flush, part)
	if _, err := w.flushes.Append(ctx, sharedlog.NewMessage(tp, nil, val)); err != nil {
		return errors.Wrapf(err, "append flush request to %s", tp)
	}
	w.flushRequests.Inc()
	w.logger.WithFields(logrus.Fields{"partition": part, "flush_offset_ops": flushOffsetOps}).Debug("issued flush request")
	return nil
}

func (w *Worker) caughtUp(c sharedlog.Consumer, ends map[sharedlog.TopicPartition]int64) bool {
	for tp, end := range ends {
		pos, err := c.Position(tp)
		if err != nil || pos < end {
			return false
		}
	}
	return true
}

func (w *Worker) markSteady() {
	select {
	case <-w.steady:
	default:
		w.logger.Info("ops replay is steady")
		close(w.steady)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
