// Package flushworker compacts the ops log. For every owned partition it reads
// flush requests from the flush channel, writes the latest value of every key
// updated up to the requested offset to the data channel in one transaction
// together with a flush notification on the ops channel, verifies the write by
// reading it back and then reclaims the flush queue.
package flushworker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chn0318/replicamap/flushqueue"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const minPollTimeout = time.Millisecond

// CleanRequest asks to clean the flush queue of Partition up to FlushOffsetOps.
// The ops worker sends one for every flush notification it reads.
type CleanRequest struct {
	Partition      int32
	ClientID       int64
	FlushOffsetOps int64
}

// Topics names the three channels.
type Topics struct {
	Ops   string
	Flush string
	Data  string
}

type Params struct {
	ClientID int64
	Topics   Topics
	Group    string

	// Partitions this worker flushes. Clean requests are applied to every queue.
	Partitions []int32
	Queues     []*flushqueue.Queue

	CleanRequests <-chan CleanRequest
	// Steady is closed once the ops worker has caught up with the ops channel.
	Steady <-chan struct{}

	Platform          sharedlog.Platform
	Clock             clockwork.Clock
	Logger            logrus.FieldLogger
	MetricsRegisterer prometheus.Registerer

	HistoryRecords  int
	MaxPollTimeout  time.Duration
	ReadbackTimeout time.Duration
	SteadyTimeout   time.Duration
}

// partition holds the compaction state of one owned partition.
type partition struct {
	index  int32
	opsTP  sharedlog.TopicPartition
	flush  sharedlog.TopicPartition
	dataTP sharedlog.TopicPartition
	txID   string

	reqs          *UnprocessedFlushRequests
	flushConsumer sharedlog.Consumer
	dataConsumer  sharedlog.Consumer
	producer      sharedlog.TxProducer

	logger logrus.FieldLogger
}

type Worker struct {
	clientID int64
	queues   []*flushqueue.Queue
	parts    map[int32]*partition
	order    []int32

	cleanRequests <-chan CleanRequest
	steady        <-chan struct{}

	platform sharedlog.Platform
	group    string
	clock    clockwork.Clock
	logger   logrus.FieldLogger
	metrics  *metrics

	historyRecords  int
	maxPollTimeout  time.Duration
	readbackTimeout time.Duration
	steadyTimeout   time.Duration
}

func New(params Params) *Worker {
	if params.Clock == nil {
		params.Clock = clockwork.NewRealClock()
	}
	if params.Logger == nil {
		params.Logger = logrus.New()
	}
	if params.MaxPollTimeout < minPollTimeout {
		params.MaxPollTimeout = minPollTimeout
	}

	w := &Worker{
		clientID:        params.ClientID,
		queues:          params.Queues,
		parts:           make(map[int32]*partition, len(params.Partitions)),
		cleanRequests:   params.CleanRequests,
		steady:          params.Steady,
		platform:        params.Platform,
		group:           params.Group,
		clock:           params.Clock,
		logger:          params.Logger.WithField("component", "flush_worker"),
		metrics:         newMetrics(params.MetricsRegisterer),
		historyRecords:  params.HistoryRecords,
		maxPollTimeout:  params.MaxPollTimeout,
		readbackTimeout: params.ReadbackTimeout,
		steadyTimeout:   params.SteadyTimeout,
	}
	for _, p := range params.Partitions {
		w.order = append(w.order, p)
		w.parts[p] = &partition{
			index:  p,
			opsTP:  sharedlog.NewTopicPartition(params.Topics.Ops, p),
			flush:  sharedlog.NewTopicPartition(params.Topics.Flush, p),
			dataTP: sharedlog.NewTopicPartition(params.Topics.Data, p),
			// Shared by every replica so that only one of them can flush a partition.
			txID:   fmt.Sprintf("%s-data-%d", params.Group, p),
			logger: w.logger.WithField("partition", p),
		}
	}
	return w
}

// Run processes clean and flush requests until ctx is done. It returns the
// first protocol violation.
func (w *Worker) Run(ctx context.Context) error {
	defer w.Close()

	timeout := minPollTimeout
	for {
		cleaned := w.ProcessCleanRequests()

		flushed := false
		if w.AwaitOpsWorkersSteady(ctx, w.steadyTimeout) {
			for _, p := range w.order {
				ok, err := w.ProcessFlushRequests(ctx, p)
				if err != nil {
					w.logger.WithError(err).WithField("partition", p).Error("flush worker stopped")
					return err
				}
				flushed = flushed || ok
			}
		}
		w.updateQueueMetrics()

		timeout = w.UpdatePollTimeout(timeout, flushed, cleaned > 0)
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(timeout):
		}
	}
}

// AwaitOpsWorkersSteady waits up to timeout for the steady signal.
func (w *Worker) AwaitOpsWorkersSteady(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-w.steady:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	select {
	case <-w.steady:
		return true
	case <-ctx.Done():
		return false
	case <-w.clock.After(timeout):
		return false
	}
}

// UpdatePollTimeout returns the next poll timeout: the minimum if work was
// found or a reset is forced, otherwise double the current one up to the
// configured maximum.
func (w *Worker) UpdatePollTimeout(cur time.Duration, hadWork, forceReset bool) time.Duration {
	if forceReset || hadWork {
		return minPollTimeout
	}
	return min(2*cur, w.maxPollTimeout)
}

// ProcessCleanRequests drains pending clean requests without blocking and
// returns how many were applied.
func (w *Worker) ProcessCleanRequests() int {
	n := 0
	for {
		select {
		case req, ok := <-w.cleanRequests:
			if !ok {
				return n
			}
			if w.clean(req) {
				n++
			}
		default:
			return n
		}
	}
}

func (w *Worker) clean(req CleanRequest) bool {
	if int(req.Partition) >= len(w.queues) || req.Partition < 0 {
		w.logger.WithField("partition", req.Partition).Warn("clean request for unknown partition")
		return false
	}
	q := w.queues[req.Partition]
	cleaned := q.Clean(req.FlushOffsetOps)
	w.metrics.cleanRequests.Inc()
	w.logger.WithFields(logrus.Fields{
		"partition":        req.Partition,
		"client_id":        req.ClientID,
		"flush_offset_ops": req.FlushOffsetOps,
		"cleaned":          cleaned,
	}).Debug("applied clean request")
	return true
}

// ProcessFlushRequests runs one flush attempt for partition part. It returns
// true if a flush request was completed. Transient failures are logged and
// reported as false; the attempt is retried by the next call. Only protocol
// violations are returned as errors.
func (w *Worker) ProcessFlushRequests(ctx context.Context, part int32) (bool, error) {
	select {
	case <-w.steady:
	default:
		return false, nil
	}
	p, ok := w.parts[part]
	if !ok {
		return false, errors.Errorf("partition %d is not owned by this flush worker", part)
	}

	if err := w.pollFlushRequests(ctx, p); err != nil {
		if IsFatal(err) {
			return false, err
		}
		p.logger.WithError(err).Warn("failed to poll flush requests")
		w.resetConsumers(p)
		return false, nil
	}

	target, ok := p.reqs.MaxFlushOffsetOps()
	if !ok {
		return false, nil
	}
	q := w.queues[part]

	if cleaned := max(q.MaxCleanOffset(), p.reqs.MaxCleanOffsetOps()); cleaned >= target {
		// Some replica already flushed past the target.
		q.Clean(target)
		if err := w.complete(p, target); err != nil {
			return false, err
		}
		w.metrics.flushes.WithLabelValues("skipped").Inc()
		p.logger.WithFields(logrus.Fields{
			"flush_offset_ops": target,
			"clean_offset_ops": cleaned,
		}).Debug("flush request already satisfied")
		return true, nil
	}

	batch := q.Collect(target)
	if added := q.MaxAddOffset(); added < target {
		// Replay has not reached the target yet; flushing now would drop the
		// updates in between.
		p.logger.WithFields(logrus.Fields{
			"flush_offset_ops": target,
			"max_add_offset":   added,
		}).Debug("flush deferred until replay catches up")
		return false, nil
	}
	if batch.IsEmpty() {
		return false, nil
	}

	if err := w.flush(ctx, p, q, batch, target); err != nil {
		if IsFatal(err) {
			w.metrics.flushes.WithLabelValues("failed").Inc()
			return false, err
		}
		w.metrics.flushes.WithLabelValues("aborted").Inc()
		p.logger.WithError(err).WithField("flush_offset_ops", target).Warn("flush aborted")
		return false, nil
	}

	q.Clean(batch.MaxOffset())
	if err := w.complete(p, target); err != nil {
		return false, err
	}
	w.metrics.flushes.WithLabelValues("ok").Inc()
	w.metrics.dataRecords.Add(float64(batch.Size()))
	p.logger.WithFields(logrus.Fields{
		"flush_offset_ops": target,
		"records":          batch.Size(),
		"collected":        batch.CollectedAll(),
		"max_offset":       batch.MaxOffset(),
	}).Info("flushed")
	return true, nil
}

// pollFlushRequests registers newly arrived flush requests, initializing the
// bookkeeping from the flush history first if needed.
func (w *Worker) pollFlushRequests(ctx context.Context, p *partition) error {
	if p.reqs == nil {
		if err := w.InitUnprocessedFlushRequests(ctx, p.index); err != nil {
			return err
		}
	}
	recs, err := p.flushConsumer.Poll(ctx, 0)
	if err != nil {
		return err
	}
	reqs := make([]FlushRequest, 0, len(recs))
	for _, rec := range recs {
		if rec.TopicPartition != p.flush {
			continue
		}
		req, err := DecodeFlushRequest(rec)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	return p.reqs.AddFlushRequests(reqs)
}

// InitUnprocessedFlushRequests positions the flush consumer of part at the
// committed group offset and restores the highest flush request processed so
// far from the flush history.
func (w *Worker) InitUnprocessedFlushRequests(ctx context.Context, part int32) error {
	p, ok := w.parts[part]
	if !ok {
		return errors.Errorf("partition %d is not owned by this flush worker", part)
	}
	if p.flushConsumer == nil {
		c, err := w.platform.NewConsumer(w.group)
		if err != nil {
			return errors.Wrap(err, "create flush consumer")
		}
		if err := c.Assign(p.flush); err != nil {
			c.Close()
			return errors.Wrapf(err, "assign %s", p.flush)
		}
		p.flushConsumer = c
	}
	c := p.flushConsumer

	committed, err := c.Committed(p.flush)
	if err != nil {
		return errors.Wrapf(err, "committed offset of %s", p.flush)
	}
	if committed == sharedlog.NoOffset {
		if committed, err = c.BeginningOffset(p.flush); err != nil {
			return errors.Wrapf(err, "beginning offset of %s", p.flush)
		}
	}

	hist, err := LoadFlushHistoryMax(ctx, w.clock, c, p.flush, committed-1, w.historyRecords, w.readbackTimeout)
	if err != nil {
		return err
	}
	if err := c.Seek(p.flush, committed); err != nil {
		return err
	}
	maxFlushOffsetOps := int64(-1)
	if hist != nil {
		maxFlushOffsetOps = hist.FlushOffsetOps
	}
	p.reqs = NewUnprocessedFlushRequests(p.flush, committed-1, maxFlushOffsetOps)
	p.logger.WithFields(logrus.Fields{
		"committed":            committed,
		"max_flush_offset_ops": maxFlushOffsetOps,
	}).Info("initialized flush requests")
	return nil
}

// flush writes batch and the flush notification in one transaction and reads
// the data back. On failure nothing was committed and the state is untouched.
func (w *Worker) flush(ctx context.Context, p *partition, q *flushqueue.Queue, batch *flushqueue.Batch, target int64) error {
	producer, err := w.producer(p)
	if err != nil {
		return err
	}
	if err := producer.BeginTxn(); err != nil {
		w.resetProducer(p, err)
		return errors.Wrap(err, "begin transaction")
	}

	expected := make(map[string][]byte, batch.Size())
	first, last := int64(-1), int64(-1)
	send := func() error {
		for _, e := range batch.Entries() {
			off, err := producer.Send(ctx, sharedlog.NewMessage(p.dataTP, e.Key, e.Value))
			if err != nil {
				return errors.Wrapf(err, "send to %s", p.dataTP)
			}
			if first < 0 {
				first = off
			}
			last = off
			expected[string(e.Key)] = e.Value
		}
		notif, err := opmsg.Encode(opmsg.NewFlushNotification(w.clientID,
			int64(batch.Size()), target, q.MaxCleanOffset()))
		if err != nil {
			return err
		}
		if _, err := producer.Send(ctx, sharedlog.NewMessage(p.opsTP, nil, notif)); err != nil {
			return errors.Wrapf(err, "send flush notification to %s", p.opsTP)
		}
		return errors.Wrap(producer.CommitTxn(ctx), "commit transaction")
	}
	if err := send(); err != nil {
		if !errors.Is(err, sharedlog.ErrFenced) {
			if aerr := producer.AbortTxn(ctx); aerr != nil {
				p.logger.WithError(aerr).Warn("failed to abort transaction")
				err = aerr
			}
		}
		w.resetProducer(p, err)
		return err
	}

	start := time.Now()
	defer func() { w.metrics.readback.Observe(time.Since(start).Seconds()) }()
	c, err := w.dataConsumer(p)
	if err != nil {
		return err
	}
	if err := c.Seek(p.dataTP, first); err != nil {
		return errors.Wrapf(err, "seek %s for read back", p.dataTP)
	}
	return ReadBackAndCheckCommittedRecords(ctx, w.clock, c, p.dataTP, expected, last, w.readbackTimeout)
}

// complete commits the flush consumer past the request for target and drops
// every request it satisfies.
func (w *Worker) complete(p *partition, target int64) error {
	offset, err := p.reqs.FlushConsumerOffsetToCommit(target)
	if err != nil {
		return err
	}
	if err := p.flushConsumer.Commit(p.flush, offset); err != nil {
		// Retried with the next request; flushing the same range again is idempotent.
		p.logger.WithError(err).WithField("offset", offset).Warn("failed to commit flush consumer")
		return nil
	}
	p.reqs.ClearUntil(target)
	return nil
}

func (w *Worker) producer(p *partition) (sharedlog.TxProducer, error) {
	if p.producer != nil {
		return p.producer, nil
	}
	producer, err := w.platform.NewTxProducer(p.txID)
	if err != nil {
		return nil, errors.Wrapf(err, "create producer %s", p.txID)
	}
	p.producer = producer
	return producer, nil
}

// resetProducer drops a producer that can not continue after err, so that the
// next attempt creates a fresh one.
func (w *Worker) resetProducer(p *partition, err error) {
	if !errors.Is(err, sharedlog.ErrFenced) && !errors.Is(err, sharedlog.ErrClosed) {
		return
	}
	p.logger.WithError(err).Warn("resetting data producer")
	if p.producer != nil {
		p.producer.Close()
		p.producer = nil
	}
}

func (w *Worker) dataConsumer(p *partition) (sharedlog.Consumer, error) {
	if p.dataConsumer != nil {
		return p.dataConsumer, nil
	}
	c, err := w.platform.NewConsumer("")
	if err != nil {
		return nil, errors.Wrap(err, "create data consumer")
	}
	if err := c.Assign(p.dataTP); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "assign %s", p.dataTP)
	}
	p.dataConsumer = c
	return c, nil
}

// resetConsumers closes the flush consumer and forgets the bookkeeping; both
// are restored from the committed offset and history on the next attempt.
func (w *Worker) resetConsumers(p *partition) {
	if p.flushConsumer != nil {
		p.flushConsumer.Close()
		p.flushConsumer = nil
	}
	p.reqs = nil
}

func (w *Worker) updateQueueMetrics() {
	for i, q := range w.queues {
		part := strconv.Itoa(i)
		w.metrics.queueSize.WithLabelValues(part).Set(float64(q.Size()))
		w.metrics.maxAddOffset.WithLabelValues(part).Set(float64(q.MaxAddOffset()))
		w.metrics.maxCleanOffset.WithLabelValues(part).Set(float64(q.MaxCleanOffset()))
	}
}

// Close releases producers and consumers of all partitions.
func (w *Worker) Close() {
	for _, p := range w.parts {
		w.resetConsumers(p)
		if p.dataConsumer != nil {
			p.dataConsumer.Close()
			p.dataConsumer = nil
		}
		if p.producer != nil {
			p.producer.Close()
			p.producer = nil
		}
	}
}
