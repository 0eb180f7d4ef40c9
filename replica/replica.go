// Package replica runs one node of the replicated map: it bootstraps the map
// from the data channel, replays the ops channel and compacts the partitions
// it owns.
package replica

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/chn0318/replicamap/config"
	"github.com/chn0318/replicamap/flushqueue"
	"github.com/chn0318/replicamap/flushworker"
	"github.com/chn0318/replicamap/mapservice"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/opsworker"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBootstrapTimeout = 30 * time.Second
	bootstrapPollTimeout    = 100 * time.Millisecond
)

var (
	ErrNotStarted       = errors.New("replica: not started")
	ErrUnknownPartition = errors.New("replica: unknown partition")
)

type Params struct {
	Config   config.Config
	Platform sharedlog.Platform

	// ClientID identifies this replica in the ops it writes. Zero picks a
	// random one.
	ClientID int64

	Clock             clockwork.Clock
	Logger            logrus.FieldLogger
	MetricsRegisterer prometheus.Registerer
	BootstrapTimeout  time.Duration
}

// Manager owns the map, the flush queues and the workers of a replica.
type Manager struct {
	cfg        config.Config
	platform   sharedlog.Platform
	clientID   int64
	partitions int32
	topics     flushworker.Topics

	m             *mapservice.MapService
	queues        []*flushqueue.Queue
	cleanRequests chan flushworker.CleanRequest

	clock    clockwork.Clock
	logger   logrus.FieldLogger
	registry prometheus.Registerer

	historyRecords   int
	bootstrapTimeout time.Duration
	pollTimeout      time.Duration

	opID     atomic.Int64
	appender sharedlog.Appender
	ops      *opsworker.Worker
	flush    *flushworker.Worker
	group    *errgroup.Group
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func New(params Params) *Manager {
	if params.Logger == nil {
		params.Logger = logrus.New()
	}
	if params.Clock == nil {
		params.Clock = clockwork.NewRealClock()
	}
	if params.ClientID == 0 {
		params.ClientID = NewClientID()
	}
	if params.BootstrapTimeout <= 0 {
		params.BootstrapTimeout = defaultBootstrapTimeout
	}
	cfg := params.Config
	m := &Manager{
		cfg:        cfg,
		platform:   params.Platform,
		clientID:   params.ClientID,
		partitions: cfg.Partitions,
		topics: flushworker.Topics{
			Ops:   cfg.Topics.Ops,
			Flush: cfg.Topics.Flush,
			Data:  cfg.Topics.Data,
		},
		m:                mapservice.NewMapService(cfg.Partitions),
		cleanRequests:    make(chan flushworker.CleanRequest, cfg.CleanQueueSize),
		clock:            params.Clock,
		logger:           params.Logger.WithFields(logrus.Fields{"component": "replica", "client_id": params.ClientID}),
		registry:         params.MetricsRegisterer,
		historyRecords:   cfg.Flush.HistoryRecords,
		bootstrapTimeout: params.BootstrapTimeout,
		pollTimeout:      bootstrapPollTimeout,
	}
	for p := int32(0); p < cfg.Partitions; p++ {
		m.queues = append(m.queues, flushqueue.New(flushqueue.WithForceMergeEvery(cfg.Queue.ForceMergeEvery)))
	}
	return m
}

// NewClientID returns a random positive client id.
func NewClientID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
}

// PartitionFor returns the ops partition of key.
func PartitionFor(key []byte, partitions int32) int32 {
	return int32(xxhash.Sum64(key) % uint64(partitions))
}

// ClientID returns the id this replica writes ops with.
func (m *Manager) ClientID() int64 { return m.clientID }

// Map returns the local map.
func (m *Manager) Map() *mapservice.MapService { return m.m }

// Start checks the channels, bootstraps the map and starts the ops and flush
// workers. The workers stop when ctx is done or one of them fails; Wait
// returns the first error.
func (m *Manager) Start(ctx context.Context) error {
	for _, topic := range []string{m.topics.Ops, m.topics.Flush, m.topics.Data} {
		n, err := m.platform.Partitions(topic)
		if err != nil {
			return errors.Wrapf(err, "partitions of %s", topic)
		}
		if n != m.partitions {
			return errors.Errorf("topic %s has %d partitions, expected %d", topic, n, m.partitions)
		}
	}

	starts, err := m.Bootstrap(ctx)
	if err != nil {
		return errors.Wrap(err, "bootstrap")
	}

	if m.appender, err = m.platform.NewAppender(); err != nil {
		return errors.Wrap(err, "create ops appender")
	}
	m.ops, err = opsworker.New(opsworker.Params{
		ClientID:          m.clientID,
		Topics:            m.topics,
		StartOffsets:      starts,
		Map:               m.m,
		Queues:            m.queues,
		CleanRequests:     m.cleanRequests,
		FlushPeriodOps:    m.cfg.Flush.PeriodOps,
		Platform:          m.platform,
		Logger:            m.logger,
		MetricsRegisterer: m.registry,
	})
	if err != nil {
		m.appender.Close()
		return err
	}
	// Every replica runs a flush worker, even without owned partitions, so
	// that clean requests are drained.
	m.flush = flushworker.New(flushworker.Params{
		ClientID:          m.clientID,
		Topics:            m.topics,
		Group:             m.cfg.Flush.Group,
		Partitions:        m.cfg.FlushPartitions(),
		Queues:            m.queues,
		CleanRequests:     m.cleanRequests,
		Steady:            m.ops.Steady(),
		Platform:          m.platform,
		Clock:             m.clock,
		Logger:            m.logger,
		MetricsRegisterer: m.registry,
		HistoryRecords:    m.cfg.Flush.HistoryRecords,
		MaxPollTimeout:    m.cfg.Flush.MaxPollTimeout,
		ReadbackTimeout:   m.cfg.Flush.ReadbackTimeout,
		SteadyTimeout:     m.cfg.Flush.SteadyTimeout,
	})

	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.ops.Run(gctx) })
	g.Go(func() error { return m.flush.Run(gctx) })
	m.group = g
	m.logger.WithField("flush_partitions", m.cfg.FlushPartitions()).Info("replica started")
	return nil
}

// Wait blocks until the workers stopped and releases the replica.
func (m *Manager) Wait() error {
	if m.group == nil {
		return ErrNotStarted
	}
	m.stopOnce.Do(func() {
		m.stopErr = m.group.Wait()
		m.ops.Close()
		m.appender.Close()
		m.logger.Info("replica stopped")
	})
	return m.stopErr
}

// Stop cancels the workers and waits for them.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	return m.Wait()
}

// Apply appends a mutation to the ops channel and waits until the local map
// applied it. The message is stamped with this replica's client id.
func (m *Manager) Apply(ctx context.Context, msg opmsg.Message) (int64, error) {
	if m.appender == nil {
		return 0, ErrNotStarted
	}
	if !msg.OpType.IsMutation() {
		return 0, errors.Wrap(mapservice.ErrNotMutation, msg.OpType.String())
	}
	if msg.Key == nil {
		return 0, opmsg.ErrMissingKey
	}
	msg.ClientID = m.clientID
	if msg.OpID == 0 {
		msg.OpID = m.opID.Add(1)
	}
	val, err := opmsg.Encode(msg)
	if err != nil {
		return 0, err
	}

	part := PartitionFor(msg.Key, m.partitions)
	tp := sharedlog.NewTopicPartition(m.topics.Ops, part)
	offset, err := m.appender.Append(ctx, sharedlog.NewMessage(tp, msg.Key, val))
	if err != nil {
		return 0, errors.Wrapf(err, "append to %s", tp)
	}
	if err := m.m.WaitApplied(ctx, part, offset); err != nil {
		return offset, errors.Wrapf(err, "wait for %s at %d", tp, offset)
	}
	return offset, nil
}

// Get returns the local value of key.
func (m *Manager) Get(key []byte) ([]byte, bool) {
	return m.m.Get(key)
}

// RequestFlush asks to compact partition part up to its last applied offset.
// It returns the requested offset, or -1 when nothing was applied yet.
func (m *Manager) RequestFlush(ctx context.Context, part int32) (int64, error) {
	if m.ops == nil {
		return -1, ErrNotStarted
	}
	if part < 0 || part >= m.partitions {
		return -1, errors.Wrapf(ErrUnknownPartition, "partition %d", part)
	}
	offset := m.m.AppliedOffset(part)
	if offset < 0 {
		return -1, nil
	}
	return offset, m.ops.RequestFlush(ctx, part, offset)
}

type PartitionStats struct {
	Partition      int32
	AppliedOffset  int64
	QueueSize      int
	MaxAddOffset   int64
	MaxCleanOffset int64
}

type Stats struct {
	ClientID   int64
	Keys       int
	Partitions []PartitionStats
}

// Stats returns a snapshot of the map size and of every flush queue.
func (m *Manager) Stats() Stats {
	s := Stats{ClientID: m.clientID, Keys: m.m.Len()}
	for p, q := range m.queues {
		s.Partitions = append(s.Partitions, PartitionStats{
			Partition:      int32(p),
			AppliedOffset:  m.m.AppliedOffset(int32(p)),
			QueueSize:      q.Size(),
			MaxAddOffset:   q.MaxAddOffset(),
			MaxCleanOffset: q.MaxCleanOffset(),
		})
	}
	return s
}
