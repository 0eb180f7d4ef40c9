// Package kafkalog implements the log platform on Kafka through sarama.
package kafkalog

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultConnectTimeout = 30 * time.Second

type Config struct {
	Brokers  []string
	Version  string
	ClientID string
	// ConnectTimeout bounds the retries of the initial connection.
	ConnectTimeout time.Duration
	Logger         logrus.FieldLogger
}

// KafkaLog is a sharedlog.Platform backed by a Kafka cluster.
type KafkaLog struct {
	cfg    Config
	base   *sarama.Config
	client sarama.Client
	logger logrus.FieldLogger
}

var _ sharedlog.Platform = (*KafkaLog)(nil)

// New connects to the cluster, retrying with exponential backoff until
// ConnectTimeout elapses.
func New(cfg Config) (*KafkaLog, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	base, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.WithField("component", "kafkalog")
	var client sarama.Client
	b := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(cfg.ConnectTimeout))
	err = backoff.RetryNotify(func() error {
		var err error
		client, err = sarama.NewClient(cfg.Brokers, base)
		return err
	}, b, func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next).Warn("failed to connect to kafka")
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %v", cfg.Brokers)
	}
	logger.WithField("brokers", cfg.Brokers).Info("connected to kafka")
	return &KafkaLog{cfg: cfg, base: base, client: client, logger: logger}, nil
}

func baseConfig(cfg Config) (*sarama.Config, error) {
	c := sarama.NewConfig()
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errors.Wrap(err, "kafka version")
		}
		c.Version = v
	}
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}
	c.Producer.Return.Successes = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Partitioner = sarama.NewManualPartitioner
	c.Consumer.IsolationLevel = sarama.ReadCommitted
	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = false
	return c, nil
}

// txConfig derives the configuration of a transactional producer.
func txConfig(base *sarama.Config, transactionalID string) *sarama.Config {
	c := *base
	c.Producer.Idempotent = true
	c.Producer.Transaction.ID = transactionalID
	c.Net.MaxOpenRequests = 1
	return &c
}

func (k *KafkaLog) NewAppender() (sharedlog.Appender, error) {
	p, err := sarama.NewSyncProducerFromClient(k.client)
	if err != nil {
		return nil, errors.Wrap(err, "create producer")
	}
	return &appender{p: p}, nil
}

// NewTxProducer creates a transactional producer. Initializing it fences every
// older producer with the same id.
func (k *KafkaLog) NewTxProducer(transactionalID string) (sharedlog.TxProducer, error) {
	p, err := sarama.NewSyncProducer(k.cfg.Brokers, txConfig(k.base, transactionalID))
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "create transactional producer %s", transactionalID)
	}
	return &txProducer{p: p, id: transactionalID}, nil
}

func (k *KafkaLog) NewConsumer(group string) (sharedlog.Consumer, error) {
	cons, err := sarama.NewConsumerFromClient(k.client)
	if err != nil {
		return nil, errors.Wrap(err, "create consumer")
	}
	c := &consumer{
		client:     k.client,
		cons:       cons,
		group:      group,
		partitions: make(map[sharedlog.TopicPartition]*partitionConsumer),
	}
	if group != "" {
		if c.offsets, err = sarama.NewOffsetManagerFromClient(group, k.client); err != nil {
			cons.Close()
			return nil, errors.Wrapf(err, "create offset manager for %s", group)
		}
	}
	return c, nil
}

func (k *KafkaLog) Partitions(topic string) (int32, error) {
	parts, err := k.client.Partitions(topic)
	if err != nil {
		return 0, errors.Wrap(mapError(err), topic)
	}
	return int32(len(parts)), nil
}

func (k *KafkaLog) Close() error {
	return k.client.Close()
}

// mapError translates sarama errors into sharedlog errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sarama.ErrProducerFenced), errors.Is(err, sarama.ErrInvalidProducerEpoch):
		return errors.Wrap(sharedlog.ErrFenced, err.Error())
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return errors.Wrap(sharedlog.ErrUnknownTopic, err.Error())
	case errors.Is(err, sarama.ErrOffsetOutOfRange):
		return errors.Wrap(sharedlog.ErrOffsetOutOfRange, err.Error())
	case errors.Is(err, sarama.ErrClosedClient):
		return errors.Wrap(sharedlog.ErrClosed, err.Error())
	}
	return err
}

func encoder(b []byte) sarama.Encoder {
	if b == nil {
		return nil
	}
	return sarama.ByteEncoder(b)
}

func producerMessage(msg sharedlog.Message) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Key:       encoder(msg.Key),
		Value:     encoder(msg.Value),
	}
}

type appender struct {
	p sarama.SyncProducer
}

func (a *appender) Append(_ context.Context, msg sharedlog.Message) (int64, error) {
	_, offset, err := a.p.SendMessage(producerMessage(msg))
	if err != nil {
		return 0, errors.Wrapf(mapError(err), "append to %s", msg.TopicPartition)
	}
	return offset, nil
}

func (a *appender) Close() error {
	return a.p.Close()
}
