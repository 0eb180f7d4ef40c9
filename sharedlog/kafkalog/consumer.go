package kafkalog

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
)

const (
	pollInterval   = 10 * time.Millisecond
	maxPollRecords = 500
)

type partitionConsumer struct {
	pc  sarama.PartitionConsumer
	pos int64
}

// consumer multiplexes sarama partition consumers. Seek restarts the
// partition consumer at the new offset. Group offsets go through an
// OffsetManager and are committed synchronously.
type consumer struct {
	client     sarama.Client
	cons       sarama.Consumer
	group      string
	offsets    sarama.OffsetManager
	poms       map[sharedlog.TopicPartition]sarama.PartitionOffsetManager
	partitions map[sharedlog.TopicPartition]*partitionConsumer
	order      []sharedlog.TopicPartition
}

func (c *consumer) Assign(tps ...sharedlog.TopicPartition) error {
	for _, tp := range tps {
		if _, ok := c.partitions[tp]; ok {
			continue
		}
		start, err := c.Committed(tp)
		if err != nil {
			return err
		}
		if start == sharedlog.NoOffset {
			if start, err = c.BeginningOffset(tp); err != nil {
				return err
			}
		}
		p := &partitionConsumer{}
		if err := c.consume(tp, p, start); err != nil {
			return err
		}
		c.partitions[tp] = p
		c.order = append(c.order, tp)
	}
	return nil
}

func (c *consumer) consume(tp sharedlog.TopicPartition, p *partitionConsumer, offset int64) error {
	if p.pc != nil {
		p.pc.Close()
		p.pc = nil
	}
	pc, err := c.cons.ConsumePartition(tp.Topic, tp.Partition, offset)
	if err != nil {
		return errors.Wrapf(mapError(err), "consume %s from %d", tp, offset)
	}
	p.pc = pc
	p.pos = offset
	return nil
}

func (c *consumer) Seek(tp sharedlog.TopicPartition, offset int64) error {
	p, ok := c.partitions[tp]
	if !ok {
		return errors.Wrap(sharedlog.ErrNotAssigned, tp.String())
	}
	return c.consume(tp, p, offset)
}

func (c *consumer) Position(tp sharedlog.TopicPartition) (int64, error) {
	p, ok := c.partitions[tp]
	if !ok {
		return 0, errors.Wrap(sharedlog.ErrNotAssigned, tp.String())
	}
	return p.pos, nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]sharedlog.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		recs, err := c.drain()
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		wait := min(time.Until(deadline), pollInterval)
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *consumer) drain() ([]sharedlog.Record, error) {
	var recs []sharedlog.Record
	for _, tp := range c.order {
		p := c.partitions[tp]
	partition:
		for len(recs) < maxPollRecords {
			select {
			case m, ok := <-p.pc.Messages():
				if !ok {
					break partition
				}
				recs = append(recs, sharedlog.Record{
					TopicPartition: tp,
					Offset:         m.Offset,
					Key:            m.Key,
					Value:          m.Value,
				})
				p.pos = m.Offset + 1
			case cerr := <-p.pc.Errors():
				if cerr != nil {
					return recs, errors.Wrapf(mapError(cerr.Err), "poll %s", tp)
				}
			default:
				break partition
			}
		}
	}
	return recs, nil
}

func (c *consumer) pom(tp sharedlog.TopicPartition) (sarama.PartitionOffsetManager, error) {
	if c.offsets == nil {
		return nil, nil
	}
	if pom, ok := c.poms[tp]; ok {
		return pom, nil
	}
	pom, err := c.offsets.ManagePartition(tp.Topic, tp.Partition)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "manage offsets of %s", tp)
	}
	if c.poms == nil {
		c.poms = make(map[sharedlog.TopicPartition]sarama.PartitionOffsetManager)
	}
	c.poms[tp] = pom
	return pom, nil
}

func (c *consumer) Committed(tp sharedlog.TopicPartition) (int64, error) {
	pom, err := c.pom(tp)
	if err != nil || pom == nil {
		return sharedlog.NoOffset, err
	}
	// Negative values are the configured initial offset: nothing committed.
	next, _ := pom.NextOffset()
	if next < 0 {
		return sharedlog.NoOffset, nil
	}
	return next, nil
}

func (c *consumer) Commit(tp sharedlog.TopicPartition, offset int64) error {
	if c.offsets == nil {
		return errors.Errorf("commit %s: consumer has no group", tp)
	}
	pom, err := c.pom(tp)
	if err != nil {
		return err
	}
	if next, _ := pom.NextOffset(); offset < next {
		pom.ResetOffset(offset, "")
	} else {
		pom.MarkOffset(offset, "")
	}
	c.offsets.Commit()
	select {
	case cerr := <-pom.Errors():
		return errors.Wrapf(mapError(cerr.Err), "commit %s at %d", tp, offset)
	default:
		return nil
	}
}

func (c *consumer) BeginningOffset(tp sharedlog.TopicPartition) (int64, error) {
	off, err := c.client.GetOffset(tp.Topic, tp.Partition, sarama.OffsetOldest)
	return off, errors.Wrapf(mapError(err), "beginning offset of %s", tp)
}

func (c *consumer) EndOffset(tp sharedlog.TopicPartition) (int64, error) {
	off, err := c.client.GetOffset(tp.Topic, tp.Partition, sarama.OffsetNewest)
	return off, errors.Wrapf(mapError(err), "end offset of %s", tp)
}

func (c *consumer) Close() error {
	for _, p := range c.partitions {
		p.pc.Close()
	}
	for _, pom := range c.poms {
		pom.Close()
	}
	if c.offsets != nil {
		c.offsets.Close()
	}
	return c.cons.Close()
}
