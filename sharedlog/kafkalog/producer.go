package kafkalog

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
)

type txProducer struct {
	p  sarama.SyncProducer
	id string
}

// txnError maps err and reports a producer left in a fatal transaction state
// as fenced: it can only be closed and recreated.
func (t *txProducer) txnError(err error, op string) error {
	if err == nil {
		return nil
	}
	err = mapError(err)
	if !errors.Is(err, sharedlog.ErrFenced) && t.p.TxnStatus()&sarama.ProducerTxnFlagFatalError != 0 {
		err = errors.Wrap(sharedlog.ErrFenced, err.Error())
	}
	return errors.Wrapf(err, "%s %s", op, t.id)
}

func (t *txProducer) BeginTxn() error {
	if t.p.TxnStatus()&sarama.ProducerTxnFlagInTransaction != 0 {
		return sharedlog.ErrInTransaction
	}
	return t.txnError(t.p.BeginTxn(), "begin transaction")
}

func (t *txProducer) Send(_ context.Context, msg sharedlog.Message) (int64, error) {
	if t.p.TxnStatus()&sarama.ProducerTxnFlagInTransaction == 0 {
		return 0, sharedlog.ErrNotInTransaction
	}
	_, offset, err := t.p.SendMessage(producerMessage(msg))
	if err != nil {
		return 0, t.txnError(err, "send to "+msg.TopicPartition.String()+" in")
	}
	return offset, nil
}

func (t *txProducer) CommitTxn(_ context.Context) error {
	return t.txnError(t.p.CommitTxn(), "commit transaction")
}

// AbortTxn is also valid after an abortable error, when the producer is no
// longer flagged as in transaction.
func (t *txProducer) AbortTxn(_ context.Context) error {
	return t.txnError(t.p.AbortTxn(), "abort transaction")
}

func (t *txProducer) Close() error {
	return t.p.Close()
}
