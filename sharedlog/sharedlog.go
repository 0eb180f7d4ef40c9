package sharedlog

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrFenced is returned once a newer producer with the same transactional
	// id took over. The producer must be closed and recreated.
	ErrFenced = errors.New("sharedlog: producer fenced")

	ErrClosed           = errors.New("sharedlog: closed")
	ErrNotInTransaction = errors.New("sharedlog: no transaction in progress")
	ErrInTransaction    = errors.New("sharedlog: transaction already in progress")
	ErrUnknownTopic     = errors.New("sharedlog: unknown topic or partition")
	ErrNotAssigned      = errors.New("sharedlog: partition not assigned")
	ErrOffsetOutOfRange = errors.New("sharedlog: offset out of range")
)

// NoOffset is returned by Consumer.Committed when the group has no offset.
const NoOffset int64 = -1

// Appender appends records outside of transactions. Used by clients
// publishing operations to the ops channel.
type Appender interface {
	// Append writes msg and returns its offset.
	Append(ctx context.Context, msg Message) (int64, error)
	Close() error
}

// TxProducer writes records to several topics atomically. Only one producer
// per transactional id is live at a time: creating a new one fences the old.
type TxProducer interface {
	BeginTxn() error

	// Send writes msg in the current transaction and returns its offset.
	// Records stay invisible to consumers until the transaction commits.
	Send(ctx context.Context, msg Message) (int64, error)

	CommitTxn(ctx context.Context) error
	AbortTxn(ctx context.Context) error
	Close() error
}

// Consumer reads committed records from assigned partitions and, when created
// with a group, stores consumed offsets for that group.
type Consumer interface {
	// Assign starts reading the given partitions. Newly assigned partitions
	// start at the committed group offset or at the beginning.
	Assign(tps ...TopicPartition) error
	Seek(tp TopicPartition, offset int64) error
	Position(tp TopicPartition) (int64, error)

	// Poll waits up to timeout for records on any assigned partition.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)

	// Committed returns the group offset of tp or NoOffset.
	Committed(tp TopicPartition) (int64, error)
	// Commit stores offset as the position the group resumes tp from.
	Commit(tp TopicPartition, offset int64) error

	BeginningOffset(tp TopicPartition) (int64, error)
	EndOffset(tp TopicPartition) (int64, error)

	Close() error
}

// Platform is a partitioned, ordered, append-only log with consumer groups,
// multi-topic transactions and producer fencing. Implementations can be
// backed by Kafka or kept in memory.
type Platform interface {
	NewAppender() (Appender, error)
	NewTxProducer(transactionalID string) (TxProducer, error)
	// NewConsumer creates a read-committed consumer. An empty group disables
	// offset commits.
	NewConsumer(group string) (Consumer, error)
	Partitions(topic string) (int32, error)
	Close() error
}
