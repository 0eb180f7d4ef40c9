package sharedlog

import "fmt"

// TopicPartition locates a partition of a channel.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Message is a record to be written.
type Message struct {
	TopicPartition
	Key   []byte
	Value []byte
}

// Record is a record read back from a partition.
type Record struct {
	TopicPartition
	Offset int64
	Key    []byte
	Value  []byte
}

// Some helpers.
func NewTopicPartition(topic string, part int32) TopicPartition {
	return TopicPartition{Topic: topic, Partition: part}
}

func NewMessage(tp TopicPartition, key, value []byte) Message {
	return Message{TopicPartition: tp, Key: key, Value: value}
}
