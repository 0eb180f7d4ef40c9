package memorylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chn0318/replicamap/sharedlog"
	"github.com/pkg/errors"
)

// MaxPollRecords bounds the number of records returned by a single Poll.
const MaxPollRecords = 500

type txnState int

const (
	txnOpen txnState = iota
	txnCommitted
	txnAborted
)

type txn struct {
	state txnState
}

type entry struct {
	rec sharedlog.Record
	txn *txn // nil for non-transactional appends.
}

type partitionLog struct {
	entries []entry
}

// MemoryLog is an in-process log platform. Transactional records are appended
// immediately but stay hidden from consumers until committed; consumers stop
// at the first record of an open transaction and skip aborted ones.
type MemoryLog struct {
	mu      sync.RWMutex
	topics  map[string][]*partitionLog
	epochs  map[string]int64
	openTxn map[string]*txn
	groups  map[string]map[sharedlog.TopicPartition]int64
	faults  map[string][]error
	notify  chan struct{}
	closed  bool
}

var _ sharedlog.Platform = (*MemoryLog)(nil)

// NewMemoryLog creates a log with the given topics, each with partitions
// partitions.
func NewMemoryLog(partitions int32, topics ...string) *MemoryLog {
	l := &MemoryLog{
		topics:  make(map[string][]*partitionLog),
		epochs:  make(map[string]int64),
		openTxn: make(map[string]*txn),
		groups:  make(map[string]map[sharedlog.TopicPartition]int64),
		faults:  make(map[string][]error),
		notify:  make(chan struct{}),
	}
	for _, topic := range topics {
		l.CreateTopic(topic, partitions)
	}
	return l
}

// CreateTopic adds a topic. Existing topics are left untouched.
func (l *MemoryLog) CreateTopic(topic string, partitions int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topic]; ok {
		return
	}
	parts := make([]*partitionLog, partitions)
	for i := range parts {
		parts[i] = &partitionLog{}
	}
	l.topics[topic] = parts
}

func (l *MemoryLog) Partitions(topic string) (int32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	parts, ok := l.topics[topic]
	if !ok {
		return 0, errors.Wrap(sharedlog.ErrUnknownTopic, topic)
	}
	return int32(len(parts)), nil
}

func (l *MemoryLog) NewAppender() (sharedlog.Appender, error) {
	return &appender{l: l}, nil
}

// NewTxProducer creates a producer for transactionalID, fencing any previous
// producer with the same id and aborting its open transaction.
func (l *MemoryLog) NewTxProducer(transactionalID string) (sharedlog.TxProducer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, sharedlog.ErrClosed
	}
	l.fenceLocked(transactionalID)
	return &txProducer{l: l, id: transactionalID, epoch: l.epochs[transactionalID]}, nil
}

func (l *MemoryLog) NewConsumer(group string) (sharedlog.Consumer, error) {
	return &consumer{
		l:         l,
		group:     group,
		positions: make(map[sharedlog.TopicPartition]int64),
	}, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.broadcastLocked()
	}
	return nil
}

// Fence bumps the epoch of transactionalID as if another instance had taken
// it over. The current producer fails with sharedlog.ErrFenced from now on.
func (l *MemoryLog) Fence(transactionalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fenceLocked(transactionalID)
}

// FailNext makes the next call of op fail with err. Supported ops are
// "begin", "send", "commit", "poll" and "append".
func (l *MemoryLog) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], err)
}

// Records returns the committed and non-transactional records of tp.
func (l *MemoryLog) Records(tp sharedlog.TopicPartition) []sharedlog.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, err := l.partitionLocked(tp)
	if err != nil {
		return nil
	}
	var recs []sharedlog.Record
	for _, e := range p.entries {
		if e.txn == nil || e.txn.state == txnCommitted {
			recs = append(recs, e.rec)
		}
	}
	return recs
}

func (l *MemoryLog) fenceLocked(id string) {
	l.epochs[id]++
	if t, ok := l.openTxn[id]; ok {
		t.state = txnAborted
		delete(l.openTxn, id)
		l.broadcastLocked()
	}
}

func (l *MemoryLog) faultLocked(op string) error {
	errs := l.faults[op]
	if len(errs) == 0 {
		return nil
	}
	l.faults[op] = errs[1:]
	return errs[0]
}

func (l *MemoryLog) partitionLocked(tp sharedlog.TopicPartition) (*partitionLog, error) {
	parts, ok := l.topics[tp.Topic]
	if !ok || tp.Partition < 0 || int(tp.Partition) >= len(parts) {
		return nil, errors.Wrap(sharedlog.ErrUnknownTopic, tp.String())
	}
	return parts[tp.Partition], nil
}

func (l *MemoryLog) appendLocked(msg sharedlog.Message, t *txn) (int64, error) {
	if l.closed {
		return 0, sharedlog.ErrClosed
	}
	p, err := l.partitionLocked(msg.TopicPartition)
	if err != nil {
		return 0, err
	}
	offset := int64(len(p.entries))
	p.entries = append(p.entries, entry{
		rec: sharedlog.Record{
			TopicPartition: msg.TopicPartition,
			Offset:         offset,
			Key:            msg.Key,
			Value:          msg.Value,
		},
		txn: t,
	})
	if t == nil {
		l.broadcastLocked()
	}
	return offset, nil
}

// broadcastLocked wakes up every waiting Poll.
func (l *MemoryLog) broadcastLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

type appender struct {
	l *MemoryLog
}

func (a *appender) Append(_ context.Context, msg sharedlog.Message) (int64, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	if err := a.l.faultLocked("append"); err != nil {
		return 0, err
	}
	return a.l.appendLocked(msg, nil)
}

func (a *appender) Close() error { return nil }

type txProducer struct {
	l      *MemoryLog
	id     string
	epoch  int64
	cur    *txn
	closed bool
}

func (p *txProducer) checkLocked() error {
	if p.closed {
		return sharedlog.ErrClosed
	}
	if p.l.epochs[p.id] != p.epoch {
		return errors.Wrapf(sharedlog.ErrFenced, "transactional id %s epoch %d", p.id, p.epoch)
	}
	return nil
}

func (p *txProducer) BeginTxn() error {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		return err
	}
	if err := p.l.faultLocked("begin"); err != nil {
		return err
	}
	if p.cur != nil {
		return sharedlog.ErrInTransaction
	}
	p.cur = &txn{}
	p.l.openTxn[p.id] = p.cur
	return nil
}

func (p *txProducer) Send(_ context.Context, msg sharedlog.Message) (int64, error) {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		return 0, err
	}
	if p.cur == nil {
		return 0, sharedlog.ErrNotInTransaction
	}
	if err := p.l.faultLocked("send"); err != nil {
		return 0, err
	}
	return p.l.appendLocked(msg, p.cur)
}

func (p *txProducer) CommitTxn(_ context.Context) error {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.cur == nil {
		return sharedlog.ErrNotInTransaction
	}
	if err := p.l.faultLocked("commit"); err != nil {
		return err
	}
	p.cur.state = txnCommitted
	p.finishLocked()
	return nil
}

func (p *txProducer) AbortTxn(_ context.Context) error {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.cur == nil {
		return sharedlog.ErrNotInTransaction
	}
	p.cur.state = txnAborted
	p.finishLocked()
	return nil
}

func (p *txProducer) finishLocked() {
	delete(p.l.openTxn, p.id)
	p.cur = nil
	p.l.broadcastLocked()
}

func (p *txProducer) Close() error {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.cur != nil && p.checkLocked() == nil {
		p.cur.state = txnAborted
		p.finishLocked()
	}
	p.closed = true
	return nil
}

type consumer struct {
	l         *MemoryLog
	group     string
	assigned  []sharedlog.TopicPartition
	positions map[sharedlog.TopicPartition]int64
	closed    bool
}

func (c *consumer) Assign(tps ...sharedlog.TopicPartition) error {
	if c.closed {
		return sharedlog.ErrClosed
	}
	c.l.mu.RLock()
	defer c.l.mu.RUnlock()
	for _, tp := range tps {
		if _, err := c.l.partitionLocked(tp); err != nil {
			return err
		}
		if _, ok := c.positions[tp]; ok {
			continue
		}
		pos := int64(0)
		if off, ok := c.l.groups[c.group][tp]; ok && c.group != "" {
			pos = off
		}
		c.assigned = append(c.assigned, tp)
		c.positions[tp] = pos
	}
	return nil
}

func (c *consumer) Seek(tp sharedlog.TopicPartition, offset int64) error {
	if c.closed {
		return sharedlog.ErrClosed
	}
	if _, ok := c.positions[tp]; !ok {
		return errors.Wrap(sharedlog.ErrNotAssigned, tp.String())
	}
	c.l.mu.RLock()
	defer c.l.mu.RUnlock()
	p, err := c.l.partitionLocked(tp)
	if err != nil {
		return err
	}
	if offset < 0 || offset > int64(len(p.entries)) {
		return errors.Wrapf(sharedlog.ErrOffsetOutOfRange, "seek %s to %d", tp, offset)
	}
	c.positions[tp] = offset
	return nil
}

func (c *consumer) Position(tp sharedlog.TopicPartition) (int64, error) {
	if c.closed {
		return 0, sharedlog.ErrClosed
	}
	pos, ok := c.positions[tp]
	if !ok {
		return 0, errors.Wrap(sharedlog.ErrNotAssigned, tp.String())
	}
	return pos, nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]sharedlog.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if c.closed {
			return nil, sharedlog.ErrClosed
		}
		recs, notify, err := c.read()
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *consumer) read() ([]sharedlog.Record, <-chan struct{}, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if c.l.closed {
		return nil, nil, sharedlog.ErrClosed
	}
	if err := c.l.faultLocked("poll"); err != nil {
		return nil, nil, err
	}
	var recs []sharedlog.Record
	for _, tp := range c.assigned {
		p, err := c.l.partitionLocked(tp)
		if err != nil {
			return nil, nil, err
		}
		pos := c.positions[tp]
	scan:
		for ; pos < int64(len(p.entries)) && len(recs) < MaxPollRecords; pos++ {
			e := p.entries[pos]
			if e.txn != nil {
				switch e.txn.state {
				case txnOpen:
					break scan
				case txnAborted:
					continue
				}
			}
			recs = append(recs, e.rec)
		}
		c.positions[tp] = pos
	}
	return recs, c.l.notify, nil
}

func (c *consumer) Committed(tp sharedlog.TopicPartition) (int64, error) {
	if c.group == "" {
		return sharedlog.NoOffset, nil
	}
	c.l.mu.RLock()
	defer c.l.mu.RUnlock()
	if off, ok := c.l.groups[c.group][tp]; ok {
		return off, nil
	}
	return sharedlog.NoOffset, nil
}

func (c *consumer) Commit(tp sharedlog.TopicPartition, offset int64) error {
	if c.closed {
		return sharedlog.ErrClosed
	}
	if c.group == "" {
		return fmt.Errorf("commit %s: consumer has no group", tp)
	}
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	offsets, ok := c.l.groups[c.group]
	if !ok {
		offsets = make(map[sharedlog.TopicPartition]int64)
		c.l.groups[c.group] = offsets
	}
	offsets[tp] = offset
	return nil
}

func (c *consumer) BeginningOffset(tp sharedlog.TopicPartition) (int64, error) {
	c.l.mu.RLock()
	defer c.l.mu.RUnlock()
	if _, err := c.l.partitionLocked(tp); err != nil {
		return 0, err
	}
	return 0, nil
}

// EndOffset returns the last stable offset: the first offset of an open
// transaction, or the log end if there is none.
func (c *consumer) EndOffset(tp sharedlog.TopicPartition) (int64, error) {
	c.l.mu.RLock()
	defer c.l.mu.RUnlock()
	p, err := c.l.partitionLocked(tp)
	if err != nil {
		return 0, err
	}
	for i, e := range p.entries {
		if e.txn != nil && e.txn.state == txnOpen {
			return int64(i), nil
		}
	}
	return int64(len(p.entries)), nil
}

func (c *consumer) Close() error {
	c.closed = true
	return nil
}
