package flushworker

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chn0318/replicamap/flushqueue"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/chn0318/replicamap/sharedlog/memorylog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clientID       = 1
	peerClientID   = 2
	historyRecs    = 10
	maxPollTimeout = 20 * time.Millisecond
	readBackTime   = 100 * time.Millisecond
)

var (
	opsTP  = sharedlog.NewTopicPartition("ops", 0)
	dataTP = sharedlog.NewTopicPartition("data", 0)
)

type testEnv struct {
	log    *memorylog.MemoryLog
	queue  *flushqueue.Queue
	clean  chan CleanRequest
	steady chan struct{}
	worker *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	logger, _ := test.NewNullLogger()
	e := &testEnv{
		log:    memorylog.NewMemoryLog(1, "ops", "flush", "data"),
		queue:  flushqueue.New(),
		clean:  make(chan CleanRequest, 16),
		steady: make(chan struct{}),
	}
	e.worker = New(Params{
		ClientID:        clientID,
		Topics:          Topics{Ops: "ops", Flush: "flush", Data: "data"},
		Group:           "flushers",
		Partitions:      []int32{0},
		Queues:          []*flushqueue.Queue{e.queue},
		CleanRequests:   e.clean,
		Steady:          e.steady,
		Platform:        e.log,
		Logger:          logger,
		HistoryRecords:  historyRecs,
		MaxPollTimeout:  maxPollTimeout,
		ReadbackTimeout: readBackTime,
		SteadyTimeout:   time.Millisecond,
	})
	t.Cleanup(e.worker.Close)
	return e
}

func (e *testEnv) appendFlushRequest(t *testing.T, flushOffsetOps, cleanOffsetOps int64) {
	e.appendMessage(t, flushTP, opmsg.NewFlushRequest(clientID, flushOffsetOps, cleanOffsetOps))
}

func (e *testEnv) appendMessage(t *testing.T, tp sharedlog.TopicPartition, msg opmsg.Message) {
	val, err := opmsg.Encode(msg)
	require.NoError(t, err)
	app, err := e.log.NewAppender()
	require.NoError(t, err)
	_, err = app.Append(context.Background(), sharedlog.NewMessage(tp, nil, val))
	require.NoError(t, err)
}

func (e *testEnv) committedFlushOffset(t *testing.T) int64 {
	c, err := e.log.NewConsumer("flushers")
	require.NoError(t, err)
	off, err := c.Committed(flushTP)
	require.NoError(t, err)
	return off
}

func (e *testEnv) add(key, value string, offset int64) {
	e.queue.Add(flushqueue.Entry{Key: []byte(key), Value: []byte(value), Offset: offset}, true, true)
}

func dataValues(recs []sharedlog.Record) map[string]string {
	m := make(map[string]string)
	for _, r := range recs {
		m[string(r.Key)] = string(r.Value)
	}
	return m
}

func TestProcessCleanRequests(t *testing.T) {
	e := newTestEnv(t)
	for off := int64(100); off <= 106; off++ {
		e.queue.Add(flushqueue.Entry{Offset: off}, true, false)
	}
	assert.Equal(t, 7, e.queue.Size())

	e.clean <- CleanRequest{Partition: 0, ClientID: peerClientID, FlushOffsetOps: 101}
	assert.Equal(t, 1, e.worker.ProcessCleanRequests())
	assert.Equal(t, 5, e.queue.Size())

	e.clean <- CleanRequest{Partition: -1, ClientID: peerClientID, FlushOffsetOps: 106}
	assert.Equal(t, 0, e.worker.ProcessCleanRequests())
	assert.Equal(t, 5, e.queue.Size())

	e.clean <- CleanRequest{Partition: 0, ClientID: peerClientID, FlushOffsetOps: 103}
	e.clean <- CleanRequest{Partition: 0, ClientID: peerClientID, FlushOffsetOps: 105}
	e.clean <- CleanRequest{Partition: 3, ClientID: peerClientID, FlushOffsetOps: 105}
	assert.Equal(t, 2, e.worker.ProcessCleanRequests(), "unknown partition is not counted")
	assert.Equal(t, 1, e.queue.Size())
	assert.Equal(t, 0, e.worker.ProcessCleanRequests())
}

func TestUpdatePollTimeout(t *testing.T) {
	w := newTestEnv(t).worker
	ms := time.Millisecond

	assert.Equal(t, ms, w.UpdatePollTimeout(15*ms, false, true))
	assert.Equal(t, ms, w.UpdatePollTimeout(15*ms, true, false))
	assert.Equal(t, ms, w.UpdatePollTimeout(15*ms, true, true))

	timeout := ms
	for _, want := range []time.Duration{2, 4, 8, 16, 20, 20} {
		timeout = w.UpdatePollTimeout(timeout, false, false)
		assert.Equal(t, want*ms, timeout)
	}
	timeout = w.UpdatePollTimeout(timeout, false, true)
	assert.Equal(t, ms, timeout)
	timeout = w.UpdatePollTimeout(timeout, false, false)
	assert.Equal(t, 2*ms, timeout)
}

func TestAwaitOpsWorkersSteady(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	assert.False(t, e.worker.AwaitOpsWorkersSteady(ctx, 0))
	assert.False(t, e.worker.AwaitOpsWorkersSteady(ctx, time.Millisecond))
	close(e.steady)
	assert.True(t, e.worker.AwaitOpsWorkersSteady(ctx, time.Millisecond))
	assert.True(t, e.worker.AwaitOpsWorkersSteady(ctx, 0))
}

func TestAwaitOpsWorkersSteadyFakeClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	steady := make(chan struct{})
	logger, _ := test.NewNullLogger()
	w := New(Params{Steady: steady, Clock: fc, Logger: logger})
	ctx := context.Background()

	res := make(chan bool, 1)
	go func() { res <- w.AwaitOpsWorkersSteady(ctx, time.Minute) }()
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	assert.False(t, <-res)

	go func() { res <- w.AwaitOpsWorkersSteady(ctx, time.Minute) }()
	fc.BlockUntil(1)
	close(steady)
	assert.True(t, <-res)
}

func TestProcessFlushRequests(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	w := e.worker
	part := w.parts[0]

	ok, err := w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "not steady")
	close(e.steady)

	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "no flush requests")
	require.NotNil(t, part.reqs)
	assert.True(t, part.reqs.IsEmpty())

	e.appendFlushRequest(t, 100, -1)
	e.appendFlushRequest(t, 101, 97)
	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "no data in flush queue")
	assert.Equal(t, 2, part.reqs.Size())

	e.add("a", "a", 98)
	e.add("b", "b", 99)
	e.add("a", "x", 100)
	e.add("b", "y", 101)
	e.add("a", "z", 102)
	assert.Equal(t, 5, e.queue.Size())

	// Fenced while committing: records written so far are aborted.
	e.log.FailNext("commit", sharedlog.ErrFenced)
	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, e.queue.Size())
	assert.Equal(t, 2, part.reqs.Size())
	assert.Nil(t, part.producer)
	assert.Empty(t, e.log.Records(dataTP))
	assert.Empty(t, e.log.Records(opsTP))
	assert.Equal(t, sharedlog.NoOffset, e.committedFlushOffset(t))

	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, e.queue.Size())
	assert.Equal(t, int64(101), e.queue.MaxCleanOffset())
	assert.True(t, part.reqs.IsEmpty())
	assert.Equal(t, int64(2), e.committedFlushOffset(t))

	data := e.log.Records(dataTP)
	require.Len(t, data, 2)
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, dataValues(data))

	ops := e.log.Records(opsTP)
	require.Len(t, ops, 1)
	assert.Nil(t, ops[0].Key)
	notif, err := opmsg.Decode(ops[0].Value)
	require.NoError(t, err)
	assert.Equal(t, opmsg.OpFlushNotification, notif.OpType)
	assert.Equal(t, int64(clientID), notif.ClientID)
	assert.Equal(t, int64(101), notif.FlushOffsetOps)
	assert.Equal(t, int64(2), notif.FlushOffsetData)

	// Another instance took over the transactional id.
	e.log.Fence(part.txID)
	e.appendFlushRequest(t, 102, 101)
	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, e.queue.Size())
	assert.Equal(t, 1, part.reqs.Size())

	e.log.FailNext("poll", errors.New("broker unavailable"))
	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, part.reqs)
	assert.Equal(t, 1, e.queue.Size())

	// Recovered from the committed offset and the flush history.
	ok, err = w.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, e.queue.IsEmpty())
	assert.Equal(t, int64(3), e.committedFlushOffset(t))
	assert.Len(t, e.log.Records(dataTP), 3)
	assert.Len(t, e.log.Records(opsTP), 2)
}

func TestAbortedFlushIsRepeatable(t *testing.T) {
	ctx := context.Background()
	run := func(failFirst bool) ([]sharedlog.Record, []sharedlog.Record) {
		e := newTestEnv(t)
		close(e.steady)
		for i := int64(0); i < 20; i++ {
			e.add("k"+strconv.FormatInt(i%7, 10), "v"+strconv.FormatInt(i, 10), i)
		}
		e.appendFlushRequest(t, 15, -1)

		if failFirst {
			e.log.FailNext("send", errors.New("request timed out"))
			ok, err := e.worker.ProcessFlushRequests(ctx, 0)
			require.NoError(t, err)
			require.False(t, ok)
			require.Equal(t, 20, e.queue.Size())
			require.Equal(t, 1, e.worker.parts[0].reqs.Size())
			require.Equal(t, int64(-1), e.queue.MaxCleanOffset())
		}
		ok, err := e.worker.ProcessFlushRequests(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		return e.log.Records(dataTP), e.log.Records(opsTP)
	}

	data1, ops1 := run(false)
	data2, ops2 := run(true)
	require.Len(t, data1, 7)
	assert.Equal(t, dataValues(data1), dataValues(data2))
	for i := range data1 {
		assert.Equal(t, data1[i].Key, data2[i].Key)
		assert.Equal(t, data1[i].Value, data2[i].Value)
	}
	require.Len(t, ops1, 1)
	require.Len(t, ops2, 1)
	assert.Equal(t, ops1[0].Value, ops2[0].Value)
}

func TestFlushWaitsForReplay(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	close(e.steady)

	e.add("a", "1", 0)
	e.add("b", "2", 1)
	e.appendFlushRequest(t, 5, -1)

	ok, err := e.worker.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, e.log.Records(dataTP))
	assert.Empty(t, e.log.Records(opsTP))
	assert.Equal(t, 1, e.worker.parts[0].reqs.Size())
	assert.Equal(t, 2, e.queue.Size())
	assert.Equal(t, int64(-1), e.queue.MaxCleanOffset())

	e.add("c", "3", 3)
	e.queue.Add(flushqueue.Entry{Offset: 4}, false, true)
	ok, err = e.worker.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "offset 5 not replayed yet")
	assert.Empty(t, e.log.Records(dataTP))

	e.queue.Add(flushqueue.Entry{Offset: 5}, false, true)
	ok, err = e.worker.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, dataValues(e.log.Records(dataTP)))
	assert.True(t, e.queue.IsEmpty())

	ops := e.log.Records(opsTP)
	require.Len(t, ops, 1)
	notif, err := opmsg.Decode(ops[0].Value)
	require.NoError(t, err)
	assert.Equal(t, int64(5), notif.FlushOffsetOps)
	assert.Equal(t, int64(3), notif.FlushOffsetData)
}

func TestFlushRequestAlreadySatisfied(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	close(e.steady)

	e.add("a", "1", 10)
	e.add("b", "2", 11)
	e.clean <- CleanRequest{Partition: 0, ClientID: peerClientID, FlushOffsetOps: 50}
	assert.Equal(t, 1, e.worker.ProcessCleanRequests())
	assert.True(t, e.queue.IsEmpty())

	e.appendFlushRequest(t, 40, -1)
	ok, err := e.worker.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, e.log.Records(dataTP))
	assert.Equal(t, int64(1), e.committedFlushOffset(t))

	// Satisfied by the clean offset another replica reported.
	e.add("c", "3", 60)
	e.appendFlushRequest(t, 70, 75)
	ok, err = e.worker.ProcessFlushRequests(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, e.log.Records(dataTP))
	assert.True(t, e.queue.IsEmpty())
	assert.Equal(t, int64(70), e.queue.MaxCleanOffset())
}

func TestFlushChannelProtocolViolation(t *testing.T) {
	e := newTestEnv(t)
	close(e.steady)
	e.appendMessage(t, flushTP, opmsg.NewMutation(opmsg.OpPut, clientID, 1, []byte("k"), nil, []byte("v")))

	ok, err := e.worker.ProcessFlushRequests(context.Background(), 0)
	assert.False(t, ok)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, flushTP, pe.Partition)
}

func TestLoadFlushHistoryMax(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.log.NewConsumer("")
	require.NoError(t, err)
	require.NoError(t, c.Assign(flushTP))

	req, err := LoadFlushHistoryMax(ctx, clockwork.NewRealClock(), c, flushTP, 0, historyRecs, time.Second)
	require.NoError(t, err)
	assert.Nil(t, req, "empty channel")

	for i := int64(0); i < 100; i++ {
		e.appendFlushRequest(t, i, 1000)
	}
	for _, ops := range []int64{1011, 1017, 1015, 1014, 1013, 1010, 1009, 1008, 1007, 1006, 1005, 1004, 1003} {
		e.appendFlushRequest(t, ops, 1000)
	}
	e.appendFlushRequest(t, 2000, 1000)

	req, err = LoadFlushHistoryMax(ctx, clockwork.NewRealClock(), c, flushTP, 112, historyRecs, time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, int64(1015), req.FlushOffsetOps)
	assert.Equal(t, int64(102), req.Offset)
	pos, err := c.Position(flushTP)
	require.NoError(t, err)
	assert.Equal(t, int64(113), pos)

	req, err = LoadFlushHistoryMax(ctx, clockwork.NewRealClock(), c, flushTP, -1, historyRecs, time.Second)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestReadBackAndCheckCommittedRecords(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	newData := func(t *testing.T, kvs ...string) sharedlog.Consumer {
		l := memorylog.NewMemoryLog(1, "data")
		app, err := l.NewAppender()
		require.NoError(t, err)
		for i := 0; i < len(kvs); i += 2 {
			_, err := app.Append(ctx, sharedlog.NewMessage(dataTP, []byte(kvs[i]), []byte(kvs[i+1])))
			require.NoError(t, err)
		}
		c, err := l.NewConsumer("")
		require.NoError(t, err)
		require.NoError(t, c.Assign(dataTP))
		return c
	}
	batch := func() map[string][]byte {
		return map[string][]byte{"3": []byte("300"), "5": []byte("500"), "7": []byte("700")}
	}
	var pe *ProtocolError

	expected := batch()
	c := newData(t, "3", "300", "5", "500", "7", "700")
	require.NoError(t, ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, expected, 2, readBackTime))
	assert.Empty(t, expected)

	c = newData(t, "3", "300", "5", "100", "7", "700")
	err := ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, batch(), 2, readBackTime)
	assert.True(t, errors.As(err, &pe), "value mismatch")

	expected = batch()
	delete(expected, "3")
	c = newData(t, "3", "300", "5", "500", "7", "700")
	err = ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, expected, 2, readBackTime)
	assert.True(t, errors.As(err, &pe), "unexpected key")

	expected = batch()
	expected["1"] = []byte("100")
	c = newData(t, "3", "300", "5", "500", "7", "700")
	start := time.Now()
	err = ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, expected, 2, readBackTime)
	var te *ReadbackTimeoutError
	require.True(t, errors.As(err, &te))
	assert.GreaterOrEqual(t, time.Since(start), readBackTime)
	assert.True(t, strings.HasPrefix(err.Error(), "failed after "))
	assert.Equal(t, 1, te.Unmatched)

	c = newData(t, "3", "300", "5", "500")
	err = ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, batch(), 0, readBackTime)
	assert.True(t, errors.As(err, &pe), "past last offset")

	c = newData(t, "3", "")
	err = ReadBackAndCheckCommittedRecords(ctx, clock, c, dataTP, map[string][]byte{"3": nil}, 0, readBackTime)
	assert.True(t, errors.As(err, &pe), "empty value is not a removal")
}

func TestReadBackTimeoutFollowsClock(t *testing.T) {
	l := memorylog.NewMemoryLog(1, "data")
	c, err := l.NewConsumer("")
	require.NoError(t, err)
	require.NoError(t, c.Assign(dataTP))

	fc := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- ReadBackAndCheckCommittedRecords(context.Background(), fc, c, dataTP,
			map[string][]byte{"k": []byte("v")}, 0, time.Minute)
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 3*readBackTime, 10*time.Millisecond)

	fc.Advance(time.Minute)
	select {
	case err := <-done:
		var te *ReadbackTimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, time.Minute, te.Elapsed)
		assert.Equal(t, 1, te.Unmatched)
	case <-time.After(5 * time.Second):
		t.Fatal("read back did not time out")
	}
}

func TestRun(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	close(e.steady)

	e.add("a", "1", 0)
	e.add("b", "2", 1)
	e.appendFlushRequest(t, 1, -1)

	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(e.log.Records(dataTP)) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunStopsOnProtocolViolation(t *testing.T) {
	e := newTestEnv(t)
	close(e.steady)
	e.appendMessage(t, flushTP, opmsg.NewFlushNotification(peerClientID, 1, 10, 5))

	err := e.worker.Run(context.Background())
	assert.True(t, IsFatal(err))
}
