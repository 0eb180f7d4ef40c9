package replica

import (
	"context"
	"testing"
	"time"

	"github.com/chn0318/replicamap/config"
	"github.com/chn0318/replicamap/mapservice"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/chn0318/replicamap/sharedlog/memorylog"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := config.New()
	v.Set("partitions", 2)
	v.Set("flush.period-ops", 0)
	v.Set("flush.max-poll-timeout", 10*time.Millisecond)
	v.Set("flush.steady-timeout", 10*time.Millisecond)
	v.Set("flush.readback-timeout", time.Second)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func newLog(cfg config.Config) *memorylog.MemoryLog {
	return memorylog.NewMemoryLog(cfg.Partitions, cfg.Topics.Ops, cfg.Topics.Flush, cfg.Topics.Data)
}

func startManager(t *testing.T, cfg config.Config, l sharedlog.Platform, clientID int64) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := New(Params{Config: cfg, Platform: l, ClientID: clientID, Logger: logger})
	require.NoError(t, m.Start(context.Background()))
	return m
}

func put(key, value string) opmsg.Message {
	return opmsg.NewMutation(opmsg.OpPut, 0, 0, []byte(key), nil, []byte(value))
}

func TestPartitionFor(t *testing.T) {
	for _, key := range []string{"", "a", "b", "some longer key"} {
		p := PartitionFor([]byte(key), 3)
		assert.GreaterOrEqual(t, p, int32(0))
		assert.Less(t, p, int32(3))
		assert.Equal(t, p, PartitionFor([]byte(key), 3))
	}
	assert.Equal(t, int32(0), PartitionFor([]byte("x"), 1))
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	assert.Positive(t, a)
	assert.Positive(t, b)
	assert.NotEqual(t, a, b)
}

func TestApplyAndGet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	m := startManager(t, cfg, newLog(cfg), 7)
	defer m.Stop()

	_, err := m.Apply(ctx, put("a", "1"))
	require.NoError(t, err)
	_, err = m.Apply(ctx, opmsg.NewFunctionOp(opmsg.OpMerge, 0, 0, []byte("a"), mapservice.FuncIncrement, []byte("41")))
	require.NoError(t, err)
	_, err = m.Apply(ctx, put("b", "x"))
	require.NoError(t, err)
	_, err = m.Apply(ctx, opmsg.NewMutation(opmsg.OpRemoveAny, 0, 0, []byte("b"), nil, nil))
	require.NoError(t, err)

	v, ok := m.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "42", string(v))
	_, ok = m.Get([]byte("b"))
	assert.False(t, ok)

	s := m.Stats()
	assert.Equal(t, int64(7), s.ClientID)
	assert.Equal(t, 1, s.Keys)
	require.Len(t, s.Partitions, 2)
	applied := s.Partitions[0].AppliedOffset + s.Partitions[1].AppliedOffset
	assert.Equal(t, int64(2), applied, "four ops spread over two partitions end at offsets summing to 2")
}

func TestApplyRejectsInvalidOps(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	m := New(Params{Config: cfg, Platform: newLog(cfg)})
	_, err := m.Apply(ctx, put("a", "1"))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	_, err = m.Apply(ctx, opmsg.NewFlushRequest(0, 1, 0))
	assert.ErrorIs(t, err, mapservice.ErrNotMutation)
	_, err = m.Apply(ctx, opmsg.NewMutation(opmsg.OpPut, 0, 0, nil, nil, []byte("v")))
	assert.ErrorIs(t, err, opmsg.ErrMissingKey)
	_, err = m.RequestFlush(ctx, 5)
	assert.ErrorIs(t, err, ErrUnknownPartition)
	off, err := m.RequestFlush(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), off)
}

func TestStartChecksPartitions(t *testing.T) {
	cfg := testConfig(t)
	l := memorylog.NewMemoryLog(cfg.Partitions, cfg.Topics.Ops, cfg.Topics.Flush)
	l.CreateTopic(cfg.Topics.Data, 3)
	m := New(Params{Config: cfg, Platform: l})
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 partitions")
}

func TestFlushAndBootstrap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	l := newLog(cfg)
	m1 := startManager(t, cfg, l, 1)

	want := map[string]string{}
	for i, key := range []string{"a", "b", "c", "d", "e", "f"} {
		v := string(rune('0' + i))
		_, err := m1.Apply(ctx, put(key, v))
		require.NoError(t, err)
		want[key] = v
	}
	_, err := m1.Apply(ctx, put("a", "last"))
	require.NoError(t, err)
	want["a"] = "last"

	flushed := make(map[int32]int64)
	for p := int32(0); p < cfg.Partitions; p++ {
		off, err := m1.RequestFlush(ctx, p)
		require.NoError(t, err)
		if off >= 0 {
			flushed[p] = off
		}
	}
	require.NotEmpty(t, flushed)

	require.Eventually(t, func() bool {
		for p, off := range flushed {
			s := m1.Stats().Partitions[p]
			if s.MaxCleanOffset < off || s.QueueSize != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m1.Stop())

	var dataRecords int
	for p := range flushed {
		dataRecords += len(l.Records(sharedlog.NewTopicPartition(cfg.Topics.Data, p)))
	}
	assert.Equal(t, len(want), dataRecords, "one record per key, older values of a deduplicated")

	m2 := startManager(t, cfg, l, 2)
	defer m2.Stop()
	for key, v := range want {
		got, ok := m2.Get([]byte(key))
		require.True(t, ok, key)
		assert.Equal(t, v, string(got), key)
	}
	for p, off := range flushed {
		s := m2.Stats().Partitions[p]
		assert.GreaterOrEqual(t, s.MaxCleanOffset, off)
		assert.GreaterOrEqual(t, s.AppliedOffset, off)
	}

	// New ops on top of the bootstrapped state.
	_, err = m2.Apply(ctx, opmsg.NewFunctionOp(opmsg.OpMerge, 0, 0, []byte("b"), mapservice.FuncAppend, []byte("+")))
	require.NoError(t, err)
	got, _ := m2.Get([]byte("b"))
	assert.Equal(t, want["b"]+"+", string(got))
}
