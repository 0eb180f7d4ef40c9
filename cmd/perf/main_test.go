package main

import (
	"context"
	"sync"
	"testing"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	mu      sync.Mutex
	keys    map[string]int
	flushes []int32
	failKey string
}

func (f *fakeApplier) Apply(_ context.Context, msg opmsg.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(msg.Key) == f.failKey {
		return 0, errors.New("rejected")
	}
	f.keys[string(msg.Key)]++
	return int64(len(f.keys)), nil
}

func (f *fakeApplier) RequestFlush(_ context.Context, part int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, part)
	return nil
}

func TestRunBenchmark(t *testing.T) {
	f := &fakeApplier{keys: make(map[string]int), failKey: "perf-key-3"}
	res, err := runBenchmark(context.Background(), f, options{
		total:       40,
		concurrency: 4,
		keys:        4,
		valueBytes:  16,
		flushEvery:  10,
		partitions:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.ok)
	assert.Equal(t, int64(10), res.failed)
	assert.Equal(t, int64(30*16), res.bytes)
	assert.Len(t, f.keys, 3)
	assert.Len(t, f.flushes, 6)
}
