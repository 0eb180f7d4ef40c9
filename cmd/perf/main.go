package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/storageserver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	addr        string
	total       int
	concurrency int
	keys        int
	valueBytes  int
	timeout     time.Duration
	flushEvery  int
	partitions  int32
}

type result struct {
	ok, failed int64
	elapsed    time.Duration
	bytes      int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "replicamap-perf",
		Short:        "Measure put throughput of a replicamap server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logrus.New()
			c, err := storageserver.Dial(o.addr)
			if err != nil {
				return err
			}
			defer c.Close()
			logger.WithFields(logrus.Fields{
				"addr":        o.addr,
				"total":       o.total,
				"concurrency": o.concurrency,
				"keys":        o.keys,
				"value_bytes": o.valueBytes,
			}).Info("put benchmark start")

			res, err := runBenchmark(cmd.Context(), c, o)
			if err != nil {
				return err
			}
			secs := res.elapsed.Seconds()
			logger.WithFields(logrus.Fields{
				"ok":        res.ok,
				"failed":    res.failed,
				"elapsed":   res.elapsed,
				"req_per_s": fmt.Sprintf("%.2f", float64(res.ok)/secs),
				"mb_per_s":  fmt.Sprintf("%.2f", float64(res.bytes)/(1<<20)/secs),
			}).Info("put benchmark done")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.addr, "addr", "a", "localhost:50051", "Server address")
	f.IntVarP(&o.total, "total-requests", "n", 10000, "Number of put requests")
	f.IntVarP(&o.concurrency, "concurrency", "c", 32, "Concurrent requests")
	f.IntVar(&o.keys, "keys", 1000, "Number of distinct keys")
	f.IntVar(&o.valueBytes, "value-bytes", 1024, "Value size in bytes")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "Request timeout")
	f.IntVar(&o.flushEvery, "flush-every", 0, "Request a flush of every partition after this many puts, 0 disables")
	f.Int32Var(&o.partitions, "partitions", 4, "Partitions to flush")
	return cmd
}

type applier interface {
	Apply(ctx context.Context, msg opmsg.Message) (int64, error)
	RequestFlush(ctx context.Context, part int32) error
}

func runBenchmark(ctx context.Context, c applier, o options) (result, error) {
	value := make([]byte, o.valueBytes)
	if _, err := rand.Read(value); err != nil {
		return result{}, err
	}
	keys := max(o.keys, 1)

	var ok, failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.concurrency, 1))
	start := time.Now()
	for i := 0; i < o.total; i++ {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			key := []byte(fmt.Sprintf("perf-key-%d", i%keys))
			if _, err := c.Apply(rctx, opmsg.NewMutation(opmsg.OpPut, 0, 0, key, nil, value)); err != nil {
				failed.Add(1)
				return nil
			}
			if n := ok.Add(1); o.flushEvery > 0 && n%int64(o.flushEvery) == 0 {
				for p := int32(0); p < o.partitions; p++ {
					if err := c.RequestFlush(rctx, p); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return result{
		ok:      ok.Load(),
		failed:  failed.Load(),
		elapsed: time.Since(start),
		bytes:   ok.Load() * int64(o.valueBytes),
	}, err
}
