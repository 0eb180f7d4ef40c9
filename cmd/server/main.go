package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chn0318/replicamap/config"
	"github.com/chn0318/replicamap/replica"
	"github.com/chn0318/replicamap/sharedlog"
	"github.com/chn0318/replicamap/sharedlog/kafkalog"
	"github.com/chn0318/replicamap/sharedlog/memorylog"
	"github.com/chn0318/replicamap/storageserver"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(run).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(run func(context.Context, config.Config) error) *cobra.Command {
	v := config.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "replicamap-server",
		Short:        "Run a replicated map node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", cfgFile)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "Config file")
	f.String("platform", config.PlatformMemory, "Log platform: memory or kafka")
	f.StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka brokers")
	f.String("kafka-version", "2.8.0", "Kafka protocol version")
	f.Int32("partitions", 4, "Partitions of the ops, flush and data topics")
	f.StringSlice("flush-partitions", nil, "Partitions flushed by this node, all if empty")
	f.Int64("flush-period-ops", 5000, "Issue a flush request every N ops, 0 disables")
	f.String("grpc-addr", ":50051", "gRPC listen address")
	f.String("admin-addr", ":9090", "Admin HTTP listen address")
	f.StringP("log-level", "l", "info", "Log level")
	for key, flag := range map[string]string{
		"platform":         "platform",
		"kafka.brokers":    "kafka-brokers",
		"kafka.version":    "kafka-version",
		"partitions":       "partitions",
		"flush.partitions": "flush-partitions",
		"flush.period-ops": "flush-period-ops",
		"grpc.addr":        "grpc-addr",
		"admin.addr":       "admin-addr",
		"log.level":        "log-level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logger.SetLevel(level)

	platform, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}
	defer platform.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := replica.New(replica.Params{
		Config:            cfg,
		Platform:          platform,
		Logger:            logger,
		MetricsRegisterer: reg,
	})
	if err := r.Start(ctx); err != nil {
		return err
	}

	srv := storageserver.NewStorageServer(r, cfg.GRPC.Addr, logger)
	if err := srv.Open(); err != nil {
		r.Stop()
		return errors.Wrap(err, "open storage server")
	}
	defer srv.Close()

	admin := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adminRoutes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("address", cfg.Admin.Addr).Info("admin server listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("admin server failed")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := admin.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("admin server shutdown failed")
		}
	}()

	err = r.Wait()
	logger.Info("shutting down")
	return err
}

func newPlatform(cfg config.Config, logger logrus.FieldLogger) (sharedlog.Platform, error) {
	switch cfg.Platform {
	case config.PlatformKafka:
		return kafkalog.New(kafkalog.Config{
			Brokers:  cfg.Kafka.Brokers,
			Version:  cfg.Kafka.Version,
			ClientID: "replicamap",
			Logger:   logger,
		})
	default:
		logger.Warn("using the in-memory log, state is lost on exit")
		return memorylog.NewMemoryLog(cfg.Partitions, cfg.Topics.Ops, cfg.Topics.Flush, cfg.Topics.Data), nil
	}
}

func adminRoutes(reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}
