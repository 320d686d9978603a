package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/exploopio/surface/pkg/health"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/worker"
)

const (
	grpcServiceName    = "surface.Scanner"
	healthSyncInterval = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume scan tasks from Redis",
		Long: "Subscribe to the tasks channel, run each scan and publish progress and " +
			"results to the results channel until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context())
		},
	}

	fl := cmd.Flags()
	fl.Int("concurrency", 0, "Maximum concurrent scans")
	fl.String("redis-url", "", "Redis URL (redis://host:port/db)")
	fl.String("health-addr", "", "Health and metrics listen address")
	fl.String("grpc-addr", "", "gRPC health listen address (disabled when empty)")
	fl.Int("timeout", 0, "Per-module timeout in seconds")
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	s := a.settings
	log := a.log.WithField("component", "main")

	collector := metrics.NewPrometheusCollector(nil)
	eng, err := a.newEngine(collector)
	if err != nil {
		return err
	}

	broker, err := worker.NewRedisBroker(s.Redis.URL)
	if err != nil {
		return err
	}
	defer broker.Close()

	w, err := worker.New(broker, eng, worker.Config{
		TasksChannel:   s.Worker.TasksChannel,
		ResultsChannel: s.Worker.ResultsChannel,
		MaxConcurrent:  s.Scan.MaxConcurrent,
		DrainTimeout:   s.DrainTimeout(),
		Logger:         logrus.NewEntry(a.log),
		Metrics:        collector,
	})
	if err != nil {
		return err
	}

	hh := newHealthHandler(broker, w)
	httpSrv := &http.Server{
		Addr:              s.Server.HealthAddr,
		Handler:           health.Router(hh, collector.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", httpSrv.Addr).Info("Health server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hh.SetReady(false)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if s.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.Server.GRPCAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		bridge := health.NewGRPCBridge(hh, grpcServiceName)
		bridge.Register(gs)

		g.Go(func() error {
			log.WithField("addr", s.Server.GRPCAddr).Info("gRPC health server listening")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			bridge.Run(gctx, healthSyncInterval)
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		hh.SetReady(true)
		return w.Run(gctx)
	})

	err = g.Wait()
	log.Info("Shutdown complete")
	return err
}

func newHealthHandler(broker worker.Broker, w *worker.Worker) *health.Handler {
	hh := health.NewHandler(health.WithVersion(version))
	hh.Register("redis", &health.PingCheck{Ping: broker.Ping})
	hh.Register("capacity", &health.CapacityCheck{Active: w.Active, Limit: w.MaxConcurrent()})
	hh.Register("memory", &health.MemoryCheck{})
	hh.RegisterFunc("subscription", func(context.Context) health.CheckResult {
		if w.Ready() {
			return health.CheckResult{Status: health.StatusHealthy, Message: "subscribed"}
		}
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "not subscribed"}
	})
	return hh
}
