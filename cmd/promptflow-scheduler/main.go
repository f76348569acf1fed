// Promptflow Scheduler — запрашивает runs по расписаниям из конфигурации.
//
// Несколько экземпляров безопасны: тики выполняет только лидер
// (pg_try_advisory_lock), остальные ждут.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/catalog"
	"github.com/shaiso/Promptflow/internal/config"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/repo"
	"github.com/shaiso/Promptflow/internal/scheduler"
	"github.com/shaiso/Promptflow/internal/steps"
	"github.com/shaiso/Promptflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		telemetry.SetupLogger(os.Stdout, "", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting promptflow-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// scheduler проверяет только имена pipeline, capability не вызываются
	cat, err := catalog.New(steps.SingleRegistry(capability.Echo{}), cfg.LoadOptions())
	if err != nil {
		logger.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}
	if cfg.PipelinesDir != "" {
		if err := cat.LoadDir(cfg.PipelinesDir); err != nil {
			logger.Error("failed to load pipelines", "dir", cfg.PipelinesDir, "error", err)
			os.Exit(1)
		}
	}

	scfg := scheduler.Config{
		Schedules: repo.NewScheduleRepo(pool),
		Runs:      repo.NewRunRepo(pool),
		Catalog:   cat,
		Logger:    logger,
	}

	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, runs will be picked up by worker polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		scfg.Publisher = mq.NewPublisher(mqConn, logger)
	}

	sched := scheduler.New(scfg)
	if err := sched.Sync(ctx, cfg.Schedules); err != nil {
		logger.Error("failed to sync schedules", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	scheduler.Loop(ctx, scheduler.NewLeader(pool, scheduler.LockKey), time.Second, logger, sched.Tick)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("promptflow-scheduler stopped")
}
