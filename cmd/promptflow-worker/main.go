// Promptflow Worker — выполняет запрошенные runs.
//
// Worker:
//   - Получает run.requested из RabbitMQ
//   - Подхватывает PENDING runs из БД (polling fallback)
//   - Выполняет pipeline из каталога
//   - Пишет историю в Postgres, метрики в Prometheus, события в RabbitMQ
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Promptflow/internal/catalog"
	"github.com/shaiso/Promptflow/internal/config"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/orchestrator"
	"github.com/shaiso/Promptflow/internal/repo"
	"github.com/shaiso/Promptflow/internal/telemetry"
	"github.com/shaiso/Promptflow/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		telemetry.SetupLogger(os.Stdout, "", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting promptflow-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

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

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	reg, err := config.Registry(cfg, metrics)
	if err != nil {
		logger.Error("failed to build capability registry", "error", err)
		os.Exit(1)
	}
	cat, err := catalog.New(reg, cfg.LoadOptions())
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
	logger.Info("catalog loaded", "pipelines", cat.Names(), "capabilities", reg.Names())

	policy, err := cfg.Executor.Policy()
	if err != nil {
		logger.Error("invalid executor config", "error", err)
		os.Exit(1)
	}

	history := repo.NewHistory(pool)
	observers := []orchestrator.Observer{history, metrics}

	wcfg := worker.Config{
		Catalog:   cat,
		Runs:      history.Runs,
		Policy:    policy,
		Observers: observers,
		Logger:    logger,
	}

	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		wcfg.Conn = mqConn
		wcfg.Publisher = publisher
		wcfg.Observers = append(observers, mq.NewEvents(publisher))
	}

	w := worker.New(wcfg)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if mqConn == nil || !mqConn.IsConnected() {
			// runs всё равно подхватываются polling'ом
			w.Write([]byte("ok (polling only)"))
			return
		}
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

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	w.Stop()
	logger.Info("promptflow-worker stopped")
}
