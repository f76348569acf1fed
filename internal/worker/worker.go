package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/mq"
	"github.com/shaiso/Promptflow/internal/orchestrator"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 20
	defaultPrefetch     = 1
)

// Catalog выдаёт pipeline по имени.
type Catalog interface {
	Pipeline(name string) (*pipeline.Pipeline, error)
}

// RunStore — хранилище runs (repo.RunRepo).
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	Save(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
}

// Publisher публикует итог run, который не дошёл до оркестратора.
type Publisher interface {
	PublishRunCompleted(ctx context.Context, payload mq.RunCompletedPayload) error
}

// Worker выполняет запрошенные runs.
//
// Worker — stateless компонент:
//   - Получает run.requested из очереди RabbitMQ
//   - Периодически подхватывает PENDING runs из БД (polling fallback)
//   - Захватывает run через Claim, поэтому несколько worker'ов
//     могут потреблять одну очередь
//   - Выполняет pipeline оркестратором; история, метрики и события
//     пишутся observer'ами
type Worker struct {
	catalog   Catalog
	runs      RunStore
	publisher Publisher
	conn      *mq.Connection

	policy    orchestrator.Policy
	observers []orchestrator.Observer

	consumer *mq.Consumer

	pollInterval time.Duration
	batchSize    int
	prefetch     int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Catalog   Catalog
	Runs      RunStore
	Publisher Publisher

	// Conn — соединение RabbitMQ. nil — только polling.
	Conn *mq.Connection

	// Policy — политика выполнения для всех runs.
	Policy orchestrator.Policy

	// Observers — repo.History, telemetry.Metrics, mq.Events.
	Observers []orchestrator.Observer

	PollInterval time.Duration // интервал polling (default: 30s)
	BatchSize    int           // PENDING runs за один poll (default: 20)
	Prefetch     int           // prefetch consumer'а (default: 1)

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		catalog:      cfg.Catalog,
		runs:         cfg.Runs,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		policy:       cfg.Policy,
		observers:    cfg.Observers,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		prefetch:     prefetch,
		logger:       logger,
	}
}

// Start запускает consumer runs.requested и polling.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"fail_mode", w.policy.FailMode,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsRequested),
			Handler:  w.handleRunRequested,
			Prefetch: w.prefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("run consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker. Выполняемые runs отменяются
// и записываются как CANCELLED.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// pollLoop подхватывает PENDING runs, сообщение о которых потерялось.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (w *Worker) poll(ctx context.Context) {
	pending, err := w.runs.List(ctx, repo.RunFilter{
		Status: domain.RunStatusPending,
		Limit:  w.batchSize,
	})
	if err != nil {
		w.logger.Error("failed to list pending runs", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	w.logger.Debug("poll found pending runs", "count", len(pending))

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		run := &pending[i]
		if err := w.process(ctx, run); err != nil && !errors.Is(err, ErrRunNotPending) {
			w.logger.Error("failed to process run from poll", "run_id", run.ID, "error", err)
		}
	}
}
