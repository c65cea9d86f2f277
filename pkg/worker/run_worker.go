package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/book-translator/internal/service/run"
	"github.com/feichai0017/book-translator/pkg/logger"
	"github.com/feichai0017/book-translator/pkg/queue"
)

// RunWorker consumes run tasks off the queue and drives them through the
// run service. Runs are single-flight per task; concurrency bounds how
// many distinct runs process at once.
type RunWorker struct {
	BaseWorker
	runService run.Service
}

func NewRunWorker(cfg *Config, runService run.Service, logger logger.Logger) (*RunWorker, error) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &RunWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   logger,
			stopChan: make(chan struct{}),
		},
		runService: runService,
	}

	w.registerHandlers()
	return w, nil
}

func (w *RunWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeRunProcess, w.handleRunProcess)
	w.mux.HandleFunc(queue.TaskTypeBatchReconcile, w.handleBatchReconcile)
}

func (w *RunWorker) decodeTask(t *asynq.Task) (string, error) {
	var task queue.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return "", fmt.Errorf("failed to unmarshal task: %w", err)
	}

	runID := task.Payload["runId"]
	if runID == "" {
		return "", fmt.Errorf("task %s carries no runId", task.ID)
	}
	return runID, nil
}

func (w *RunWorker) handleRunProcess(ctx context.Context, t *asynq.Task) error {
	runID, err := w.decodeTask(t)
	if err != nil {
		return err
	}

	w.logger.Info("Processing run task", logger.String("runId", runID))
	if err := w.runService.ExecuteRun(ctx, runID); err != nil {
		w.logger.Error("Run task failed",
			logger.String("runId", runID), logger.Error(err))
		return err
	}
	return nil
}

func (w *RunWorker) handleBatchReconcile(ctx context.Context, t *asynq.Task) error {
	runID, err := w.decodeTask(t)
	if err != nil {
		return err
	}

	w.logger.Info("Reconciling batch run", logger.String("runId", runID))
	if err := w.runService.ExecuteReconcile(ctx, runID); err != nil {
		w.logger.Error("Batch reconcile failed",
			logger.String("runId", runID), logger.Error(err))
		return err
	}
	return nil
}

func (w *RunWorker) Start(ctx context.Context) error {
	go func() {
		if err := w.server.Run(w.mux); err != nil {
			w.logger.Error("Worker server stopped", logger.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}
