package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/book-translator/internal/progress"
)

// TaskType 定义任务类型
const (
	TaskTypeRunProcess     = "run:process"
	TaskTypeBatchReconcile = "batch:reconcile"
)

// Run lifecycle states stored in RunState.Status.
const (
	RunStatusRunning          = "running"
	RunStatusPausedBatch      = "paused_batch"
	RunStatusPausedCheckpoint = "paused_checkpoint"
	RunStatusStopped          = "stopped"
	RunStatusCompleted        = "completed"
	RunStatusFailed           = "failed"
	RunStatusBatchSubmitted   = "batch_submitted"
)

// Paused reports whether the status allows a resume.
func Paused(status string) bool {
	return status == RunStatusPausedBatch || status == RunStatusPausedCheckpoint || status == RunStatusStopped
}

// Terminal reports whether the run will make no further progress on its own.
func Terminal(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetRunState(ctx context.Context, runID string) (*RunState, error)
	SaveRunState(ctx context.Context, state *RunState) error
	Close() error
}

// Task 定义任务结构
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// RunState is the durable record of one translation run. It carries
// everything a worker needs to resume: where the source lives, where
// results accumulate, and the index of the next unprocessed page.
type RunState struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	SourceKind string `json:"sourceKind"` // "dir" or "zip"
	SourcePath string `json:"sourcePath"`
	TotalPages int    `json:"totalPages"`
	// ResumeIndex is the first page the next invocation processes.
	ResumeIndex int `json:"resumeIndex"`
	// ConfirmedThrough is the highest checkpoint index the operator has
	// confirmed; the run will not stop again at or below it.
	ConfirmedThrough int                `json:"confirmedThrough"`
	Verify           bool               `json:"verify"`
	ResultDir        string             `json:"resultDir"`
	BatchJobID       string             `json:"batchJobId,omitempty"`
	Progress         *progress.Snapshot `json:"progress,omitempty"`
	Error            string             `json:"error,omitempty"`
	EstimatedSeconds int                `json:"estimatedSeconds,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// AsynqQueue 实现
type AsynqQueue struct {
	client *asynq.Client
	redis  *redis.Client
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg *QueueConfig) (*AsynqQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	return &AsynqQueue{
		client: asynq.NewClient(redisOpt),
		redis:  redisClient,
	}, nil
}

// Enqueue 将任务加入队列
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// Run tasks are not retried by asynq: a crashed run resumes from its
	// persisted state instead of restarting from the task payload.
	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(2 * time.Hour),
	}

	t := asynq.NewTask(task.Type, payload, opts...)
	if _, err := q.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func runStateKey(runID string) string {
	return fmt.Sprintf("run_state:%s", runID)
}

// GetRunState 获取运行状态
func (q *AsynqQueue) GetRunState(ctx context.Context, runID string) (*RunState, error) {
	data, err := q.redis.Get(ctx, runStateKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &state, nil
}

// SaveRunState 保存运行状态
func (q *AsynqQueue) SaveRunState(ctx context.Context, state *RunState) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	// 24 小时过期
	if err := q.redis.Set(ctx, runStateKey(state.RunID), data, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// Close 关闭连接
func (q *AsynqQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.redis.Close()
}
