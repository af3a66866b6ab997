package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeDocument は Asynq のタスク種別です。
	TaskTypeDocument = "document:process"
	// DefaultAsynqQueue は投入先のキュー名です。
	DefaultAsynqQueue = "documents"
)

// TaskPayload はキューに載せるペイロードです。ジョブ本体はリポジトリから読み直します。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqOptions は AsynqQueue の設定です。
type AsynqOptions struct {
	RedisURL    string
	Concurrency int
	Queue       string
}

// AsynqQueue は Redis を介した Queue です。複数プロセスでワーカーを分散できます。
// 再試行はしません（MaxRetry 0）。失敗はジョブ側に記録済みのためです。
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	queue  string
	logger *slog.Logger
}

var _ Queue = (*AsynqQueue)(nil)

// NewAsynqQueue は AsynqQueue を初期化します。
func NewAsynqQueue(opts AsynqOptions, logger *slog.Logger) (*AsynqQueue, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("redis url is required")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Queue == "" {
		opts.Queue = DefaultAsynqQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				opts.Queue: 1,
			},
			Logger:   newAsynqLogger(logger),
			LogLevel: asynq.WarnLevel,
		},
	)

	return &AsynqQueue{
		client: asynq.NewClient(redisOpt),
		server: server,
		queue:  opts.Queue,
		logger: logger,
	}, nil
}

// Enqueue はジョブをキューに投入します。
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	task, err := newTask(jobID, q.queue)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	q.logger.Debug("job enqueued", slog.String("job_id", jobID), slog.String("task_id", info.ID))
	return nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (q *AsynqQueue) Start(_ context.Context, handle Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDocument, taskHandler(handle))
	if err := q.server.Start(mux); err != nil {
		if errors.Is(err, asynq.ErrServerClosed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Stop はサーバーとクライアントを閉じます。Shutdown は実行中のタスクの完了を待ちます。
func (q *AsynqQueue) Stop(_ context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

func newTask(jobID, queue string) (*asynq.Task, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDocument, body, asynq.Queue(queue)), nil
}

func taskHandler(handle Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("payload without job id: %w", asynq.SkipRetry)
		}
		if err := handle(ctx, payload.JobID); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// asynqLogger は asynq.Logger を slog に流します。
type asynqLogger struct {
	logger *slog.Logger
}

func newAsynqLogger(logger *slog.Logger) asynq.Logger {
	return asynqLogger{logger: logger.With(slog.String("component", "asynq"))}
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
