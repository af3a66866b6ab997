// Package jobs はジョブの作成・非同期実行・状態遷移を管理します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/doc-forge/internal/domain"
)

// 実行時の失敗コード
const (
	CodeTimeout          = "TIMEOUT"
	CodeCanceled         = "CANCELED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
)

const (
	defaultListLimit    = 50
	defaultJobTimeout   = 5 * time.Minute
	defaultCleanupDelay = time.Hour

	instrumentationName = "github.com/yourusername/doc-forge/internal/jobs"
)

// Dispatcher はジョブ種別ごとの処理を実行します。
type Dispatcher interface {
	Validate(jobType domain.JobType, inputs []string, opts domain.Options) error
	Dispatch(ctx context.Context, jobID string, jobType domain.JobType, inputs []string, opts domain.Options) ([]string, error)
}

// Admission はテナントの受付判定です。
type Admission interface {
	Authorize(ctx context.Context, tenantID string, jobType domain.JobType) (domain.Tenant, error)
	Admit(ctx context.Context, tenantID string) (domain.UsageCounter, error)
	Refund(ctx context.Context, tenantID, day string) error
}

// Cleaner はファイルの遅延削除を予約します。
type Cleaner interface {
	Arm(ctx context.Context, paths []string, delay time.Duration) error
}

// Deps は Engine の依存です。全て必須です。
type Deps struct {
	Repo       domain.JobRepository
	Dispatcher Dispatcher
	Admission  Admission
	Queue      Queue
	Cleaner    Cleaner
	Validator  domain.TransitionValidator
	Logger     *slog.Logger
}

// Config は Engine の設定です。
type Config struct {
	JobTimeout   time.Duration
	CleanupDelay time.Duration
	Now          func() time.Time
	NewID        func() string
}

// CreateRequest はジョブ作成要求です。InputFiles は保存済みファイルのパスです。
type CreateRequest struct {
	UserID     string
	TenantID   string
	Type       domain.JobType
	InputFiles []string
	Options    domain.Options
}

// Engine はジョブのライフサイクルを管理します。
type Engine struct {
	repo       domain.JobRepository
	dispatcher Dispatcher
	admission  Admission
	queue      Queue
	cleaner    Cleaner
	validator  domain.TransitionValidator
	logger     *slog.Logger
	cfg        Config

	tracer    trace.Tracer
	created   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewEngine は Engine を生成します。
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("repo is nil")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is nil")
	case deps.Admission == nil:
		return nil, errors.New("admission is nil")
	case deps.Queue == nil:
		return nil, errors.New("queue is nil")
	case deps.Cleaner == nil:
		return nil, errors.New("cleaner is nil")
	case deps.Validator == nil:
		return nil, errors.New("validator is nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	e := &Engine{
		repo:       deps.Repo,
		dispatcher: deps.Dispatcher,
		admission:  deps.Admission,
		queue:      deps.Queue,
		cleaner:    deps.Cleaner,
		validator:  deps.Validator,
		logger:     deps.Logger,
		cfg:        cfg,
		tracer:     otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if e.created, err = meter.Int64Counter("jobs.created", metric.WithDescription("Jobs accepted for processing")); err != nil {
		return nil, fmt.Errorf("create jobs.created counter: %w", err)
	}
	if e.completed, err = meter.Int64Counter("jobs.completed", metric.WithDescription("Jobs finished successfully")); err != nil {
		return nil, fmt.Errorf("create jobs.completed counter: %w", err)
	}
	if e.failed, err = meter.Int64Counter("jobs.failed", metric.WithDescription("Jobs finished with an error")); err != nil {
		return nil, fmt.Errorf("create jobs.failed counter: %w", err)
	}
	if e.duration, err = meter.Float64Histogram("jobs.duration", metric.WithUnit("s"), metric.WithDescription("Dispatch duration")); err != nil {
		return nil, fmt.Errorf("create jobs.duration histogram: %w", err)
	}
	return e, nil
}

// CreateJob は入力を検証し、受付判定の上で pending のジョブを保存してキューに投入します。
// 処理の完了は待ちません。
func (e *Engine) CreateJob(ctx context.Context, req CreateRequest) (string, error) {
	if req.UserID == "" {
		return "", &domain.ValidationError{Field: "userId", Code: "REQUIRED", Message: "user id is required"}
	}
	if err := e.dispatcher.Validate(req.Type, req.InputFiles, req.Options); err != nil {
		return "", err
	}
	if _, err := e.admission.Authorize(ctx, req.TenantID, req.Type); err != nil {
		return "", err
	}
	usage, err := e.admission.Admit(ctx, req.TenantID)
	if err != nil {
		return "", err
	}

	now := e.cfg.Now().UTC()
	job := domain.Job{
		ID:         e.cfg.NewID(),
		Type:       req.Type,
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		InputFiles: append([]string(nil), req.InputFiles...),
		Options:    req.Options,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.repo.CreateJob(ctx, job); err != nil {
		e.refund(ctx, req.TenantID, usage.Day)
		return "", fmt.Errorf("create job: %w", err)
	}
	e.created.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", string(job.Type))))

	if err := e.queue.Enqueue(ctx, job.ID); err != nil {
		e.logger.Error("failed to enqueue job", slog.String("job_id", job.ID), slog.Any("error", err))
		e.abandon(context.WithoutCancel(ctx), job, err)
		e.refund(context.WithoutCancel(ctx), req.TenantID, usage.Day)
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	e.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("tenant_id", job.TenantID),
		slog.Int("jobs_today", usage.JobCount),
	)
	return job.ID, nil
}

// refund は受け付けたが実行に至らなかった 1 件を利用量から差し戻します。
func (e *Engine) refund(ctx context.Context, tenantID, day string) {
	if err := e.admission.Refund(ctx, tenantID, day); err != nil {
		e.logger.Error("failed to refund usage", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}

// abandon は投入できなかったジョブを failed にします。遷移表に従い processing を経由します。
func (e *Engine) abandon(ctx context.Context, job domain.Job, cause error) {
	if err := e.transition(ctx, &job, domain.EventDispatch, domain.JobUpdate{}); err != nil {
		e.logger.Error("failed to mark unqueued job", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	e.finish(ctx, job, nil, &domain.DispatchError{
		Code:    CodeQueueUnavailable,
		Message: "ジョブをキューに投入できませんでした",
		Err:     cause,
	}, 0)
}

// Execute はジョブを 1 回実行します。pending 以外のジョブは何もせずに終了します。
// 処理の失敗はジョブに記録され、戻り値はジョブを読み書きできなかった場合のみです。
func (e *Engine) Execute(ctx context.Context, jobID string) error {
	ctx, span := e.tracer.Start(ctx, "jobs.execute", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := e.repo.FindJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Error("job not found for execution", slog.String("job_id", jobID))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load job")
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	span.SetAttributes(attribute.String("job.type", string(job.Type)))

	if job.Status != domain.StatusPending {
		e.logger.Warn("skip job that is not pending", slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}
	if err := e.transition(ctx, &job, domain.EventDispatch, domain.JobUpdate{}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.logger.Warn("job already taken by another worker", slog.String("job_id", jobID))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "start job")
		return err
	}

	started := time.Now()
	outputs, runErr := e.dispatch(ctx, job)
	elapsed := time.Since(started)

	// 終端状態は呼び出し元のキャンセル後も保存する
	e.finish(context.WithoutCancel(ctx), job, outputs, runErr, elapsed)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "dispatch")
	}
	return nil
}

// finish はジョブを終端状態にし、ファイルの削除を予約します。
func (e *Engine) finish(ctx context.Context, job domain.Job, outputs []string, runErr error, elapsed time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("job.type", string(job.Type))}

	if runErr == nil {
		if err := e.transition(ctx, &job, domain.EventComplete, domain.JobUpdate{OutputFiles: outputs}); err != nil {
			e.logger.Error("failed to record completion", slog.String("job_id", job.ID), slog.Any("error", err))
			e.arm(ctx, job.ID, append(append([]string(nil), job.InputFiles...), outputs...))
			return
		}
		e.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
		e.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(append(attrs, attribute.String("job.status", string(domain.StatusCompleted)))...))
		e.logger.Info("job completed",
			slog.String("job_id", job.ID),
			slog.Int("outputs", len(outputs)),
			slog.Duration("elapsed", elapsed),
		)
		e.arm(ctx, job.ID, append(append([]string(nil), job.InputFiles...), outputs...))
		return
	}

	code, message := classify(runErr)
	if err := e.transition(ctx, &job, domain.EventFail, domain.JobUpdate{ErrorCode: code, Error: message}); err != nil {
		e.logger.Error("failed to record failure", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	e.failed.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.code", code))...))
	if elapsed > 0 {
		e.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(append(attrs, attribute.String("job.status", string(domain.StatusFailed)))...))
	}
	e.logger.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("code", code),
		slog.Any("error", runErr),
	)
	e.arm(ctx, job.ID, job.InputFiles)
}

type dispatchResult struct {
	outputs []string
	err     error
}

// dispatch は JobTimeout の期限付きで処理を実行します。
// 期限を過ぎると結果を待たずに TIMEOUT を返し、遅れて生成された成果物は削除を予約します。
func (e *Engine) dispatch(ctx context.Context, job domain.Job) ([]string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		var res dispatchResult
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("dispatch panicked",
					slog.String("job_id", job.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = dispatchResult{err: &domain.DispatchError{
					Code:    CodeInternal,
					Message: "内部エラーが発生しました",
					Err:     fmt.Errorf("panic: %v", r),
				}}
			}
			done <- res
		}()
		res.outputs, res.err = e.dispatcher.Dispatch(runCtx, job.ID, job.Type, job.InputFiles, job.Options)
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(e.cfg.JobTimeout)
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.outputs, nil
	case <-runCtx.Done():
		go e.reapLate(job.ID, done)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(e.cfg.JobTimeout)
		}
		return nil, &domain.DispatchError{Code: CodeCanceled, Message: "処理が中断されました", Err: runCtx.Err()}
	}
}

func (e *Engine) reapLate(jobID string, done <-chan dispatchResult) {
	res := <-done
	if len(res.outputs) == 0 {
		return
	}
	e.logger.Warn("late outputs from abandoned dispatch", slog.String("job_id", jobID), slog.Int("outputs", len(res.outputs)))
	e.arm(context.Background(), jobID, res.outputs)
}

func timeoutError(limit time.Duration) error {
	return &domain.DispatchError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("処理が制限時間 (%s) を超えました", limit),
		Err:     context.DeadlineExceeded,
	}
}

func (e *Engine) transition(ctx context.Context, job *domain.Job, event domain.Event, update domain.JobUpdate) error {
	next, err := e.validator.Apply(ctx, job.Status, event)
	if err != nil {
		return err
	}
	update.From = job.Status
	update.To = next
	update.At = e.cfg.Now().UTC()
	if err := e.repo.UpdateJob(ctx, job.ID, update); err != nil {
		return fmt.Errorf("update job %s to %s: %w", job.ID, next, err)
	}
	update.Apply(job)
	return nil
}

func (e *Engine) arm(ctx context.Context, jobID string, paths []string) {
	if err := e.cleaner.Arm(ctx, paths, e.cfg.CleanupDelay); err != nil {
		e.logger.Error("failed to arm cleanup", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// classify は処理エラーを記録用のコードとメッセージに変換します。
func classify(err error) (string, string) {
	var de *domain.DispatchError
	if errors.As(err, &de) {
		msg := de.Message
		if msg == "" {
			msg = de.Error()
		}
		return de.Code, msg
	}
	return CodeInternal, err.Error()
}

// GetJob はジョブを取得します。
func (e *Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return e.repo.FindJob(ctx, id)
}

// ListJobs はユーザーのジョブを新しい順に返します。limit が 0 以下の場合は 50 件です。
func (e *Engine) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.repo.ListJobs(ctx, userID, limit)
}
