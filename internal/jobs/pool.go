package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrQueueFull はキューが上限に達していて投入できないことを表します。
var ErrQueueFull = errors.New("job queue is full")

// ErrQueueClosed は停止済みのキューへの投入を表します。
var ErrQueueClosed = errors.New("job queue is closed")

// Handler はキューから取り出したジョブを処理します。
type Handler func(ctx context.Context, jobID string) error

// Queue はジョブ ID を非同期実行に回します。
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// PoolOptions は Pool の設定です。
type PoolOptions struct {
	// Concurrency は同時に処理するワーカー数です。
	Concurrency int
	// Size は待機できるジョブ数の上限です。超えると Enqueue は ErrQueueFull を返します。
	Size int
}

// Pool はプロセス内の有界キューと固定数のワーカーです。
// キューは永続化されず、プロセス終了時に待機中のジョブは pending のまま残ります。
type Pool struct {
	tasks       chan string
	concurrency int
	logger      *slog.Logger

	mu      sync.RWMutex
	running bool
	closed  bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Queue = (*Pool)(nil)

// NewPool は Pool を作成します。Start を呼ぶまでジョブは処理されません。
func NewPool(opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Size <= 0 {
		opts.Size = opts.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		tasks:       make(chan string, opts.Size),
		concurrency: opts.Concurrency,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Enqueue は jobID をキューに積みます。ブロックしません。
func (p *Pool) Enqueue(_ context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.tasks <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start はワーカーを起動します。ctx がキャンセルされると実行中のジョブにも伝播します。
func (p *Pool) Start(ctx context.Context, handle Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	if p.running {
		return nil
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("worker pool starting", slog.Int("concurrency", p.concurrency), slog.Int("queue_size", cap(p.tasks)))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, handle)
	}
	return nil
}

// Stop は新規投入を止め、待機中のジョブを処理し終えてからワーカーを停止します。
// ctx の期限を過ぎた場合は実行中のジョブをキャンセルします。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	running := p.running
	close(p.stopCh)
	p.mu.Unlock()

	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs", slog.Int("queued", len(p.tasks)))
		p.cancel()
		<-done
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

func (p *Pool) work(ctx context.Context, handle Handler) {
	defer p.wg.Done()
	for {
		select {
		case jobID := <-p.tasks:
			p.run(ctx, handle, jobID)
		case <-p.stopCh:
			// 停止要求後も積まれた分は処理する
			for {
				select {
				case jobID := <-p.tasks:
					p.run(ctx, handle, jobID)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, handle Handler, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := handle(ctx, jobID); err != nil {
		p.logger.Error("job handler failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
