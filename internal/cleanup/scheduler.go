package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Deleter はファイルを削除します。存在しないファイルの削除は成功として扱う実装を想定します。
type Deleter interface {
	Delete(ctx context.Context, path string) error
}

// Options は Scheduler の設定です。
type Options struct {
	// Interval は定期 Sweep の間隔です。
	Interval time.Duration
	// BatchSize は 1 回の Store.Due で取得する件数です。
	BatchSize int
	Now       func() time.Time
}

// Scheduler は削除期限を記録し、期限を過ぎたファイルを定期的に削除します。
// 削除は助言的なもので、失敗はログに残すだけでジョブの状態には影響しません。
type Scheduler struct {
	store    Store
	files    Deleter
	logger   *slog.Logger
	interval time.Duration
	batch    int
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	sweepMu sync.Mutex
}

// NewScheduler は Scheduler を生成します。
func NewScheduler(store Store, files Deleter, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		files:    files,
		logger:   logger,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		now:      opts.Now,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.batch <= 0 {
		s.batch = defaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Arm は paths を delay 経過後に削除するよう記録します。取り消しはできません。
func (s *Scheduler) Arm(ctx context.Context, paths []string, delay time.Duration) error {
	paths = compact(paths)
	if len(paths) == 0 {
		return nil
	}
	dueAt := s.now().Add(delay)
	if err := s.store.Add(ctx, paths, dueAt); err != nil {
		return fmt.Errorf("arm cleanup: %w", err)
	}
	s.logger.Debug("cleanup armed", "paths", len(paths), "due_at", dueAt)
	return nil
}

// Start は直ちに 1 回 Sweep して期限切れを回収し、その後 Interval ごとに Sweep します。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.sweepAndLog(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepAndLog(ctx)
			}
		}
	}()
}

// Stop は定期 Sweep を止め、実行中の Sweep の終了を待ちます。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("cleanup sweep", "deleted", n)
	}
}

// Sweep は期限を過ぎたファイルを削除し、処理した件数を返します。
// 個々の削除失敗はログに残し、記録は削除します。
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		due, err := s.store.Due(ctx, s.now(), s.batch)
		if err != nil {
			return total, err
		}
		if len(due) == 0 {
			return total, nil
		}
		for _, p := range due {
			if err := s.files.Delete(ctx, p); err != nil {
				s.logger.Warn("cleanup delete failed", "path", p, "error", err)
			}
		}
		if err := s.store.Remove(ctx, due...); err != nil {
			return total, err
		}
		total += len(due)
		if len(due) < s.batch {
			return total, nil
		}
	}
}

func compact(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
