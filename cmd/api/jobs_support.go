package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-forge/internal/admission"
	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/cleanup"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/fsm"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/plans"
	"github.com/yourusername/doc-forge/internal/processor"
	"github.com/yourusername/doc-forge/internal/storage"
	"github.com/yourusername/doc-forge/internal/store/memory"
	"github.com/yourusername/doc-forge/internal/store/postgres"
	"github.com/yourusername/doc-forge/internal/store/sqlite"
)

// workerQueue はジョブを受け付け、ワーカーで処理するキューです。
type workerQueue interface {
	jobs.Queue
	Start(ctx context.Context, handle jobs.Handler) error
	Stop(ctx context.Context) error
}

// app は API サーバーが使う部品一式です。
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	repo      domain.Repository
	files     *storage.Local
	plans     *plans.Table
	admission *admission.Controller
	engine    *jobs.Engine
	auth      *auth.Manager
	cleanup   *cleanup.Scheduler
	queue     workerQueue

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, plans: plans.Default()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	repo, deadlines, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, closeRepo)

	if a.files, err = storage.NewLocal(cfg.UploadDir, logger); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.CleanupBackend == config.CleanupRedis {
		if rdb, err = newRedisClient(cfg.QueueRedisURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
	}
	a.cleanup = cleanup.NewScheduler(newCleanupStore(cfg, rdb, deadlines), a.files, cleanup.Options{
		Interval: cfg.CleanupSweepInterval,
	}, logger.With(slog.String("component", "cleanup")))

	if a.queue, err = newQueue(cfg, logger); err != nil {
		return nil, err
	}

	a.admission = admission.New(repo, a.plans, admission.Options{
		RatePerSecond: cfg.AdmissionRatePerSec,
		Burst:         cfg.AdmissionRateBurst,
	}, logger.With(slog.String("component", "admission")))

	registry := processor.NewRegistry(processor.Config{
		WorkDir:         a.files.Dir(),
		GhostscriptPath: cfg.GhostscriptPath,
	}, logger.With(slog.String("component", "processor")))

	a.engine, err = jobs.NewEngine(jobs.Deps{
		Repo:       repo,
		Dispatcher: registry,
		Admission:  a.admission,
		Queue:      a.queue,
		Cleaner:    a.cleanup,
		Validator:  fsm.New(),
		Logger:     logger.With(slog.String("component", "jobs")),
	}, jobs.Config{
		JobTimeout:   cfg.JobTimeout,
		CleanupDelay: cfg.CleanupDelay,
	})
	if err != nil {
		return nil, err
	}

	a.auth = auth.NewManager(repo, logger.With(slog.String("component", "auth")))

	if err := seedDemo(ctx, repo, a.plans, cfg, logger); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// start は削除予約の Sweep とワーカーを起動します。
func (a *app) start(ctx context.Context) error {
	a.cleanup.Start(ctx)
	if err := a.queue.Start(ctx, a.engine.Execute); err != nil {
		a.cleanup.Stop()
		return fmt.Errorf("start workers: %w", err)
	}
	return nil
}

// stop はワーカーと Sweep を止めます。
func (a *app) stop(ctx context.Context) {
	if err := a.queue.Stop(ctx); err != nil {
		a.logger.Warn("worker shutdown incomplete", slog.Any("error", err))
	}
	a.cleanup.Stop()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

// openRepository は STORE_DRIVER に応じた Repository を開きます。
// SQL ストアでは同じ接続を使う削除予約ストアも返し、メモリストアでは nil を返します。
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Repository, cleanup.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return nil, nil, nil, err
		}
		repo, err := sqlite.New(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return repo, repo.Deadlines(), repo.Close, nil
	case config.StorePostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.DefaultOptions(), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		repo, err := postgres.New(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return repo, repo.Deadlines(), repo.Close, nil
	default:
		return memory.New(), nil, func() error { return nil }, nil
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func newCleanupStore(cfg *config.Config, rdb *redis.Client, deadlines cleanup.Store) cleanup.Store {
	switch {
	case cfg.CleanupBackend == config.CleanupRedis && rdb != nil:
		return cleanup.NewRedisStore(rdb, "")
	case cfg.CleanupBackend == config.CleanupSQL && deadlines != nil:
		return deadlines
	default:
		return cleanup.NewMemoryStore()
	}
}

func newQueue(cfg *config.Config, logger *slog.Logger) (workerQueue, error) {
	queueLogger := logger.With(slog.String("component", "queue"))
	if cfg.QueueBackend == config.QueueAsynq {
		return jobs.NewAsynqQueue(jobs.AsynqOptions{
			RedisURL:    cfg.QueueRedisURL,
			Concurrency: cfg.WorkerConcurrency,
		}, queueLogger)
	}
	return jobs.NewPool(jobs.PoolOptions{
		Concurrency: cfg.WorkerConcurrency,
		Size:        cfg.QueueSize,
	}, queueLogger), nil
}

// seedDemo は DEMO_EMAIL / DEMO_PASSWORD が設定されている場合にデモ用のテナントとユーザーを作成します。
func seedDemo(ctx context.Context, repo domain.Repository, table *plans.Table, cfg *config.Config, logger *slog.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.DemoEmail))
	if email == "" || cfg.DemoPassword == "" {
		return nil
	}
	if _, err := repo.FindUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("look up demo user: %w", err)
	}

	plan := domain.Plan(strings.ToLower(cfg.DemoPlan))
	if _, ok := table.Lookup(plan); !ok {
		return fmt.Errorf("unknown DEMO_PLAN %q", cfg.DemoPlan)
	}
	hash, err := auth.HashPassword(cfg.DemoPassword)
	if err != nil {
		return fmt.Errorf("hash demo password: %w", err)
	}

	now := time.Now().UTC()
	tenant := domain.Tenant{ID: uuid.NewString(), Name: "Demo", Plan: plan, CreatedAt: now}
	if err := repo.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("create demo tenant: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Demo User",
		PasswordHash: hash,
		TenantID:     tenant.ID,
		CreatedAt:    now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create demo user: %w", err)
	}
	logger.Info("demo account created", slog.String("email", email), slog.String("plan", string(plan)))
	return nil
}
