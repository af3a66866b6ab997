// Package admission はテナント単位のジョブ受付（プラン機能・日次上限・バースト制限）を判定します。
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/plans"
)

// Store は Controller が使う永続化ポートです。
type Store interface {
	FindTenant(ctx context.Context, id string) (domain.Tenant, error)
	FindUsage(ctx context.Context, tenantID, day string) (domain.UsageCounter, error)
	UpsertUsage(ctx context.Context, tenantID, day string, inc domain.UsageIncrement) (domain.UsageCounter, error)
	ConsumeUsage(ctx context.Context, tenantID, day string, limit int) (domain.UsageCounter, error)
}

// Options は Controller の設定です。
type Options struct {
	// RatePerSecond はテナントごとの受付レートです。0 以下で無効になります。
	RatePerSecond float64
	Burst         int
	// Now は現在時刻の取得関数です。nil の場合は time.Now を使います。
	Now func() time.Time
}

// Controller はジョブ受付の可否を判定し、利用量を記録します。
type Controller struct {
	store  Store
	table  *plans.Table
	logger *slog.Logger
	now    func() time.Time

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Stats はテナントの当日の利用状況です。
type Stats struct {
	TenantID        string
	Plan            domain.Plan
	Day             string
	JobsToday       int
	MaxJobsPerDay   int
	Remaining       int
	APICallsToday   int
	StorageToday    int64
	StorageBytes    int64
	MaxStorageBytes int64
	MaxFileSize     int64
	JobTypes        []domain.JobType
	Batch           bool
	APIAccess       bool
}

// New は Controller を生成します。table は起動時に構築した不変のプラン表です。
func New(store Store, table *plans.Table, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		store:    store,
		table:    table,
		logger:   logger,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}
	if opts.RatePerSecond > 0 {
		c.limit = rate.Limit(opts.RatePerSecond)
		c.burst = max(1, opts.Burst)
	}
	return c
}

func (c *Controller) today() string {
	return domain.Day(c.now())
}

// Check は当日のジョブ数がプラン上限未満かどうかを返します。副作用はありません。
// 未知のテナントは false です。永続化層の障害はエラーとして返します。
func (c *Controller) Check(ctx context.Context, tenantID string) (bool, error) {
	tenant, err := c.store.FindTenant(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find tenant: %w", err)
	}

	count, err := c.jobsToday(ctx, tenantID, c.today())
	if err != nil {
		return false, err
	}
	return count < c.table.MaxJobsPerDay(tenant.Plan), nil
}

// IncrementUsage は当日のジョブ数と API 呼び出し数を 1 加算します。レコードが無ければ作成します。
func (c *Controller) IncrementUsage(ctx context.Context, tenantID string) error {
	if _, err := c.store.UpsertUsage(ctx, tenantID, c.today(), domain.UsageIncrement{JobCount: 1, APICalls: 1}); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// Authorize はテナントの存在とプランで jobType が利用可能かを確認します。
func (c *Controller) Authorize(ctx context.Context, tenantID string, jobType domain.JobType) (domain.Tenant, error) {
	tenant, err := c.store.FindTenant(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Tenant{}, &domain.AdmissionDeniedError{TenantID: tenantID, Reason: domain.ReasonUnknownTenant}
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("find tenant: %w", err)
	}
	if !c.table.Permits(tenant.Plan, jobType) {
		return tenant, &domain.AdmissionDeniedError{TenantID: tenantID, Reason: domain.ReasonFeatureDenied}
	}
	return tenant, nil
}

// Admit は日次上限の判定と加算を不可分に行い、受付後の利用量を返します。
// 上限到達・未知のテナント・バースト超過の場合は *domain.AdmissionDeniedError を返します。
func (c *Controller) Admit(ctx context.Context, tenantID string) (domain.UsageCounter, error) {
	tenant, err := c.store.FindTenant(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UsageCounter{}, &domain.AdmissionDeniedError{TenantID: tenantID, Reason: domain.ReasonUnknownTenant}
	}
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("find tenant: %w", err)
	}

	if !c.allow(tenantID) {
		c.logger.Info("admission rate limited", "tenant_id", tenantID)
		return domain.UsageCounter{}, &domain.AdmissionDeniedError{TenantID: tenantID, Reason: domain.ReasonRateLimited}
	}

	usage, err := c.store.ConsumeUsage(ctx, tenantID, c.today(), c.table.MaxJobsPerDay(tenant.Plan))
	if errors.Is(err, domain.ErrQuotaExceeded) {
		c.logger.Info("admission quota exceeded", "tenant_id", tenantID, "plan", tenant.Plan)
		return domain.UsageCounter{}, &domain.AdmissionDeniedError{TenantID: tenantID, Reason: domain.ReasonQuotaExceeded}
	}
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("consume usage: %w", err)
	}
	return usage, nil
}

// Refund は Admit で消費した 1 件を day の利用量から差し戻します。API 呼び出し数はそのままです。
func (c *Controller) Refund(ctx context.Context, tenantID, day string) error {
	if _, err := c.store.UpsertUsage(ctx, tenantID, day, domain.UsageIncrement{JobCount: -1}); err != nil {
		return fmt.Errorf("refund usage: %w", err)
	}
	return nil
}

// RecordStorage はアップロード量を当日の利用量とテナントの累積値に加算します。
func (c *Controller) RecordStorage(ctx context.Context, tenantID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if _, err := c.store.UpsertUsage(ctx, tenantID, c.today(), domain.UsageIncrement{StorageBytes: bytes}); err != nil {
		return fmt.Errorf("record storage: %w", err)
	}
	return nil
}

// Stats はテナントの当日の利用状況とプラン上限を返します。
func (c *Controller) Stats(ctx context.Context, tenantID string) (Stats, error) {
	tenant, err := c.store.FindTenant(ctx, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("find tenant: %w", err)
	}
	day := c.today()
	usage, err := c.store.FindUsage(ctx, tenantID, day)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Stats{}, fmt.Errorf("find usage: %w", err)
	}

	limits, _ := c.table.Lookup(tenant.Plan)
	return Stats{
		TenantID:        tenantID,
		Plan:            tenant.Plan,
		Day:             day,
		JobsToday:       usage.JobCount,
		MaxJobsPerDay:   limits.MaxJobsPerDay,
		Remaining:       max(0, limits.MaxJobsPerDay-usage.JobCount),
		APICallsToday:   usage.APICalls,
		StorageToday:    usage.StorageBytes,
		StorageBytes:    tenant.StorageBytes,
		MaxStorageBytes: limits.MaxStorageBytes,
		MaxFileSize:     limits.MaxFileSize,
		JobTypes:        limits.JobTypes(),
		Batch:           limits.Batch,
		APIAccess:       limits.APIAccess,
	}, nil
}

// MaxFileSize は plan の単一ファイル上限を返します。
func (c *Controller) MaxFileSize(plan domain.Plan) int64 {
	return c.table.MaxFileSize(plan)
}

// MaxJobsPerDay は plan の日次ジョブ上限を返します。
func (c *Controller) MaxJobsPerDay(plan domain.Plan) int {
	return c.table.MaxJobsPerDay(plan)
}

// Permits は plan で jobType が利用可能かを返します。
func (c *Controller) Permits(plan domain.Plan, jobType domain.JobType) bool {
	return c.table.Permits(plan, jobType)
}

func (c *Controller) jobsToday(ctx context.Context, tenantID, day string) (int, error) {
	usage, err := c.store.FindUsage(ctx, tenantID, day)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find usage: %w", err)
	}
	return usage.JobCount, nil
}

func (c *Controller) allow(tenantID string) bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	l, ok := c.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[tenantID] = l
	}
	c.mu.Unlock()
	return l.AllowN(c.now(), 1)
}
