package domain

import "context"

// TenantRepository はテナントの永続化ポートです。
type TenantRepository interface {
	CreateTenant(ctx context.Context, t Tenant) error
	FindTenant(ctx context.Context, id string) (Tenant, error)
}

// UserRepository はユーザーの永続化ポートです。
type UserRepository interface {
	CreateUser(ctx context.Context, u User) error
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// JobRepository はジョブの永続化ポートです。
type JobRepository interface {
	CreateJob(ctx context.Context, job Job) error
	FindJob(ctx context.Context, id string) (Job, error)
	// UpdateJob は現在の状態が update.From の場合のみ更新し、そうでなければ ErrConflict を返します。
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	// ListJobs はユーザーのジョブを作成日時の降順で返します。
	ListJobs(ctx context.Context, userID string, limit int) ([]Job, error)
}

// UsageRepository は日次利用量の永続化ポートです。
type UsageRepository interface {
	// FindUsage は該当日の利用量を返します。レコードが無ければ ErrNotFound です。
	FindUsage(ctx context.Context, tenantID, day string) (UsageCounter, error)
	// UpsertUsage は利用量を加算します。レコードが無ければ加算量で作成します。
	// StorageBytes の加算はテナントの累積値にも反映されます。
	UpsertUsage(ctx context.Context, tenantID, day string, inc UsageIncrement) (UsageCounter, error)
	// ConsumeUsage は job_count < limit の場合に限り job_count と api_calls を 1 加算します。
	// 上限に達している場合は ErrQuotaExceeded を返します。判定と加算は不可分です。
	ConsumeUsage(ctx context.Context, tenantID, day string, limit int) (UsageCounter, error)
}

// Repository は全ての永続化ポートをまとめたものです。
type Repository interface {
	TenantRepository
	UserRepository
	JobRepository
	UsageRepository
}

// TransitionValidator は状態遷移の妥当性を検証します。
type TransitionValidator interface {
	Apply(ctx context.Context, current Status, event Event) (Status, error)
}
