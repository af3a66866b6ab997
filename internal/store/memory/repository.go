// Package memory はプロセス内メモリに保持する Repository 実装です。開発・テスト用です。
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/yourusername/doc-forge/internal/domain"
)

var _ domain.Repository = (*Repository)(nil)

type usageKey struct {
	tenantID string
	day      string
}

// Repository は domain.Repository のメモリ実装です。
type Repository struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant
	users   map[string]domain.User
	jobs    map[string]domain.Job
	usage   map[usageKey]domain.UsageCounter
}

// New は空の Repository を作成します。
func New() *Repository {
	return &Repository{
		tenants: make(map[string]domain.Tenant),
		users:   make(map[string]domain.User),
		jobs:    make(map[string]domain.Job),
		usage:   make(map[usageKey]domain.UsageCounter),
	}
}

func (r *Repository) CreateTenant(ctx context.Context, t domain.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t
	return nil
}

func (r *Repository) FindTenant(ctx context.Context, id string) (domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Tenant{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *Repository) CreateUser(ctx context.Context, u domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return nil
}

func (r *Repository) FindUser(ctx context.Context, id string) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *Repository) FindJob(ctx context.Context, id string) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *Repository) UpdateJob(ctx context.Context, id string, update domain.JobUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != update.From {
		return domain.ErrConflict
	}
	update.Apply(&job)
	r.jobs[id] = job
	return nil
}

func (r *Repository) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, cloneJob(job))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) FindUsage(ctx context.Context, tenantID, day string) (domain.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return domain.UsageCounter{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usage[usageKey{tenantID, day}]
	if !ok {
		return domain.UsageCounter{}, domain.ErrNotFound
	}
	return u, nil
}

func (r *Repository) UpsertUsage(ctx context.Context, tenantID, day string, inc domain.UsageIncrement) (domain.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return domain.UsageCounter{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usageKey{tenantID, day}
	u, ok := r.usage[key]
	if !ok {
		u = domain.UsageCounter{TenantID: tenantID, Day: day}
	}
	u.JobCount += inc.JobCount
	u.APICalls += inc.APICalls
	u.StorageBytes += inc.StorageBytes
	r.usage[key] = u

	if inc.StorageBytes != 0 {
		if t, ok := r.tenants[tenantID]; ok {
			t.StorageBytes += inc.StorageBytes
			r.tenants[tenantID] = t
		}
	}
	return u, nil
}

func (r *Repository) ConsumeUsage(ctx context.Context, tenantID, day string, limit int) (domain.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return domain.UsageCounter{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usageKey{tenantID, day}
	u, ok := r.usage[key]
	if !ok {
		u = domain.UsageCounter{TenantID: tenantID, Day: day}
	}
	if u.JobCount >= limit {
		return domain.UsageCounter{}, domain.ErrQuotaExceeded
	}
	u.JobCount++
	u.APICalls++
	r.usage[key] = u
	return u, nil
}

func cloneJob(job domain.Job) domain.Job {
	job.InputFiles = append([]string(nil), job.InputFiles...)
	if job.OutputFiles != nil {
		job.OutputFiles = append([]string(nil), job.OutputFiles...)
	}
	if job.Options != nil {
		opts := make(domain.Options, len(job.Options))
		for k, v := range job.Options {
			opts[k] = v
		}
		job.Options = opts
	}
	return job
}
