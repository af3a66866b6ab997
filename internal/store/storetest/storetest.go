// Package storetest は domain.Repository 実装に共通の振る舞いテストを提供します。
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/doc-forge/internal/domain"
)

// Run は newRepo が返す Repository に対して共通テストを実行します。
func Run(t *testing.T, newRepo func(t *testing.T) domain.Repository) {
	t.Helper()

	t.Run("TenantAndUser", func(t *testing.T) { testTenantAndUser(t, newRepo(t)) })
	t.Run("JobLifecycle", func(t *testing.T) { testJobLifecycle(t, newRepo(t)) })
	t.Run("ListJobsOrder", func(t *testing.T) { testListJobsOrder(t, newRepo(t)) })
	t.Run("UpsertUsage", func(t *testing.T) { testUpsertUsage(t, newRepo(t)) })
	t.Run("ConsumeUsage", func(t *testing.T) { testConsumeUsage(t, newRepo(t)) })
	t.Run("ConsumeUsageConcurrent", func(t *testing.T) { testConsumeUsageConcurrent(t, newRepo(t)) })
}

func seedTenant(t *testing.T, repo domain.Repository) domain.Tenant {
	t.Helper()
	tenant := domain.Tenant{ID: "tenant-1", Name: "Acme", Plan: domain.PlanFree, CreatedAt: time.Now().UTC()}
	if err := repo.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return tenant
}

func testTenantAndUser(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)

	got, err := repo.FindTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("FindTenant: %v", err)
	}
	if got.Plan != domain.PlanFree || got.Name != "Acme" {
		t.Fatalf("unexpected tenant: %+v", got)
	}
	if _, err := repo.FindTenant(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindTenant(missing) err = %v, want ErrNotFound", err)
	}

	user := domain.User{ID: "user-1", Email: "a@example.com", Name: "A", PasswordHash: "hash", TenantID: tenant.ID, CreatedAt: time.Now().UTC()}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	byEmail, err := repo.FindUserByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if byEmail.ID != user.ID || byEmail.TenantID != tenant.ID {
		t.Fatalf("unexpected user: %+v", byEmail)
	}
	if _, err := repo.FindUser(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindUser(missing) err = %v, want ErrNotFound", err)
	}
}

func testJobLifecycle(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)
	now := time.Now().UTC().Truncate(time.Second)

	job := domain.Job{
		ID:         "job-1",
		Type:       domain.JobTypePDFMerge,
		UserID:     "user-1",
		TenantID:   tenant.ID,
		InputFiles: []string{"/tmp/a.pdf", "/tmp/b.pdf"},
		Options:    domain.Options{"order": []any{float64(1), float64(0)}},
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := repo.FindJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if got.Status != domain.StatusPending || len(got.InputFiles) != 2 || got.InputFiles[1] != "/tmp/b.pdf" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if order, ok := got.Options.Ints("order"); !ok || len(order) != 2 || order[0] != 1 {
		t.Fatalf("options not preserved: %#v", got.Options)
	}

	err = repo.UpdateJob(ctx, job.ID, domain.JobUpdate{From: domain.StatusProcessing, To: domain.StatusCompleted, At: now})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("UpdateJob with stale From err = %v, want ErrConflict", err)
	}

	if err := repo.UpdateJob(ctx, job.ID, domain.JobUpdate{From: domain.StatusPending, To: domain.StatusProcessing, At: now}); err != nil {
		t.Fatalf("UpdateJob pending->processing: %v", err)
	}
	done := domain.JobUpdate{From: domain.StatusProcessing, To: domain.StatusCompleted, OutputFiles: []string{"/tmp/out.pdf"}, At: now.Add(time.Second)}
	if err := repo.UpdateJob(ctx, job.ID, done); err != nil {
		t.Fatalf("UpdateJob processing->completed: %v", err)
	}

	got, err = repo.FindJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if got.Status != domain.StatusCompleted || len(got.OutputFiles) != 1 || got.OutputFiles[0] != "/tmp/out.pdf" || got.Error != "" {
		t.Fatalf("unexpected completed job: %+v", got)
	}

	if err := repo.UpdateJob(ctx, "missing", done); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateJob(missing) err = %v, want ErrNotFound", err)
	}
}

func testListJobsOrder(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"old", "mid", "new"} {
		job := domain.Job{
			ID:         id,
			Type:       domain.JobTypeConvert,
			UserID:     "user-1",
			TenantID:   tenant.ID,
			InputFiles: []string{"/tmp/in"},
			Status:     domain.StatusPending,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:  base,
		}
		if err := repo.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	other := domain.Job{ID: "other", Type: domain.JobTypeConvert, UserID: "user-2", TenantID: tenant.ID, InputFiles: []string{"/tmp/in"}, Status: domain.StatusPending, CreatedAt: base, UpdatedAt: base}
	if err := repo.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := repo.ListJobs(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "new" || jobs[1].ID != "mid" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}

func testUpsertUsage(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)
	day := "2024-05-01"

	if _, err := repo.FindUsage(ctx, tenant.ID, day); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindUsage before upsert err = %v, want ErrNotFound", err)
	}
	inc := domain.UsageIncrement{JobCount: 1, APICalls: 1}
	if _, err := repo.UpsertUsage(ctx, tenant.ID, day, inc); err != nil {
		t.Fatalf("UpsertUsage: %v", err)
	}
	u, err := repo.UpsertUsage(ctx, tenant.ID, day, inc)
	if err != nil {
		t.Fatalf("UpsertUsage: %v", err)
	}
	if u.JobCount != 2 || u.APICalls != 2 {
		t.Fatalf("unexpected usage after two upserts: %+v", u)
	}

	if _, err := repo.UpsertUsage(ctx, tenant.ID, day, domain.UsageIncrement{StorageBytes: 512}); err != nil {
		t.Fatalf("UpsertUsage storage: %v", err)
	}
	got, err := repo.FindUsage(ctx, tenant.ID, day)
	if err != nil {
		t.Fatalf("FindUsage: %v", err)
	}
	if got.StorageBytes != 512 || got.JobCount != 2 {
		t.Fatalf("unexpected usage: %+v", got)
	}
	tn, err := repo.FindTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("FindTenant: %v", err)
	}
	if tn.StorageBytes != 512 {
		t.Fatalf("tenant storage = %d, want 512", tn.StorageBytes)
	}
}

func testConsumeUsage(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)
	day := "2024-05-02"

	for i := 1; i <= 3; i++ {
		u, err := repo.ConsumeUsage(ctx, tenant.ID, day, 3)
		if err != nil {
			t.Fatalf("ConsumeUsage #%d: %v", i, err)
		}
		if u.JobCount != i {
			t.Fatalf("ConsumeUsage #%d job count = %d", i, u.JobCount)
		}
	}
	if _, err := repo.ConsumeUsage(ctx, tenant.ID, day, 3); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("ConsumeUsage over limit err = %v, want ErrQuotaExceeded", err)
	}
	u, err := repo.FindUsage(ctx, tenant.ID, day)
	if err != nil {
		t.Fatalf("FindUsage: %v", err)
	}
	if u.JobCount != 3 {
		t.Fatalf("job count after rejection = %d, want 3", u.JobCount)
	}
	if _, err := repo.ConsumeUsage(ctx, tenant.ID, "2024-05-03", 0); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("ConsumeUsage with zero limit err = %v, want ErrQuotaExceeded", err)
	}
}

func testConsumeUsageConcurrent(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	tenant := seedTenant(t, repo)
	day := "2024-05-04"
	const limit = 5

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ConsumeUsage(ctx, tenant.ID, day, limit); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Fatalf("granted = %d, want %d", granted, limit)
	}
}
