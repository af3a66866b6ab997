// Package postgres は PostgreSQL (pgx) を使った Repository 実装です。
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql 用 pgx ドライバの登録
	"github.com/pressly/goose/v3"

	"github.com/yourusername/doc-forge/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.Repository = (*Repository)(nil)

// Options は接続プールの設定です。
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions は常駐サーバー向けの既定値です。
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     5 * time.Second,
	}
}

// Connect は databaseURL へ接続し疎通を確認します。
func Connect(ctx context.Context, databaseURL string, opts Options, logger *slog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger != nil {
		stats := db.Stats()
		logger.Info("postgres connected",
			slog.Int("open", stats.OpenConnections),
			slog.Int("max_open", stats.MaxOpenConnections),
		)
	}
	return db, nil
}

// Repository は domain.Repository の PostgreSQL 実装です。
type Repository struct {
	db *sql.DB
}

// New はマイグレーションを適用し Repository を返します。
func New(db *sql.DB) (*Repository, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close は接続を閉じます。
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) CreateTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan, storage_bytes, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, string(t.Plan), t.StorageBytes, t.CreatedAt.UTC(),
	)
	return domain.WrapStorage("insert tenant", err)
}

func (r *Repository) FindTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var (
		t    domain.Tenant
		plan string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, plan, storage_bytes, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &plan, &t.StorageBytes, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, domain.WrapStorage("select tenant", err)
	}
	t.Plan = domain.Plan(plan)
	return t, nil
}

func (r *Repository) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, tenant_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.TenantID, u.CreatedAt.UTC(),
	)
	return domain.WrapStorage("insert user", err)
}

func (r *Repository) FindUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tenant_id, created_at FROM users WHERE id = $1`, id,
	))
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tenant_id, created_at FROM users WHERE lower(email) = lower($1)`, email,
	))
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.TenantID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, domain.WrapStorage("select user", err)
	}
	return u, nil
}

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	inputs, err := json.Marshal(job.InputFiles)
	if err != nil {
		return fmt.Errorf("encoding input files: %w", err)
	}
	opts := []byte("{}")
	if job.Options != nil {
		if opts, err = json.Marshal(job.Options); err != nil {
			return fmt.Errorf("encoding options: %w", err)
		}
	}
	outputs, err := json.Marshal(nonNil(job.OutputFiles))
	if err != nil {
		return fmt.Errorf("encoding output files: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, user_id, tenant_id, input_files, options, status, output_files, error_code, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, string(job.Type), job.UserID, job.TenantID, string(inputs), string(opts), string(job.Status),
		string(outputs), job.ErrorCode, job.Error, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return domain.WrapStorage("insert job", err)
}

const jobColumns = `id, type, user_id, tenant_id, input_files, options, status, output_files, error_code, error, created_at, updated_at`

func (r *Repository) FindJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.WrapStorage("select job", err)
	}
	return job, nil
}

func (r *Repository) UpdateJob(ctx context.Context, id string, update domain.JobUpdate) error {
	outputs, err := json.Marshal(nonNil(update.OutputFiles))
	if err != nil {
		return fmt.Errorf("encoding output files: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, output_files = $2, error_code = $3, error = $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		string(update.To), string(outputs), update.ErrorCode, update.Error, update.At.UTC(),
		id, string(update.From),
	)
	if err != nil {
		return domain.WrapStorage("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapStorage("update job", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.WrapStorage("select job", err)
	}
	return domain.ErrConflict
}

func (r *Repository) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapStorage("list jobs", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, domain.WrapStorage("scan job", err)
		}
		out = append(out, job)
	}
	return out, domain.WrapStorage("list jobs", rows.Err())
}

func (r *Repository) FindUsage(ctx context.Context, tenantID, day string) (domain.UsageCounter, error) {
	u := domain.UsageCounter{TenantID: tenantID, Day: day}
	err := r.db.QueryRowContext(ctx,
		`SELECT job_count, api_calls, storage_bytes FROM usage_counters WHERE tenant_id = $1 AND day = $2`,
		tenantID, day,
	).Scan(&u.JobCount, &u.APICalls, &u.StorageBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("select usage", err)
	}
	return u, nil
}

func (r *Repository) UpsertUsage(ctx context.Context, tenantID, day string, inc domain.UsageIncrement) (domain.UsageCounter, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("begin usage tx", err)
	}
	defer tx.Rollback()

	u := domain.UsageCounter{TenantID: tenantID, Day: day}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO usage_counters (tenant_id, day, job_count, api_calls, storage_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, day) DO UPDATE SET
		   job_count = usage_counters.job_count + EXCLUDED.job_count,
		   api_calls = usage_counters.api_calls + EXCLUDED.api_calls,
		   storage_bytes = usage_counters.storage_bytes + EXCLUDED.storage_bytes
		 RETURNING job_count, api_calls, storage_bytes`,
		tenantID, day, inc.JobCount, inc.APICalls, inc.StorageBytes,
	).Scan(&u.JobCount, &u.APICalls, &u.StorageBytes)
	if err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("upsert usage", err)
	}

	if inc.StorageBytes != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tenants SET storage_bytes = storage_bytes + $1 WHERE id = $2`, inc.StorageBytes, tenantID,
		); err != nil {
			return domain.UsageCounter{}, domain.WrapStorage("update tenant storage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("commit usage tx", err)
	}
	return u, nil
}

func (r *Repository) ConsumeUsage(ctx context.Context, tenantID, day string, limit int) (domain.UsageCounter, error) {
	if limit <= 0 {
		return domain.UsageCounter{}, domain.ErrQuotaExceeded
	}
	u := domain.UsageCounter{TenantID: tenantID, Day: day}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (tenant_id, day, job_count, api_calls, storage_bytes)
		 VALUES ($1, $2, 1, 1, 0)
		 ON CONFLICT (tenant_id, day) DO UPDATE SET
		   job_count = usage_counters.job_count + 1,
		   api_calls = usage_counters.api_calls + 1
		 WHERE usage_counters.job_count < $3
		 RETURNING job_count, api_calls, storage_bytes`,
		tenantID, day, limit,
	).Scan(&u.JobCount, &u.APICalls, &u.StorageBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, domain.ErrQuotaExceeded
	}
	if err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("consume usage", err)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		job                   domain.Job
		typ, status           string
		inputs, opts, outputs []byte
	)
	if err := s.Scan(&job.ID, &typ, &job.UserID, &job.TenantID, &inputs, &opts, &status, &outputs,
		&job.ErrorCode, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	job.Type = domain.JobType(typ)
	job.Status = domain.Status(status)
	if err := json.Unmarshal(inputs, &job.InputFiles); err != nil {
		return domain.Job{}, fmt.Errorf("decoding input files: %w", err)
	}
	if err := json.Unmarshal(opts, &job.Options); err != nil {
		return domain.Job{}, fmt.Errorf("decoding options: %w", err)
	}
	var out []string
	if err := json.Unmarshal(outputs, &out); err != nil {
		return domain.Job{}, fmt.Errorf("decoding output files: %w", err)
	}
	if len(out) > 0 {
		job.OutputFiles = out
	}
	return job, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
