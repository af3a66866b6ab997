// Package sqlite は SQLite (modernc.org/sqlite) を使った Repository 実装です。
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yourusername/doc-forge/internal/domain"

	_ "modernc.org/sqlite" // SQLite ドライバの登録
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.Repository = (*Repository)(nil)

// 辞書順で時刻順になるよう固定幅で保存する
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Repository は domain.Repository の SQLite 実装です。
type Repository struct {
	db *sql.DB
}

// Open は OpenTelemetry 計装付きで SQLite を開きます。
func Open(dataSourceName string) (*sql.DB, error) {
	db, err := otelsql.Open("sqlite", dataSourceName,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening instrumented database: %w", err)
	}

	// 書き込みを直列化して SQLITE_BUSY を避ける
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemSqlite)); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering db stats metrics: %w", err)
	}
	return db, nil
}

// New はマイグレーションを適用し Repository を返します。
func New(db *sql.DB) (*Repository, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
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
		`INSERT INTO tenants (id, name, plan, storage_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Plan), t.StorageBytes, formatTime(t.CreatedAt),
	)
	return domain.WrapStorage("insert tenant", err)
}

func (r *Repository) FindTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var (
		t       domain.Tenant
		plan    string
		created string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, plan, storage_bytes, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &plan, &t.StorageBytes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, domain.WrapStorage("select tenant", err)
	}
	t.Plan = domain.Plan(plan)
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (r *Repository) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, tenant_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.TenantID, formatTime(u.CreatedAt),
	)
	return domain.WrapStorage("insert user", err)
}

func (r *Repository) FindUser(ctx context.Context, id string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tenant_id, created_at FROM users WHERE id = ?`, id,
	))
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tenant_id, created_at FROM users WHERE email = ?`, email,
	))
}

func (r *Repository) scanUser(row *sql.Row) (domain.User, error) {
	var (
		u       domain.User
		created string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.TenantID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, domain.WrapStorage("select user", err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	inputs, err := json.Marshal(job.InputFiles)
	if err != nil {
		return fmt.Errorf("encoding input files: %w", err)
	}
	opts, err := encodeOptions(job.Options)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(nonNil(job.OutputFiles))
	if err != nil {
		return fmt.Errorf("encoding output files: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, user_id, tenant_id, input_files, options, status, output_files, error_code, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.UserID, job.TenantID, string(inputs), opts, string(job.Status),
		string(outputs), job.ErrorCode, job.Error, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return domain.WrapStorage("insert job", err)
}

const jobColumns = `id, type, user_id, tenant_id, input_files, options, status, output_files, error_code, error, created_at, updated_at`

func (r *Repository) FindJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
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
		`UPDATE jobs SET status = ?, output_files = ?, error_code = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(update.To), string(outputs), update.ErrorCode, update.Error, formatTime(update.At),
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
	// 0 件の場合は存在しないのか状態が違うのかを区別する
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.WrapStorage("select job", err)
	}
	return domain.ErrConflict
}

func (r *Repository) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
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
		`SELECT job_count, api_calls, storage_bytes FROM usage_counters WHERE tenant_id = ? AND day = ?`,
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
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, day) DO UPDATE SET
		   job_count = usage_counters.job_count + excluded.job_count,
		   api_calls = usage_counters.api_calls + excluded.api_calls,
		   storage_bytes = usage_counters.storage_bytes + excluded.storage_bytes
		 RETURNING job_count, api_calls, storage_bytes`,
		tenantID, day, inc.JobCount, inc.APICalls, inc.StorageBytes,
	).Scan(&u.JobCount, &u.APICalls, &u.StorageBytes)
	if err != nil {
		return domain.UsageCounter{}, domain.WrapStorage("upsert usage", err)
	}

	if inc.StorageBytes != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tenants SET storage_bytes = storage_bytes + ? WHERE id = ?`, inc.StorageBytes, tenantID,
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
		 VALUES (?, ?, 1, 1, 0)
		 ON CONFLICT (tenant_id, day) DO UPDATE SET
		   job_count = usage_counters.job_count + 1,
		   api_calls = usage_counters.api_calls + 1
		 WHERE usage_counters.job_count < ?
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
		inputs, opts, outputs string
		created, updated      string
	)
	if err := s.Scan(&job.ID, &typ, &job.UserID, &job.TenantID, &inputs, &opts, &status, &outputs,
		&job.ErrorCode, &job.Error, &created, &updated); err != nil {
		return domain.Job{}, err
	}
	job.Type = domain.JobType(typ)
	job.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(inputs), &job.InputFiles); err != nil {
		return domain.Job{}, fmt.Errorf("decoding input files: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &job.Options); err != nil {
		return domain.Job{}, fmt.Errorf("decoding options: %w", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(outputs), &out); err != nil {
		return domain.Job{}, fmt.Errorf("decoding output files: %w", err)
	}
	if len(out) > 0 {
		job.OutputFiles = out
	}
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return job, nil
}

func encodeOptions(opts domain.Options) (string, error) {
	if opts == nil {
		return "{}", nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encoding options: %w", err)
	}
	return string(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
