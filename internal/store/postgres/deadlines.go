package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yourusername/doc-forge/internal/cleanup"
)

var _ cleanup.Store = (*DeadlineStore)(nil)

// DeadlineStore は削除予約を cleanup_deadlines テーブルに保持します。
type DeadlineStore struct {
	db *sql.DB
}

// Deadlines は Repository と同じ接続プールを使う DeadlineStore を返します。
func (r *Repository) Deadlines() *DeadlineStore {
	return &DeadlineStore{db: r.db}
}

// Add は paths の削除期限を dueAt に設定します。登録済みのパスは上書きします。
func (s *DeadlineStore) Add(ctx context.Context, paths []string, dueAt time.Time) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	due := dueAt.UnixMilli()
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cleanup_deadlines (path, due_at) VALUES ($1, $2)
			 ON CONFLICT (path) DO UPDATE SET due_at = EXCLUDED.due_at`, p, due); err != nil {
			return fmt.Errorf("upsert deadline %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Due は now までに期限を迎えたパスを期限の早い順に返します。limit が 0 以下なら全件です。
func (s *DeadlineStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM cleanup_deadlines WHERE due_at <= $1 ORDER BY due_at, path LIMIT $2`,
		now.UnixMilli(), lim)
	if err != nil {
		return nil, fmt.Errorf("query due deadlines: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *DeadlineStore) Remove(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_deadlines WHERE path = $1`, p); err != nil {
			return fmt.Errorf("delete deadline %s: %w", p, err)
		}
	}
	return nil
}
