// Package plans はプランごとの上限値テーブルを提供します。
// テーブルは構築後に変更できず、起動時に Admission へ注入されます。
package plans

import (
	"fmt"

	"github.com/yourusername/doc-forge/internal/domain"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

// Limits は 1 プランの上限値と利用可能機能です。
type Limits struct {
	MaxFileSize     int64
	MaxJobsPerDay   int
	MaxStorageBytes int64
	Batch           bool
	APIAccess       bool
	jobTypes        map[domain.JobType]struct{}
}

// Permits は jobType がこのプランで利用可能かを返します。
func (l Limits) Permits(jobType domain.JobType) bool {
	_, ok := l.jobTypes[jobType]
	return ok
}

// JobTypes は利用可能なジョブ種別を定義順で返します。
func (l Limits) JobTypes() []domain.JobType {
	out := make([]domain.JobType, 0, len(l.jobTypes))
	for _, t := range domain.JobTypes() {
		if l.Permits(t) {
			out = append(out, t)
		}
	}
	return out
}

// Spec はテーブル構築時の 1 プラン分の定義です。
type Spec struct {
	Plan            domain.Plan
	MaxFileSize     int64
	MaxJobsPerDay   int
	MaxStorageBytes int64
	Batch           bool
	APIAccess       bool
	JobTypes        []domain.JobType
}

// Table はプランから上限値への不変な対応表です。
type Table struct {
	limits map[domain.Plan]Limits
}

// NewTable は specs からテーブルを構築します。値はコピーされるため、構築後に specs を変更しても影響しません。
func NewTable(specs ...Spec) (*Table, error) {
	t := &Table{limits: make(map[domain.Plan]Limits, len(specs))}
	for _, s := range specs {
		if s.Plan == "" {
			return nil, fmt.Errorf("plan name is required")
		}
		if _, dup := t.limits[s.Plan]; dup {
			return nil, fmt.Errorf("duplicate plan %q", s.Plan)
		}
		if s.MaxFileSize <= 0 {
			return nil, fmt.Errorf("plan %q: max file size must be positive", s.Plan)
		}
		if s.MaxJobsPerDay < 0 {
			return nil, fmt.Errorf("plan %q: max jobs per day must not be negative", s.Plan)
		}
		types := make(map[domain.JobType]struct{}, len(s.JobTypes))
		for _, jt := range s.JobTypes {
			types[jt] = struct{}{}
		}
		t.limits[s.Plan] = Limits{
			MaxFileSize:     s.MaxFileSize,
			MaxJobsPerDay:   s.MaxJobsPerDay,
			MaxStorageBytes: s.MaxStorageBytes,
			Batch:           s.Batch,
			APIAccess:       s.APIAccess,
			jobTypes:        types,
		}
	}
	return t, nil
}

// Default は標準の free / pro / enterprise テーブルを返します。
func Default() *Table {
	basic := []domain.JobType{
		domain.JobTypePDFMerge,
		domain.JobTypePDFSplit,
		domain.JobTypePDFCompress,
		domain.JobTypeConvert,
	}
	t, err := NewTable(
		Spec{
			Plan:            domain.PlanFree,
			MaxFileSize:     10 * mib,
			MaxJobsPerDay:   10,
			MaxStorageBytes: 1 * gib,
			JobTypes:        basic,
		},
		Spec{
			Plan:            domain.PlanPro,
			MaxFileSize:     100 * mib,
			MaxJobsPerDay:   100,
			MaxStorageBytes: 10 * gib,
			Batch:           true,
			JobTypes:        domain.JobTypes(),
		},
		Spec{
			Plan:            domain.PlanEnterprise,
			MaxFileSize:     1 * gib,
			MaxJobsPerDay:   1000,
			MaxStorageBytes: 100 * gib,
			Batch:           true,
			APIAccess:       true,
			JobTypes:        domain.JobTypes(),
		},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup は plan の上限値を返します。未知のプランは false です。
func (t *Table) Lookup(plan domain.Plan) (Limits, bool) {
	l, ok := t.limits[plan]
	return l, ok
}

// MaxFileSize は plan の単一ファイル上限（バイト）を返します。未知のプランは 0 です。
func (t *Table) MaxFileSize(plan domain.Plan) int64 {
	return t.limits[plan].MaxFileSize
}

// MaxJobsPerDay は plan の日次ジョブ上限を返します。未知のプランは 0 です。
func (t *Table) MaxJobsPerDay(plan domain.Plan) int {
	return t.limits[plan].MaxJobsPerDay
}

// Permits は plan で jobType が利用可能かを返します。
func (t *Table) Permits(plan domain.Plan, jobType domain.JobType) bool {
	l, ok := t.limits[plan]
	return ok && l.Permits(jobType)
}
