// Package domain はジョブ・テナント・利用量などのドメインモデルを定義します。
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobType はジョブの処理種別です。列挙は閉じており、未知の値は受け付けません。
type JobType string

const (
	JobTypePDFMerge    JobType = "pdf-merge"
	JobTypePDFSplit    JobType = "pdf-split"
	JobTypePDFCompress JobType = "pdf-compress"
	JobTypePDFProtect  JobType = "pdf-protect"
	JobTypeExcelMerge  JobType = "excel-merge"
	JobTypeExcelSplit  JobType = "excel-split"
	JobTypeExcelCSV    JobType = "excel-csv"
	JobTypeExcelClean  JobType = "excel-clean"
	JobTypeWordMerge   JobType = "word-merge"
	JobTypeWordHTML    JobType = "word-html"
	JobTypeWordText    JobType = "word-text"
	JobTypeConvert     JobType = "convert"
)

// JobTypes は全ジョブ種別を定義順で返します。
func JobTypes() []JobType {
	return []JobType{
		JobTypePDFMerge,
		JobTypePDFSplit,
		JobTypePDFCompress,
		JobTypePDFProtect,
		JobTypeExcelMerge,
		JobTypeExcelSplit,
		JobTypeExcelCSV,
		JobTypeExcelClean,
		JobTypeWordMerge,
		JobTypeWordHTML,
		JobTypeWordText,
		JobTypeConvert,
	}
}

// ParseJobType は文字列をジョブ種別に変換します。
func ParseJobType(raw string) (JobType, error) {
	candidate := JobType(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range JobTypes() {
		if t == candidate {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown job type %q", raw)}
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event は状態遷移を引き起こす操作です。
type Event string

const (
	EventDispatch Event = "dispatch"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
)

// Transition は Event によって Src から Dst へ遷移することを表します。
type Transition struct {
	Event Event
	Src   Status
	Dst   Status
}

// Transitions はジョブのライフサイクルで許可される遷移の一覧です。
// pending → processing → completed | failed の一方向のみで、再試行や取消はありません。
var Transitions = []Transition{
	{Event: EventDispatch, Src: StatusPending, Dst: StatusProcessing},
	{Event: EventComplete, Src: StatusProcessing, Dst: StatusCompleted},
	{Event: EventFail, Src: StatusProcessing, Dst: StatusFailed},
}

// Options はジョブ種別ごとの自由形式パラメータです。
type Options map[string]any

// String は key の文字列値を返します。存在しない場合は空文字です。
func (o Options) String(key string) string {
	if o == nil {
		return ""
	}
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Bool は key の真偽値を返します。"true" / "1" などの文字列も受け付けます。
func (o Options) Bool(key string) bool {
	if o == nil {
		return false
	}
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// Float は key の数値を返します。数値文字列も受け付けます。
func (o Options) Float(key string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	switch v := o[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Ints は key の整数配列を返します。JSON 由来の []any / []float64 も扱います。
func (o Options) Ints(key string) ([]int, bool) {
	if o == nil {
		return nil, false
	}
	switch v := o[key].(type) {
	case []int:
		return append([]int(nil), v...), true
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				if n != float64(int(n)) {
					return nil, false
				}
				out = append(out, int(n))
			case int:
				out = append(out, n)
			default:
				return nil, false
			}
		}
		return out, true
	case []float64:
		out := make([]int, 0, len(v))
		for _, n := range v {
			if n != float64(int(n)) {
				return nil, false
			}
			out = append(out, int(n))
		}
		return out, true
	}
	return nil, false
}

// Job はユーザーが投入した処理要求です。
// OutputFiles は completed のときのみ、Error / ErrorCode は failed のときのみ値を持ちます。
type Job struct {
	ID          string
	Type        JobType
	UserID      string
	TenantID    string
	InputFiles  []string
	Options     Options
	Status      Status
	OutputFiles []string
	ErrorCode   string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobUpdate はジョブ状態の条件付き更新です。現在の状態が From と一致する場合のみ適用されます。
type JobUpdate struct {
	From        Status
	To          Status
	OutputFiles []string
	ErrorCode   string
	Error       string
	At          time.Time
}

// Apply は更新内容を job に反映します。状態の妥当性は呼び出し側で検証済みである前提です。
func (u JobUpdate) Apply(job *Job) {
	job.Status = u.To
	job.UpdatedAt = u.At
	switch u.To {
	case StatusCompleted:
		job.OutputFiles = append([]string(nil), u.OutputFiles...)
		job.ErrorCode = ""
		job.Error = ""
	case StatusFailed:
		job.OutputFiles = nil
		job.ErrorCode = u.ErrorCode
		job.Error = u.Error
	}
}
