package domain

import "time"

// Plan は契約プランです。free < pro < enterprise の順に上位です。
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Tenant はプランと利用量を共有する課金単位です。
type Tenant struct {
	ID           string
	Name         string
	Plan         Plan
	StorageBytes int64
	CreatedAt    time.Time
}

// User はテナントに所属するログインユーザーです。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	TenantID     string
	CreatedAt    time.Time
}

// UsageCounter はテナントの日次利用量です。日付ごとに遅延生成され、ロールオーバーはしません。
type UsageCounter struct {
	TenantID     string
	Day          string
	JobCount     int
	APICalls     int
	StorageBytes int64
}

// UsageIncrement は UsageCounter への加算量です。
type UsageIncrement struct {
	JobCount     int
	APICalls     int
	StorageBytes int64
}

const dayLayout = "2006-01-02"

// Day は t の属する日付キー（UTC）を返します。
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
