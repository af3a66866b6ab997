// Package auth はセッション Cookie によるログインと CSRF 保護を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/doc-forge/internal/domain"
)

const (
	SessionCookieName    = "df_session"
	sessionKeyUser       = "auth_user"
	sessionKeyTenant     = "auth_tenant"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader はログイン時に発行したトークンを送り返すヘッダーです。
	CSRFHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ハンドラー間でログイン済みユーザーを共有するためのキー
const (
	ContextUserKey   = "auth.user"
	ContextTenantKey = "auth.tenant"
)

// Accounts はログイン・サインアップで使うテナントとユーザーの永続化です。
type Accounts interface {
	FindUser(ctx context.Context, id string) (domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (domain.User, error)
	CreateUser(ctx context.Context, u domain.User) error
	FindTenant(ctx context.Context, id string) (domain.Tenant, error)
	CreateTenant(ctx context.Context, t domain.Tenant) error
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	accounts Accounts
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	lock     sync.Mutex
	attempts map[string]*attemptState

	// 同じメールアドレスでの同時サインアップを直列化する
	signupMu sync.Mutex
}

// NewManager は認証マネージャーを作成します。
func NewManager(accounts Accounts, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		attempts: make(map[string]*attemptState),
	}
}

// HashPassword は bcrypt でハッシュ化したパスワードを返します。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	return max(0, maxLoginAttempts-state.count)
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
