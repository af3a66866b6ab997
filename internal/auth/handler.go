package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/domain"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /api/auth/login のハンドラーです。
// 成功するとセッションにユーザーとテナントを記録し、CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	user, err := m.accounts.FindUserByEmail(c.Request.Context(), normalizeEmail(req.Email))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.Error("failed to look up user", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ログイン処理に失敗しました",
		})
		return
	}
	if err != nil || !verifyPassword(user.PasswordHash, req.Password) {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "メールアドレスまたはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUser, user.ID)
	session.Set(sessionKeyTenant, user.TenantID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	m.logger.Info("user logged in", slog.String("user_id", user.ID), slog.String("tenant_id", user.TenantID))
	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

const minPasswordLength = 8

type signupRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	TenantName string `json:"tenantName" binding:"required"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup は /api/auth/signup のハンドラーです。
// Free プランのテナントとその最初のユーザーを作成します。ログインは別途行います。
func (m *Manager) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "name / email / password / tenantName を JSON で送ってください",
		})
		return
	}
	email := normalizeEmail(req.Email)
	if !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_EMAIL", "message": "メールアドレスの形式が正しくありません"})
		return
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "WEAK_PASSWORD", "message": "パスワードは8文字以上で指定してください"})
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		m.logger.Error("failed to hash password", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "アカウントの作成に失敗しました"})
		return
	}

	ctx := c.Request.Context()
	m.signupMu.Lock()
	defer m.signupMu.Unlock()

	if _, err := m.accounts.FindUserByEmail(ctx, email); err == nil {
		c.JSON(http.StatusConflict, gin.H{"code": "EMAIL_TAKEN", "message": "このメールアドレスは既に登録されています"})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		m.logger.Error("failed to look up user", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "アカウントの作成に失敗しました"})
		return
	}

	now := m.now().UTC()
	tenant := domain.Tenant{ID: m.newID(), Name: strings.TrimSpace(req.TenantName), Plan: domain.PlanFree, CreatedAt: now}
	if err := m.accounts.CreateTenant(ctx, tenant); err != nil {
		m.logger.Error("failed to create tenant", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "アカウントの作成に失敗しました"})
		return
	}
	user := domain.User{
		ID:           m.newID(),
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		TenantID:     tenant.ID,
		CreatedAt:    now,
	}
	if err := m.accounts.CreateUser(ctx, user); err != nil {
		m.logger.Error("failed to create user", slog.String("tenant_id", tenant.ID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "アカウントの作成に失敗しました"})
		return
	}

	m.logger.Info("account created", slog.String("user_id", user.ID), slog.String("tenant_id", tenant.ID))
	c.JSON(http.StatusCreated, gin.H{
		"userId":   user.ID,
		"tenantId": tenant.ID,
		"plan":     tenant.Plan,
	})
}

// Me は /api/auth/me のハンドラーです。RequireLogin の後ろで使います。
func (m *Manager) Me(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := m.accounts.FindUser(ctx, UserID(c))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "USER_NOT_FOUND", "message": "ユーザーが見つかりません"})
			return
		}
		m.logger.Error("failed to load user", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "ユーザー情報の取得に失敗しました"})
		return
	}
	tenant, err := m.accounts.FindTenant(ctx, user.TenantID)
	if err != nil {
		m.logger.Error("failed to load tenant", slog.String("tenant_id", user.TenantID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "ユーザー情報の取得に失敗しました"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":    user.ID,
			"email": user.Email,
			"name":  user.Name,
			"tenant": gin.H{
				"id":   tenant.ID,
				"name": tenant.Name,
				"plan": tenant.Plan,
			},
		},
	})
}
