// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/telemetry"
)

const (
	serviceName    = "doc-forge-api"
	serviceVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("doc-forge: %v", err)
	}
}

func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.GinMode,
		Exporter:       cfg.OTelExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// ワーカーはシグナルではなく stop で止めるため、独立したコンテキストで起動する
	if err := a.start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			slog.String("addr", srv.Addr),
			slog.String("mode", cfg.GinMode),
			slog.String("store", cfg.StoreDriver),
			slog.String("queue", cfg.QueueBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.stop(context.Background())
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	a.stop(shutdownCtx)
	logger.Info("stopped")
	return nil
}

func newRouter(cfg *config.Config, a *app) *gin.Engine {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// デフォルトミドルウェア: Logger, Recovery
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	secret := cfg.SessionSecret
	if secret == "" {
		a.logger.Warn("SESSION_SECRET is empty; using an ephemeral key, sessions will not survive restarts")
		secret = ephemeralSecret()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, a)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	router.GET("/health", handleHealth)

	h := &jobHandler{
		engine:    a.engine,
		files:     a.files,
		admission: a.admission,
		logger:    a.logger,
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン・サインアップ時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/signup", a.auth.Signup)
			authRoutes.GET("/me", a.auth.RequireLogin(), a.auth.Me)
			authRoutes.POST("/logout",
				a.auth.RequireLogin(),
				a.auth.VerifyCSRF(),
				a.auth.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(a.auth.RequireLogin(), a.auth.VerifyCSRF())
		{
			protected.POST("/jobs", h.create)
			protected.GET("/jobs", h.list)
			protected.GET("/jobs/:id", h.get)
			protected.GET("/files/:filename", h.download)
			protected.GET("/usage", h.usage)
		}
	}
}

func ephemeralSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
