// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// 永続化・キュー・削除予約のバックエンド
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	QueueMemory = "memory"
	QueueAsynq  = "asynq"

	CleanupMemory = "memory"
	CleanupRedis  = "redis"
	CleanupSQL    = "sql"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション署名用の秘密鍵
	SessionSecret string

	// ファイル保存先
	UploadDir string

	// 永続化
	StoreDriver  string // memory, sqlite, postgres
	DatabasePath string // sqlite のファイルパス
	DatabaseURL  string // postgres の接続文字列

	// ジョブ/キュー設定
	QueueBackend      string // memory, asynq
	QueueRedisURL     string // Asynq用Redis接続URL
	WorkerConcurrency int
	QueueSize         int
	JobTimeout        time.Duration

	// 遅延削除
	CleanupBackend       string // memory, redis, sql (既定は STORE_DRIVER に従う)
	CleanupDelay         time.Duration
	CleanupSweepInterval time.Duration

	// PDF処理設定
	GhostscriptPath string // Ghostscript実行ファイルのパス（空なら圧縮プリセットは pdfcpu のみ）

	// 受付レート（0 で無効）
	AdmissionRatePerSec float64
	AdmissionRateBurst  int

	// ログ・テレメトリ
	LogLevel     string
	LogFormat    string
	OTelExporter string // none, stdout, otlp

	// デモ用アカウント（空なら作成しない）
	DemoEmail    string
	DemoPassword string
	DemoPlan     string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),

		StoreDriver:  getEnv("STORE_DRIVER", StoreMemory),
		DatabasePath: getEnv("DATABASE_PATH", "./doc-forge.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		QueueBackend:      getEnv("QUEUE_BACKEND", QueueMemory),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueSize:         getEnvAsInt("QUEUE_SIZE", 100),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 5*time.Minute),

		CleanupBackend:       getEnv("CLEANUP_BACKEND", ""),
		CleanupDelay:         getEnvAsDuration("CLEANUP_DELAY", time.Hour),
		CleanupSweepInterval: getEnvAsDuration("CLEANUP_SWEEP_INTERVAL", time.Minute),

		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", ""),

		AdmissionRatePerSec: getEnvAsFloat("ADMISSION_RATE_PER_SEC", 0),
		AdmissionRateBurst:  getEnvAsInt("ADMISSION_RATE_BURST", 5),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		OTelExporter: getEnv("OTEL_EXPORTER", "none"),

		DemoEmail:    getEnv("DEMO_EMAIL", ""),
		DemoPassword: getEnv("DEMO_PASSWORD", ""),
		DemoPlan:     getEnv("DEMO_PLAN", "free"),
	}

	// 未指定なら永続ストアと同じ DB に削除予約を置く
	if config.CleanupBackend == "" {
		config.CleanupBackend = CleanupMemory
		if config.StoreDriver == StoreSQLite || config.StoreDriver == StorePostgres {
			config.CleanupBackend = CleanupSQL
		}
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.QueueBackend {
	case QueueMemory, QueueAsynq:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	switch c.CleanupBackend {
	case CleanupMemory, CleanupRedis:
	case CleanupSQL:
		if c.StoreDriver == StoreMemory {
			return fmt.Errorf("CLEANUP_BACKEND=sql requires STORE_DRIVER sqlite or postgres")
		}
	default:
		return fmt.Errorf("unknown CLEANUP_BACKEND %q", c.CleanupBackend)
	}
	if (c.QueueBackend == QueueAsynq || c.CleanupBackend == CleanupRedis) && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for redis-backed queue or cleanup")
	}

	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.CleanupDelay < 0 || c.CleanupSweepInterval <= 0 {
		return fmt.Errorf("CLEANUP_DELAY must not be negative and CLEANUP_SWEEP_INTERVAL must be positive")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET of at least 32 bytes is required in release mode")
		}
		if c.StoreDriver == StoreMemory {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。
// "90s" のような形式に加え、単位なしの整数は秒として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs := getEnvAsInt64(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
