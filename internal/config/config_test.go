package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"STORE_DRIVER", "QUEUE_BACKEND", "CLEANUP_BACKEND", "JOB_TIMEOUT", "GIN_MODE", "WORKER_CONCURRENCY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != StoreMemory || cfg.QueueBackend != QueueMemory || cfg.CleanupBackend != CleanupMemory {
		t.Fatalf("backends = %s/%s/%s", cfg.StoreDriver, cfg.QueueBackend, cfg.CleanupBackend)
	}
	if cfg.JobTimeout != 5*time.Minute || cfg.CleanupDelay != time.Hour || cfg.WorkerConcurrency != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", "/tmp/x.db")
	t.Setenv("CLEANUP_BACKEND", "")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("CLEANUP_DELAY", "120")
	t.Setenv("ADMISSION_RATE_PER_SEC", "2.5")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CleanupBackend != CleanupSQL {
		t.Fatalf("CleanupBackend = %s, want %s for a durable store", cfg.CleanupBackend, CleanupSQL)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Fatalf("JobTimeout = %s", cfg.JobTimeout)
	}
	if cfg.CleanupDelay != 2*time.Minute {
		t.Fatalf("CleanupDelay = %s", cfg.CleanupDelay)
	}
	if cfg.AdmissionRatePerSec != 2.5 {
		t.Fatalf("AdmissionRatePerSec = %v", cfg.AdmissionRatePerSec)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.WorkerConcurrency)
	}
}

func validConfig() Config {
	return Config{
		GinMode:              "debug",
		UploadDir:            "./uploads",
		StoreDriver:          StoreMemory,
		QueueBackend:         QueueMemory,
		QueueRedisURL:        "redis://127.0.0.1:6379/0",
		CleanupBackend:       CleanupMemory,
		WorkerConcurrency:    1,
		QueueSize:            1,
		JobTimeout:           time.Minute,
		CleanupDelay:         time.Hour,
		CleanupSweepInterval: time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.StoreDriver = "mongo" }, wantErr: "STORE_DRIVER"},
		{name: "postgres without url", mutate: func(c *Config) { c.StoreDriver = StorePostgres }, wantErr: "DATABASE_URL"},
		{name: "unknown queue", mutate: func(c *Config) { c.QueueBackend = "sqs" }, wantErr: "QUEUE_BACKEND"},
		{name: "redis cleanup without url", mutate: func(c *Config) { c.CleanupBackend = CleanupRedis; c.QueueRedisURL = "" }, wantErr: "QUEUE_REDIS_URL"},
		{name: "sql cleanup on memory store", mutate: func(c *Config) { c.CleanupBackend = CleanupSQL }, wantErr: "CLEANUP_BACKEND=sql"},
		{name: "sql cleanup on sqlite", mutate: func(c *Config) {
			c.StoreDriver = StoreSQLite
			c.DatabasePath = "x.db"
			c.CleanupBackend = CleanupSQL
		}},
		{name: "zero workers", mutate: func(c *Config) { c.WorkerConcurrency = 0 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "release needs secret", mutate: func(c *Config) { c.GinMode = "release"; c.StoreDriver = StoreSQLite; c.DatabasePath = "x.db" }, wantErr: "SESSION_SECRET"},
		{name: "release rejects memory store", mutate: func(c *Config) {
			c.GinMode = "release"
			c.SessionSecret = strings.Repeat("s", 32)
		}, wantErr: "STORE_DRIVER=memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
