package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReportsQueue != "reports" || cfg.ReportsDLQ != "reports_dlq" {
		t.Fatalf("unexpected queue defaults %q %q", cfg.ReportsQueue, cfg.ReportsDLQ)
	}
	if cfg.DownloadURLTTL != 15*time.Minute || cfg.AuthzMode != "requester" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ReportsConsumer == "" {
		t.Fatalf("expected a derived consumer name")
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service:
  name: billing-reports
  port: 9090
queue:
  name: billing
  max_attempts: 5
worker:
  enabled: false
  generation_timeout: 2m
storage:
  download_url_ttl: 5m
events:
  kafka_brokers: ["kafka-1:9092", "kafka-2:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("DOWNLOAD_URL_TTL", "600")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "billing-reports" || cfg.Port != "7070" {
		t.Fatalf("expected file name and env port, got %q %q", cfg.ServiceName, cfg.Port)
	}
	if cfg.ReportsQueue != "billing" || cfg.ReportsDLQ != "billing_dlq" || cfg.QueueMaxAttempts != 5 {
		t.Fatalf("unexpected queue config %+v", cfg)
	}
	if cfg.WorkerEnabled || cfg.GenerationTimeout != 2*time.Minute {
		t.Fatalf("unexpected worker config %+v", cfg)
	}
	if cfg.DownloadURLTTL != 10*time.Minute {
		t.Fatalf("expected env ttl in seconds to win, got %s", cfg.DownloadURLTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected lists %v %v", cfg.KafkaBrokers, cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("AUTHZ_MODE", "everyone")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unsupported authz mode to fail")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(path, []byte("storage:\n  download_url_ttl: soon\n"), 0o600)
	t.Setenv("AUTHZ_MODE", "")
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected bad duration in file to fail")
	}
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "REPORTS_TEST_KEEP=from-file\nREPORTS_TEST_NEW=\"quoted value\"\n# comment\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	t.Setenv("REPORTS_TEST_KEEP", "from-process")
	t.Setenv("REPORTS_TEST_NEW", "")
	os.Unsetenv("REPORTS_TEST_NEW")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if os.Getenv("REPORTS_TEST_KEEP") != "from-process" {
		t.Fatalf("process env must win, got %q", os.Getenv("REPORTS_TEST_KEEP"))
	}
	if os.Getenv("REPORTS_TEST_NEW") != "quoted value" {
		t.Fatalf("expected dotenv value, got %q", os.Getenv("REPORTS_TEST_NEW"))
	}
}

func TestValidateStandaloneWorkerRequiresSharedState(t *testing.T) {
	cfg := defaults()
	err := cfg.ValidateStandaloneWorker()
	if err == nil {
		t.Fatalf("expected worker without shared storage to be rejected")
	}
	for _, key := range []string{"S3_BUCKET", "DATABASE_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err)
		}
	}

	cfg.DatabaseURL = "postgres://reports@db/reports"
	if err := cfg.ValidateStandaloneWorker(); err == nil || !strings.Contains(err.Error(), "S3_BUCKET") {
		t.Fatalf("expected missing bucket to be rejected, got %v", err)
	}

	cfg.S3Bucket = "reports"
	if err := cfg.ValidateStandaloneWorker(); err != nil {
		t.Fatalf("expected shared configuration to pass, got %v", err)
	}
}
