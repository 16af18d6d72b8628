package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"app":     {"log_level": "debug", "poll_interval": "3s", "backoff_max": "1m"},
		"browser": {"page_load_timeout": "45s"},
		"search": {"relevance_threshold": 70, "result_wait": "20s"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.App.LogLevel)
	}
	if cfg.App.PollInterval != 3*time.Second {
		t.Errorf("poll interval = %v, want 3s", cfg.App.PollInterval)
	}
	if cfg.App.BackoffMax != time.Minute {
		t.Errorf("backoff max = %v, want 1m", cfg.App.BackoffMax)
	}
	if cfg.App.TaskPause != time.Second {
		t.Errorf("task pause default = %v, want 1s", cfg.App.TaskPause)
	}
	if cfg.Browser.PageLoadTimeout != 45*time.Second {
		t.Errorf("page load timeout = %v, want 45s", cfg.Browser.PageLoadTimeout)
	}
	if cfg.Search.RelevanceThreshold != 70 {
		t.Errorf("threshold = %d, want 70", cfg.Search.RelevanceThreshold)
	}
	if cfg.Search.CandidateLimit != 15 {
		t.Errorf("candidate limit default = %d, want 15", cfg.Search.CandidateLimit)
	}
	if cfg.Pricing.RUBPerUSD != 85.0 || cfg.Pricing.CNYPerUSD != 7.14 {
		t.Errorf("unexpected default rates: %+v", cfg.Pricing)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"app": {"poll_interval": "soon"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_POLL_INTERVAL", "7s")
	t.Setenv("SEARCH_RELEVANCE_THRESHOLD", "80")
	t.Setenv("DB_HOST", "mysql")
	t.Setenv("DB_NAME", "pipeline")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.PollInterval != 7*time.Second {
		t.Errorf("poll interval = %v, want 7s", cfg.App.PollInterval)
	}
	if cfg.Search.RelevanceThreshold != 80 {
		t.Errorf("threshold = %d, want 80", cfg.Search.RelevanceThreshold)
	}
	if cfg.Oracle.APIKey != "sk-test" {
		t.Errorf("api key = %q, want sk-test", cfg.Oracle.APIKey)
	}
	parsed := parseMySQLDSN(cfg.MySQL.DSN)
	if parsed.Addr != "mysql:3306" || parsed.DBName != "pipeline" {
		t.Errorf("dsn not rebuilt: %s", cfg.MySQL.DSN)
	}
}
