package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write config %s: %v", name, err)
	}
}

const validAuth = `
auth:
  accessTokenSecret: "abcdefghijklmnopqrstuvwxyz123456"
  accessTokenTTL: 15m
`

func TestLoadConfigWithDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
app:
  name: test-app
server:
  host: 127.0.0.1
  port: 9090
database:
  driver: sqlite
  dsn: file:./test.db
logging:
  level: debug
`+validAuth)

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	if cfg.Server.MaxRequestBody != 1024*1024 {
		t.Fatalf("expected default max request body 1MB got %d", cfg.Server.MaxRequestBody)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging level debug got %s", cfg.Logging.Level)
	}
	if got := cfg.Server.CORS.AllowOrigins; len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected default CORS allow origins to be ['*'] got %#v", got)
	}
	if !cfg.Server.SecurityHeaders.ContentTypeNosniff {
		t.Fatalf("expected default content type nosniff to be true")
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("expected redis to be disabled without addr")
	}
	if cfg.Governance.CacheTTL != 30*time.Second {
		t.Fatalf("expected default cache ttl 30s got %s", cfg.Governance.CacheTTL)
	}
	if cfg.Governance.RecorderQueueSize != 1024 {
		t.Fatalf("expected default recorder queue 1024 got %d", cfg.Governance.RecorderQueueSize)
	}
	if cfg.Governance.Location() != time.UTC {
		t.Fatalf("expected UTC reset timezone")
	}
	if cfg.Auth.Issuer != "test-app" {
		t.Fatalf("expected issuer to default to app name got %s", cfg.Auth.Issuer)
	}
}

func TestLoadConfigInvalidSecrets(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
app:
  name: test-app
auth:
  accessTokenSecret: short
`)

	if _, err := Load(dir, ""); err == nil {
		t.Fatalf("expected error for weak secrets")
	}
}

func TestLoadConfigRejectsPlaceholderSecret(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
auth:
  accessTokenSecret: "change-me-change-me-change-me-change-me"
`)

	if _, err := Load(dir, ""); err == nil {
		t.Fatalf("expected placeholder secret to be rejected")
	}
}

func TestLoadConfigMergesEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
app:
  name: test-app
governance:
  recorderQueueSize: 16
  resetTimezone: UTC
`+validAuth)
	writeConfig(t, dir, "staging.yaml", `
governance:
  resetTimezone: Asia/Shanghai
  rateLimit: 10-S
providers:
  openai:
    baseURL: https://api.openai.com/v1
    apiKey: sk-test
`)

	cfg, err := Load(dir, "staging")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.App.Env != "staging" {
		t.Fatalf("expected env staging got %s", cfg.App.Env)
	}
	if cfg.Governance.RecorderQueueSize != 16 {
		t.Fatalf("expected queue size from base config got %d", cfg.Governance.RecorderQueueSize)
	}
	if cfg.Governance.ResetTimezone != "Asia/Shanghai" {
		t.Fatalf("expected env override for timezone got %s", cfg.Governance.ResetTimezone)
	}
	provider, ok := cfg.Providers["openai"]
	if !ok {
		t.Fatalf("expected openai provider")
	}
	if provider.Timeout != 60*time.Second {
		t.Fatalf("expected default provider timeout got %s", provider.Timeout)
	}
}

func TestLoadConfigRejectsInvalidGovernance(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
governance:
  resetTimezone: Mars/Olympus
  rateLimit: lots
`+validAuth)

	if _, err := Load(dir, ""); err == nil {
		t.Fatalf("expected invalid governance settings to be rejected")
	}
}

func TestLoadConfigRejectsWildcardOriginInProd(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default.yaml", `
app:
  name: test-app
  env: production
server:
  cors:
    allowOrigins:
      - "*"
`+validAuth)

	if _, err := Load(dir, ""); err == nil {
		t.Fatalf("expected wildcard origins to be rejected in production")
	}
}

func TestDetermineEnvFallsBack(t *testing.T) {
	t.Setenv(envKey, "")
	if got := determineEnv(""); got != defaultEnv {
		t.Fatalf("expected %s got %s", defaultEnv, got)
	}
	t.Setenv(envKey, "production")
	if got := determineEnv(""); got != "production" {
		t.Fatalf("expected production got %s", got)
	}
	if got := determineEnv("test"); got != "test" {
		t.Fatalf("expected explicit env to win got %s", got)
	}
}
