package config

import (
	"bytes"
	"encoding/hex"
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"WADM_PORT", "WADM_JWT_SECRET", "WADM_TOKEN_TTL", "WADM_AUDIT_DB", "WADM_SECRET_KEY", "WADM_LOG_FORMAT"} {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8168 {
		t.Errorf("expected port 8168, got %d", cfg.Port)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("expected token ttl 24h, got %s", cfg.TokenTTL)
	}
	if cfg.AuthFile != "wadm-auth.json" || cfg.ConfigFile != "wadm-config.json" {
		t.Errorf("unexpected store paths %q %q", cfg.AuthFile, cfg.ConfigFile)
	}
	if cfg.AuditDB != "wadm-audit.db" {
		t.Errorf("expected audit db wadm-audit.db, got %q", cfg.AuditDB)
	}
	if !cfg.JWTSecretGenerated || len(cfg.JWTSecret) == 0 {
		t.Error("expected a generated JWT secret")
	}
	if cfg.SecretKey != nil {
		t.Error("expected no secret key")
	}
	if cfg.Addr() != ":8168" {
		t.Errorf("expected addr :8168, got %s", cfg.Addr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	t.Setenv("WADM_PORT", "9999")
	t.Setenv("WADM_JWT_SECRET", "s3cret")
	t.Setenv("WADM_TOKEN_TTL", "90m")
	t.Setenv("WADM_SECRET_KEY", hex.EncodeToString(key))
	t.Setenv("WADM_AUDIT_DB", "")
	t.Setenv("WADM_LOG_FORMAT", "json")
	t.Setenv("WADM_LOGIN_RATE", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if string(cfg.JWTSecret) != "s3cret" || cfg.JWTSecretGenerated {
		t.Errorf("unexpected jwt secret %q", cfg.JWTSecret)
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Errorf("expected ttl 90m, got %s", cfg.TokenTTL)
	}
	if !bytes.Equal(cfg.SecretKey, key) {
		t.Error("secret key not decoded")
	}
	if cfg.AuditDB != "" {
		t.Errorf("expected audit log disabled, got %q", cfg.AuditDB)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected json log format, got %s", cfg.LogFormat)
	}
	if cfg.LoginRate != 2.5 {
		t.Errorf("expected login rate 2.5, got %v", cfg.LoginRate)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"WADM_PORT":        "not-a-number",
		"WADM_TOKEN_TTL":   "forever",
		"WADM_SECRET_KEY":  "short",
		"WADM_LOG_FORMAT":  "xml",
		"WADM_LOGIN_BURST": "many",
		"WADM_LOGIN_RATE":  "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestApplySecrets(t *testing.T) {
	t.Setenv("WADM_TEST_PRESET", "from-env")
	os.Unsetenv("WADM_TEST_NEW")
	t.Cleanup(func() { os.Unsetenv("WADM_TEST_NEW") })

	n, err := applySecrets(`{"WADM_TEST_PRESET":"from-secret","WADM_TEST_NEW":"added"}`)
	if err != nil {
		t.Fatalf("applySecrets: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied, got %d", n)
	}
	if os.Getenv("WADM_TEST_PRESET") != "from-env" {
		t.Error("env var overridden by secret")
	}
	if os.Getenv("WADM_TEST_NEW") != "added" {
		t.Error("secret not applied")
	}
	if _, err := applySecrets("not json"); err == nil {
		t.Error("expected error for bad JSON")
	}
}

func TestRegionFromARN(t *testing.T) {
	if got := regionFromARN("arn:aws:secretsmanager:us-east-2:123456789012:secret:wadm"); got != "us-east-2" {
		t.Errorf("got %q", got)
	}
	if got := regionFromARN("wadm"); got != "" {
		t.Errorf("got %q", got)
	}
}
