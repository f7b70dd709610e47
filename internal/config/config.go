package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/opensandbox/wadm/internal/crypto"
)

// Config holds all configuration for the wadm server.
type Config struct {
	Port      int
	LogLevel  string
	LogFormat string // "console" or "json"

	// Auth
	JWTSecret          []byte
	JWTSecretGenerated bool // no WADM_JWT_SECRET; tokens do not survive a restart
	TokenTTL           time.Duration
	AuthFile           string
	SecretKey          []byte // seals the TOTP secret at rest; nil stores it unsealed
	LoginRate          float64 // attempts per minute per client
	LoginBurst         int

	// Settings
	ConfigFile string
	RedisURL   string // if set, settings live in Redis instead of ConfigFile

	// Terminal
	Shell string

	// Frontend
	WebDir string

	// Audit log (SQLite). Empty disables it.
	AuditDB string

	// NATS for session events. Empty disables publishing.
	NATSURL string

	// Separate Prometheus listener, e.g. ":9091". Empty serves /metrics on the API port.
	MetricsAddr string

	// AWS Secrets Manager. If set, the JSON secret is merged into the
	// environment before anything else is read. Env vars win.
	SecretsARN     string
	SecretsApplied int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		SecretsARN: os.Getenv("WADM_SECRETS_ARN"),
	}
	if cfg.SecretsARN != "" {
		n, err := loadSecretsManager(cfg.SecretsARN)
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", cfg.SecretsARN, err)
		}
		cfg.SecretsApplied = n
	}

	cfg.LogLevel = envOrDefault("WADM_LOG_LEVEL", "info")
	cfg.LogFormat = envOrDefault("WADM_LOG_FORMAT", "console")
	cfg.AuthFile = envOrDefault("WADM_AUTH_FILE", "wadm-auth.json")
	cfg.ConfigFile = envOrDefault("WADM_CONFIG_FILE", "wadm-config.json")
	cfg.RedisURL = os.Getenv("WADM_REDIS_URL")
	cfg.Shell = os.Getenv("WADM_SHELL")
	cfg.WebDir = os.Getenv("WADM_WEB_DIR")
	cfg.NATSURL = os.Getenv("WADM_NATS_URL")
	cfg.MetricsAddr = os.Getenv("WADM_METRICS_ADDR")

	// WADM_AUDIT_DB="" explicitly disables the audit log.
	if v, ok := os.LookupEnv("WADM_AUDIT_DB"); ok {
		cfg.AuditDB = v
	} else {
		cfg.AuditDB = "wadm-audit.db"
	}

	var err error
	if cfg.Port, err = envInt("WADM_PORT", 8168); err != nil {
		return nil, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid WADM_PORT %d", cfg.Port)
	}
	if cfg.TokenTTL, err = envDuration("WADM_TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LoginRate, err = envFloat("WADM_LOGIN_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.LoginBurst, err = envInt("WADM_LOGIN_BURST", 5); err != nil {
		return nil, err
	}

	switch cfg.LogFormat {
	case "console", "json":
	default:
		return nil, fmt.Errorf("invalid WADM_LOG_FORMAT %q (want console or json)", cfg.LogFormat)
	}

	if cfg.SecretKey, err = crypto.ParseKey(os.Getenv("WADM_SECRET_KEY")); err != nil {
		return nil, fmt.Errorf("invalid WADM_SECRET_KEY: %w", err)
	}

	if s := os.Getenv("WADM_JWT_SECRET"); s != "" {
		cfg.JWTSecret = []byte(s)
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		cfg.JWTSecret = []byte(hex.EncodeToString(buf))
		cfg.JWTSecretGenerated = true
	}

	return cfg, nil
}

// Addr is the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive number", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, v)
	}
	return d, nil
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain. It returns the
// number of variables applied.
func loadSecretsManager(arn string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if region := regionFromARN(arn); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return 0, fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return 0, fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return 0, fmt.Errorf("secret %s has no string value", arn)
	}
	return applySecrets(*result.SecretString)
}

func regionFromARN(arn string) string {
	if parts := strings.Split(arn, ":"); len(parts) >= 4 {
		return parts[3]
	}
	return ""
}

// applySecrets sets each key of a JSON object as an environment variable
// unless it is already set.
func applySecrets(raw string) (int, error) {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(raw), &secrets); err != nil {
		return 0, fmt.Errorf("parse secret JSON: %w", err)
	}
	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}
	return applied, nil
}
