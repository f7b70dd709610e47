package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/wadm/internal/api"
	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/internal/config"
	"github.com/opensandbox/wadm/internal/events"
	"github.com/opensandbox/wadm/internal/metrics"
	"github.com/opensandbox/wadm/internal/settings"
	"github.com/opensandbox/wadm/internal/terminal"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg)
	if cfg.SecretsApplied > 0 {
		logger.Info().Int("count", cfg.SecretsApplied).Msg("loaded secrets from AWS Secrets Manager")
	}
	if cfg.JWTSecretGenerated {
		logger.Warn().Msg("WADM_JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	if cfg.SecretKey == nil {
		logger.Warn().Msg("WADM_SECRET_KEY not set, TOTP secret is stored unencrypted")
	}

	creds, err := auth.LoadStore(cfg.AuthFile, cfg.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AuthFile).Msg("failed to load auth state")
	}
	if creds.SetupRequired() {
		logger.Info().Msg("no credentials yet, first-run setup is open")
	}

	// Settings: Redis when configured so several instances share the flag.
	var store settings.Store
	if cfg.RedisURL != "" {
		rs, err := settings.NewRedisStore(cfg.RedisURL, settings.DefaultRedisKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		store = rs
		logger.Info().Msg("settings stored in Redis")
	} else {
		fs, err := settings.LoadFile(cfg.ConfigFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("failed to load settings")
		}
		store = fs
	}
	defer store.Close()

	deps := api.Deps{
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Issuer:   auth.NewJWTIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Creds:    creds,
		Limiter:  auth.NewLoginLimiter(cfg.LoginRate, cfg.LoginBurst),
		Settings: store,
		Spawner:  &terminal.ShellSpawner{Shell: cfg.Shell},
		Registry: terminal.NewRegistry(),
		WebDir:   cfg.WebDir,
		Logger:   logger,
	}

	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AuditDB).Msg("failed to open audit log")
		}
		defer auditLog.Close()
		deps.Audit = auditLog
		logger.Info().Str("path", cfg.AuditDB).Msg("audit log enabled")
	} else {
		logger.Info().Msg("audit log disabled")
	}

	if cfg.NATSURL != "" {
		if auditLog == nil {
			logger.Warn().Msg("WADM_NATS_URL set but the audit log is disabled; not publishing events")
		} else {
			host, _ := os.Hostname()
			pub, err := events.NewPublisher(cfg.NATSURL, host, auditLog, logger)
			if err != nil {
				logger.Error().Err(err).Msg("event publishing unavailable, continuing without")
			} else {
				pub.Start()
				defer pub.Stop()
				logger.Info().Msg("publishing events to NATS")
			}
		}
	}

	if cfg.MetricsAddr != "" {
		ms := metrics.StartMetricsServer(cfg.MetricsAddr, logger)
		defer ms.Close()
	} else {
		deps.ServeMetrics = true
	}

	if sp, ok := deps.Spawner.(*terminal.ShellSpawner); ok {
		if shell, err := sp.ResolveShell(); err != nil {
			logger.Warn().Err(err).Msg("no usable shell, terminal sessions will fail to start")
		} else {
			logger.Info().Str("shell", shell).Msg("terminal shell")
		}
	}

	server := api.NewServer(deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("starting wadm server")
		errCh <- server.Start(cfg.Addr())
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
