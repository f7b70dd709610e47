package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/internal/metrics"
	"github.com/opensandbox/wadm/pkg/types"
)

func (s *Server) authStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, types.AuthStatus{
		SetupRequired: s.deps.Creds.SetupRequired(),
	})
}

func (s *Server) setupInit(c echo.Context) error {
	if !s.deps.Creds.SetupRequired() {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": auth.ErrAlreadySetup.Error(),
		})
	}

	enr, err := auth.NewEnrollment()
	if err != nil {
		s.log.Error().Err(err).Msg("generating totp enrollment")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to initialize TOTP",
		})
	}
	return c.JSON(http.StatusOK, types.SetupInitResponse{
		Secret: enr.Secret,
		QR:     enr.QR,
		URL:    enr.URL,
	})
}

func (s *Server) setupConfirm(c echo.Context) error {
	if !s.allowAttempt(c, "setup") {
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "too many attempts, try again later",
		})
	}

	var req types.SetupConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	err := s.deps.Creds.Setup(req.Password, req.Code, req.Secret)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAlreadySetup),
		errors.Is(err, auth.ErrInvalidCode),
		errors.Is(err, auth.ErrInvalidCredentials):
		metrics.AuthAttemptsTotal.WithLabelValues("setup", "failure").Inc()
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		s.log.Error().Err(err).Msg("saving credentials")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to save auth state",
		})
	}

	metrics.AuthAttemptsTotal.WithLabelValues("setup", "success").Inc()
	s.log.Info().Str("remote_ip", c.RealIP()).Msg("first-run setup complete")
	_ = s.deps.Audit.LogEvent(c.Request().Context(), audit.EventSetupComplete, map[string]string{
		"remote_addr": c.RealIP(),
	})
	return s.issueToken(c)
}

func (s *Server) login(c echo.Context) error {
	if !s.allowAttempt(c, "login") {
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "too many attempts, try again later",
		})
	}

	var req types.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	err := s.deps.Creds.Login(req.Password, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrSetupRequired):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidCode):
		metrics.AuthAttemptsTotal.WithLabelValues("login", "failure").Inc()
		s.log.Warn().Str("remote_ip", c.RealIP()).Err(err).Msg("login failed")
		_ = s.deps.Audit.LogEvent(c.Request().Context(), audit.EventLoginFailed, map[string]string{
			"remote_addr": c.RealIP(),
			"reason":      err.Error(),
		})
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": err.Error(),
		})
	default:
		s.log.Error().Err(err).Msg("verifying credentials")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to verify credentials",
		})
	}

	metrics.AuthAttemptsTotal.WithLabelValues("login", "success").Inc()
	_ = s.deps.Audit.LogEvent(c.Request().Context(), audit.EventLogin, map[string]string{
		"remote_addr": c.RealIP(),
	})
	return s.issueToken(c)
}

func (s *Server) allowAttempt(c echo.Context, kind string) bool {
	if s.deps.Limiter == nil || s.deps.Limiter.Allow(c.RealIP()) {
		return true
	}
	metrics.AuthAttemptsTotal.WithLabelValues(kind, "rate_limited").Inc()
	return false
}

func (s *Server) issueToken(c echo.Context) error {
	token, err := s.deps.Issuer.IssueToken(auth.AdminSubject)
	if err != nil {
		s.log.Error().Err(err).Msg("signing token")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to issue token",
		})
	}
	return c.JSON(http.StatusOK, types.TokenResponse{Token: token})
}
