package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/internal/settings"
	"github.com/opensandbox/wadm/pkg/types"
)

func (s *Server) getConfig(c echo.Context) error {
	cur, err := s.deps.Settings.Get(c.Request().Context())
	if err != nil {
		s.log.Error().Err(err).Msg("reading settings")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "settings unavailable",
		})
	}
	return c.JSON(http.StatusOK, types.Config{DeveloperMode: cur.DeveloperMode})
}

func (s *Server) updateConfig(c echo.Context) error {
	var req types.ConfigUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.DeveloperMode == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "developer_mode is required",
		})
	}

	ctx := c.Request().Context()
	updated, err := s.deps.Settings.Update(ctx, settings.Settings{DeveloperMode: *req.DeveloperMode})
	if err != nil {
		s.log.Error().Err(err).Msg("saving settings")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to save configuration",
		})
	}

	subject, _ := auth.GetSubject(c)
	s.log.Info().Str("subject", subject).Bool("developer_mode", updated.DeveloperMode).Msg("configuration updated")
	_ = s.deps.Audit.LogEvent(ctx, audit.EventSettingsChanged, map[string]interface{}{
		"subject":        subject,
		"developer_mode": updated.DeveloperMode,
	})
	return c.JSON(http.StatusOK, types.Config{DeveloperMode: updated.DeveloperMode})
}
