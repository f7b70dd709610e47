package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/wadm/internal/terminal"
	"github.com/opensandbox/wadm/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) listTerminalSessions(c echo.Context) error {
	infos := s.deps.Registry.List()
	out := make([]types.TerminalSession, 0, len(infos))
	for _, i := range infos {
		out = append(out, types.TerminalSession{
			ID:        i.ID,
			Subject:   i.Subject,
			StartedAt: i.StartedAt,
			State:     i.State,
			Cols:      i.Cols,
			Rows:      i.Rows,
			BytesIn:   i.BytesIn,
			BytesOut:  i.BytesOut,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) killTerminalSession(c echo.Context) error {
	id := c.Param("id")
	if !s.deps.Registry.Terminate(id, terminal.ReasonTerminated) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
	}
	s.log.Info().Str("session_id", id).Msg("terminal session terminated by operator")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) terminalHistory(c echo.Context) error {
	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.deps.Audit.History(c.Request().Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("reading terminal history")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to read history",
		})
	}

	out := make([]types.TerminalHistoryEntry, 0, len(records))
	for _, r := range records {
		out = append(out, types.TerminalHistoryEntry{
			ID:         r.ID,
			Subject:    r.Subject,
			RemoteAddr: r.RemoteAddr,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
			EndReason:  r.EndReason,
			Cols:       r.Cols,
			Rows:       r.Rows,
			BytesIn:    r.BytesIn,
			BytesOut:   r.BytesOut,
		})
	}
	return c.JSON(http.StatusOK, out)
}
