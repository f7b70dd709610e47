package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/metrics"
	"github.com/opensandbox/wadm/internal/terminal"
)

var upgrader = websocket.Upgrader{
	// The token in the query string is the credential; there are no cookies
	// to protect, so cross-origin dashboards may connect.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// auditTimeout bounds audit writes that happen outside a request context.
const auditTimeout = 5 * time.Second

// terminalWebSocket authenticates, checks the developer-mode gate, upgrades,
// spawns a shell and runs the session until either side goes away.
func (s *Server) terminalWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	subject, err := s.deps.Verifier.Verify(c.QueryParam("token"))
	if err != nil {
		metrics.TerminalRejectionsTotal.WithLabelValues("unauthenticated").Inc()
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "unauthorized",
		})
	}

	if err := s.gate.Admit(ctx); err != nil {
		if errors.Is(err, terminal.ErrCapabilityDenied) {
			metrics.TerminalRejectionsTotal.WithLabelValues("capability_denied").Inc()
			_ = s.deps.Audit.LogEvent(ctx, audit.EventTerminalDenied, map[string]string{
				"subject":     subject,
				"remote_addr": c.RealIP(),
			})
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": err.Error(),
			})
		}
		metrics.TerminalRejectionsTotal.WithLabelValues("settings_unavailable").Inc()
		s.log.Error().Err(err).Msg("reading developer mode")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "settings unavailable",
		})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	conn := newWSConn(ws)

	s.sessions.Add(1)
	defer s.sessions.Done()

	size := terminal.DefaultSize
	spawnStart := time.Now()
	p, err := s.deps.Spawner.Spawn(ctx, size)
	if err != nil {
		metrics.TerminalRejectionsTotal.WithLabelValues("spawn_failed").Inc()
		s.log.Error().Err(err).Str("subject", subject).Msg("failed to start shell")
		_ = conn.CloseWithReason(terminal.CloseInternalError, terminal.ErrSpawnFailed.Error())
		return nil
	}
	metrics.TerminalSpawnDuration.Observe(time.Since(spawnStart).Seconds())
	if proc, ok := p.(interface{ Pid() int }); ok {
		s.log.Info().Str("subject", subject).Int("pid", proc.Pid()).Str("remote_ip", c.RealIP()).Msg("shell started")
	}

	sess := terminal.NewSession(p, conn, subject, size, s.deps.SessionOptions, s.log)
	s.deps.Registry.Add(sess)
	defer s.deps.Registry.Remove(sess.ID)
	if s.closing.Load() {
		sess.Terminate(terminal.ReasonShutdown)
	}

	if err := s.deps.Audit.LogSessionStart(ctx, audit.SessionStart{
		ID:         sess.ID,
		Subject:    subject,
		RemoteAddr: c.RealIP(),
		StartedAt:  sess.StartedAt,
		Cols:       size.Cols,
		Rows:       size.Rows,
	}); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("audit session start")
	}

	metrics.TerminalSessionsActive.Inc()
	res := sess.Run(ctx)
	metrics.TerminalSessionsActive.Dec()

	metrics.TerminalSessionsTotal.WithLabelValues(string(res.Reason)).Inc()
	metrics.TerminalBytesTotal.WithLabelValues("in").Add(float64(res.BytesIn))
	metrics.TerminalBytesTotal.WithLabelValues("out").Add(float64(res.BytesOut))
	metrics.TerminalSessionDuration.Observe(res.Duration.Seconds())

	// The request context dies with the handler; give the audit write its own.
	actx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := s.deps.Audit.LogSessionEnd(actx, audit.SessionEnd{
		ID:       sess.ID,
		Reason:   string(res.Reason),
		BytesIn:  res.BytesIn,
		BytesOut: res.BytesOut,
		Cols:     res.Size.Cols,
		Rows:     res.Size.Rows,
	}); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("audit session end")
	}
	return nil
}
