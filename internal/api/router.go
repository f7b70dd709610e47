package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/internal/metrics"
	"github.com/opensandbox/wadm/internal/settings"
	"github.com/opensandbox/wadm/internal/terminal"
)

// AuditLog records terminal sessions and security-relevant events.
type AuditLog interface {
	LogSessionStart(ctx context.Context, s audit.SessionStart) error
	LogSessionEnd(ctx context.Context, e audit.SessionEnd) error
	LogEvent(ctx context.Context, eventType string, payload interface{}) error
	History(ctx context.Context, limit int) ([]audit.Session, error)
}

// Deps are the collaborators of the API server. Audit may be nil.
type Deps struct {
	Verifier *auth.Verifier
	Issuer   *auth.JWTIssuer
	Creds    *auth.Store
	Limiter  *auth.LoginLimiter
	Settings settings.Store
	Spawner  terminal.Spawner
	Registry *terminal.Registry
	Audit    AuditLog

	SessionOptions terminal.Options
	WebDir         string
	ServeMetrics   bool // expose /metrics on the API listener
	Logger         zerolog.Logger
}

// Server holds the API server dependencies.
type Server struct {
	echo *echo.Echo
	deps Deps
	gate *terminal.Gate
	log  zerolog.Logger

	// sessions counts running terminal handlers so Shutdown can wait for them.
	sessions sync.WaitGroup
	closing  atomic.Bool
}

// NewServer creates a new API server with all routes configured.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Audit == nil {
		deps.Audit = nopAudit{}
	}
	if deps.Registry == nil {
		deps.Registry = terminal.NewRegistry()
	}

	s := &Server{
		echo: e,
		deps: deps,
		gate: terminal.NewGate(deps.Settings),
		log:  deps.Logger.With().Str("component", "api").Logger(),
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(s.log))
	e.Use(middleware.CORS())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.ServeMetrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	// Auth (public)
	e.GET("/api/auth/status", s.authStatus)
	e.POST("/api/auth/setup/init", s.setupInit)
	e.POST("/api/auth/setup/confirm", s.setupConfirm)
	e.POST("/api/auth/login", s.login)

	// Terminal websocket: browsers cannot set headers on the upgrade request,
	// so the token travels in the query string and is checked by the handler.
	e.GET("/api/terminal/ws", s.terminalWebSocket)

	// API routes (with auth)
	api := e.Group("/api")
	api.Use(auth.BearerMiddleware(deps.Verifier))

	api.GET("/config", s.getConfig)
	api.POST("/config", s.updateConfig)

	api.GET("/terminal/sessions", s.listTerminalSessions)
	api.DELETE("/terminal/sessions/:id", s.killTerminalSession)
	api.GET("/terminal/history", s.terminalHistory)

	if deps.WebDir != "" {
		e.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:  deps.WebDir,
			HTML5: true,
			Skipper: func(c echo.Context) bool {
				p := c.Request().URL.Path
				return strings.HasPrefix(p, "/api/") || p == "/metrics"
			},
		}))
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown ends every terminal session with a going-away close, stops the
// listener and waits for in-flight handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.deps.Registry.TerminateAll(terminal.ReasonShutdown)
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Int("sessions", s.deps.Registry.Len()).Msg("terminal sessions still running at shutdown deadline")
	}
	return err
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = logger.Warn().Err(v.Error)
			}
			// Never log the query string: it carries the terminal token.
			ev.Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

type nopAudit struct{}

func (nopAudit) LogSessionStart(context.Context, audit.SessionStart) error { return nil }
func (nopAudit) LogSessionEnd(context.Context, audit.SessionEnd) error     { return nil }
func (nopAudit) LogEvent(context.Context, string, interface{}) error        { return nil }
func (nopAudit) History(context.Context, int) ([]audit.Session, error)      { return nil, nil }
