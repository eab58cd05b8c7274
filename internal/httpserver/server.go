package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
)

// Deps are the handlers and state the routes serve.
type Deps struct {
	Registry  *session.Registry
	Signaling http.Handler
	Logger    *slog.Logger
}

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router *echo.Echo
}

type healthResponse struct {
	Status         string          `json:"status"`
	ActiveSessions int             `json:"active_sessions"`
	Components     map[string]bool `json:"components"`
}

// New constructs the router with health, metrics and the control channel.
func New(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || p == "/metrics"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				log.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/health", func(c echo.Context) error {
		resp := healthResponse{Status: "healthy", Components: map[string]bool{}}
		if d.Registry != nil {
			resp.ActiveSessions = d.Registry.ActiveCount()
			resp.Components = d.Registry.Availability().Snapshot()
		}
		for _, ok := range resp.Components {
			if !ok {
				resp.Status = "degraded"
			}
		}
		return c.JSON(http.StatusOK, resp)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if d.Signaling != nil {
		e.GET("/ws", echo.WrapHandler(d.Signaling))
	}

	return &Server{Router: e}
}
