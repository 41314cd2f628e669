// Package httpapi exposes a small REST surface alongside the voice relay:
// a health check, the same server info the wire protocol's InfoRequest
// carries, and a ServerProperties reload endpoint for spec.md §6's CLI
// surface to be driven without a relay reconnect.
//
// Adapted from the teacher's server/internal/httpapi package, which built
// this shape (Echo, requestLogger middleware, context-canceled graceful
// shutdown) for a channel/blob API that was never wired into the teacher's
// own main.go. Here it's wired: cmd/server starts it alongside the relay.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"voicecraft/internal/relay"
	"voicecraft/internal/store"
)

// Server wraps an Echo instance exposing the relay's reloadable state.
type Server struct {
	echo  *echo.Echo
	relay *relay.Server
	store *store.Store
}

// New builds a Server backed by rm (for live client counts and config
// reload) and st (for persisted ServerProperties).
func New(rm *relay.Server, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, relay: rm, store: st}
	e.Use(requestLogger())
	s.registerRoutes()
	return s
}

// requestLogger logs each request at debug level for /health (polled
// frequently by load balancers) and info level otherwise.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			level := slog.LevelInfo
			if req.URL.Path == "/health" {
				level = slog.LevelDebug
			}
			slog.Log(req.Context(), level, "http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	}
}

// Echo returns the underlying Echo instance, mainly for tests to wrap with
// httptest.NewServer.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/info", s.handleInfo)
	s.echo.GET("/api/properties", s.handleGetProperties)
	s.echo.POST("/api/properties", s.handleSetProperties)
}

// Run starts serving addr until ctx is canceled, then shuts down gracefully
// with a 5s deadline.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.relay.ClientCount(),
	})
}

// infoResponse mirrors wire.InfoResponse's fields minus the RequestID,
// which only matters for correlating responses on the control stream.
type infoResponse struct {
	ServerName     string `json:"server_name"`
	Motd           string `json:"motd"`
	MaxClients     int    `json:"max_clients"`
	CurrentClients int    `json:"current_clients"`
}

func (s *Server) handleInfo(c echo.Context) error {
	cfg := s.relay.Config()
	return c.JSON(http.StatusOK, infoResponse{
		ServerName:     cfg.ServerName,
		Motd:           cfg.Motd,
		MaxClients:     cfg.MaxClients,
		CurrentClients: s.relay.ClientCount(),
	})
}

func (s *Server) handleGetProperties(c echo.Context) error {
	cfg := s.relay.Config()
	props, err := s.store.GetServerProperties(store.ServerProperties{
		MaxClients: uint16(cfg.MaxClients),
		Motd:       cfg.Motd,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, props)
}

// handleSetProperties persists the posted ServerProperties and applies the
// fields the relay cares about (Motd, MaxClients) immediately, so a reload
// takes effect for the next login without a relay restart.
func (s *Server) handleSetProperties(c echo.Context) error {
	var props store.ServerProperties
	if err := c.Bind(&props); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := s.store.SetServerProperties(props); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	cfg := s.relay.Config()
	cfg.Motd = props.Motd
	cfg.MaxClients = int(props.MaxClients)
	s.relay.SetConfig(cfg)

	return c.JSON(http.StatusOK, props)
}
