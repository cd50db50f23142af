// Package status serves a read-only HTTP view of a running branch.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/result"
)

// Source is the branch state exposed by the server; *branch.Branch
// satisfies it.
type Source interface {
	UUID() uuid.UUID
	InfoJSON() string
	ConnectedBranches() map[uuid.UUID]string
}

type Server struct {
	echo    *echo.Echo
	source  Source
	address string
	log     *zap.SugaredLogger
}

type HealthResponse struct {
	Status string `json:"status"`
	UUID   string `json:"uuid"`
}

func NewServer(
	source Source,
	gatherer prometheus.Gatherer,
	c *config.StatusConfig,
	logger *zap.SugaredLogger,
) (*Server, error) {
	if source == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil status source")
	}
	if gatherer == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil metrics gatherer")
	}
	if c == nil || c.Address == "" {
		return nil, result.Newf(result.CodeConfigNotValid, "status address required")
	}
	if logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil Logger")
	}

	log := logger.Named("StatusServer")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debugw(
				"http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		source:  source,
		address: c.Address,
		log:     log,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/branch", s.handleBranch)
	e.GET("/branch/connections", s.handleConnections)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", UUID: s.source.UUID().String()})
}

func (s *Server) handleBranch(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, []byte(s.source.InfoJSON()))
}

// handleConnections renders the connected branches keyed by UUID.
func (s *Server) handleConnections(c echo.Context) error {
	branches := s.source.ConnectedBranches()

	resp := make(map[string]json.RawMessage, len(branches))
	for id, info := range branches {
		resp[id.String()] = json.RawMessage(info)
	}

	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.log.Infof("%s: serving status on %s", s.source.UUID(), s.address)
	return s.echo.Start(s.address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Infof("%s: shutting down status server", s.source.UUID())
	return s.echo.Shutdown(ctx)
}
